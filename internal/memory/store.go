package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable tier: an append-only message log plus compacted
// chunks, backed by a single SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; SQLite allows one writer
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// modernc.org/sqlite handles concurrency poorly with multiple
	// connections; a single connection avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	compacted  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts);
CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_messages_compacted ON messages(chat_id, compacted, ts);

CREATE TABLE IF NOT EXISTS chunks (
	id             TEXT PRIMARY KEY,
	chat_id        TEXT NOT NULL,
	summary        TEXT NOT NULL,
	from_ts        INTEGER NOT NULL,
	to_ts          INTEGER NOT NULL,
	count          INTEGER NOT NULL,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	topics         TEXT NOT NULL DEFAULT '[]',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_chat_to ON chunks(chat_id, to_ts);

CREATE TABLE IF NOT EXISTS chunk_messages (
	chunk_id   TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL UNIQUE REFERENCES messages(id)
);
CREATE INDEX IF NOT EXISTS idx_chunk_messages_chunk ON chunk_messages(chunk_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one message. The caller may leave ID empty; a uuid is
// assigned. Timestamps default to now.
func (s *Store) Append(msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Role == "" {
		msg.Role = "user"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO messages (id, chat_id, user_id, role, content, ts, compacted)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.ChatID, msg.UserID, msg.Role, msg.Content, msg.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: append message: %v", ErrStorage, err)
	}
	return nil
}

// MessagesAsc returns up to limit messages for a chat in chronological
// order. A limit <= 0 means no limit.
func (s *Store) MessagesAsc(chatID string, limit int) ([]Message, error) {
	query := `SELECT id, chat_id, user_id, role, content, ts, compacted
	          FROM messages WHERE chat_id = ? ORDER BY ts ASC, id ASC`
	args := []any{chatID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read messages: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadRange returns messages for a chat with ts in [from, to), ascending.
func (s *Store) ReadRange(chatID string, from, to time.Time) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, user_id, role, content, ts, compacted
		 FROM messages WHERE chat_id = ? AND ts >= ? AND ts < ?
		 ORDER BY ts ASC, id ASC`,
		chatID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: read range: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadSince returns up to limit messages at or after since, ascending.
// Feeding the last returned timestamp back as since restarts the cursor.
func (s *Store) ReadSince(chatID string, since time.Time, limit int) ([]Message, error) {
	query := `SELECT id, chat_id, user_id, role, content, ts, compacted
	          FROM messages WHERE chat_id = ? AND ts >= ? ORDER BY ts ASC, id ASC`
	args := []any{chatID, since.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read since: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentByChat returns the newest limit messages in a chat, newest
// first, so callers never pay for the full history.
func (s *Store) RecentByChat(chatID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, user_id, role, content, ts, compacted
		 FROM messages WHERE chat_id = ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent by chat: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentByUser returns the newest messages a user sent in a chat,
// newest first.
func (s *Store) RecentByUser(userID, chatID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, user_id, role, content, ts, compacted
		 FROM messages WHERE user_id = ? AND chat_id = ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		userID, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent by user: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UserMessageStats counts a user's messages in a chat and their
// approximate content size.
func (s *Store) UserMessageStats(userID, chatID string) (int, int64, error) {
	var count int
	var bytes int64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0)
		 FROM messages WHERE user_id = ? AND chat_id = ?`,
		userID, chatID,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: user message stats: %v", ErrStorage, err)
	}
	return count, bytes, nil
}

// UncompactedBatch returns the oldest uncompacted messages of a chat
// whose timestamp is older than cutoff, capped at batchSize.
func (s *Store) UncompactedBatch(chatID string, cutoff time.Time, batchSize int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, user_id, role, content, ts, compacted
		 FROM messages WHERE chat_id = ? AND compacted = 0 AND ts < ?
		 ORDER BY ts ASC, id ASC LIMIT ?`,
		chatID, cutoff.UnixMilli(), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: uncompacted batch: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ChatsWithUncompacted lists chats that have at least minCount
// uncompacted messages older than cutoff.
func (s *Store) ChatsWithUncompacted(cutoff time.Time, minCount int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT chat_id FROM messages WHERE compacted = 0 AND ts < ?
		 GROUP BY chat_id HAVING COUNT(*) >= ? ORDER BY chat_id`,
		cutoff.UnixMilli(), minCount,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: chats with uncompacted: %v", ErrStorage, err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan chat id: %v", ErrStorage, err)
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// ChunkIDForMessage returns the chunk already covering a message, or
// empty when none does. Used by the compactor's idempotence probe after
// a crash between summarization and commit.
func (s *Store) ChunkIDForMessage(messageID string) (string, error) {
	var chunkID string
	err := s.db.QueryRow(
		`SELECT chunk_id FROM chunk_messages WHERE message_id = ?`, messageID,
	).Scan(&chunkID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: chunk for message: %v", ErrStorage, err)
	}
	return chunkID, nil
}

// InsertChunk commits one compaction result atomically: the chunk row,
// the chunk_messages joins, and marking the source messages compacted.
// Either all land or none do.
func (s *Store) InsertChunk(chunk *Chunk, messageIDs []string) error {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	topics, err := json.Marshal(chunk.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin chunk tx: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO chunks (id, chat_id, summary, from_ts, to_ts, count, token_estimate, topics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.ChatID, chunk.Summary,
		chunk.FromTS.UnixMilli(), chunk.ToTS.UnixMilli(),
		chunk.Count, chunk.TokenEstimate, string(topics), chunk.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert chunk: %v", ErrStorage, err)
	}

	for _, id := range messageIDs {
		if _, err := tx.Exec(
			`INSERT INTO chunk_messages (chunk_id, message_id) VALUES (?, ?)`,
			chunk.ID, id,
		); err != nil {
			return fmt.Errorf("%w: link message %s: %v", ErrStorage, id, err)
		}
	}

	if len(messageIDs) > 0 {
		args := make([]any, len(messageIDs))
		for i, id := range messageIDs {
			args[i] = id
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`UPDATE messages SET compacted = 1 WHERE id IN (%s)`,
				placeholders(len(messageIDs))),
			args...,
		); err != nil {
			return fmt.Errorf("%w: mark compacted: %v", ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit chunk: %v", ErrStorage, err)
	}
	return nil
}

// MarkCompacted flags messages as compacted. Already-flagged rows are
// left as-is, so re-running is harmless.
func (s *Store) MarkCompacted(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		fmt.Sprintf(`UPDATE messages SET compacted = 1 WHERE id IN (%s)`,
			placeholders(len(messageIDs))),
		args...,
	)
	if err != nil {
		return fmt.Errorf("%w: mark compacted: %v", ErrStorage, err)
	}
	return nil
}

// ChunksByChat returns a chat's chunks ordered oldest first. A limit
// <= 0 means all.
func (s *Store) ChunksByChat(chatID string, limit int) ([]Chunk, error) {
	query := `SELECT id, chat_id, summary, from_ts, to_ts, count, token_estimate, topics, created_at
	          FROM chunks WHERE chat_id = ? ORDER BY to_ts ASC, id ASC`
	args := []any{chatID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read chunks: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// Chats lists every chat id present in the message store.
func (s *Store) Chats() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chat_id FROM messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", ErrStorage, err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan chat id: %v", ErrStorage, err)
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// PruneCompacted deletes compacted messages older than cutoff together
// with their chunk joins. The chunks themselves stay.
func (s *Store) PruneCompacted(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin prune tx: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM chunk_messages WHERE message_id IN
		 (SELECT id FROM messages WHERE compacted = 1 AND ts < ?)`,
		cutoff.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("%w: prune joins: %v", ErrStorage, err)
	}

	res, err := tx.Exec(
		`DELETE FROM messages WHERE compacted = 1 AND ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: prune messages: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit prune: %v", ErrStorage, err)
	}
	if n > 0 {
		log.Printf("[store] pruned %d compacted messages older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Stats counts messages, chunks and chats.
func (s *Store) Stats() (MemoryStats, error) {
	var st MemoryStats
	row := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(compacted), 0),
		COUNT(DISTINCT chat_id) FROM messages`)
	if err := row.Scan(&st.TotalMessages, &st.CompactedCount, &st.ChatCount); err != nil {
		return st, fmt.Errorf("%w: message stats: %v", ErrStorage, err)
	}
	st.UncompactedCount = st.TotalMessages - st.CompactedCount

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&st.ChunkCount); err != nil {
		return st, fmt.Errorf("%w: chunk stats: %v", ErrStorage, err)
	}
	return st, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var compacted int
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Role, &m.Content, &ts, &compacted); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrStorage, err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Compacted = compacted != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var from, to, created int64
		var topics string
		if err := rows.Scan(&c.ID, &c.ChatID, &c.Summary, &from, &to, &c.Count, &c.TokenEstimate, &topics, &created); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", ErrStorage, err)
		}
		c.FromTS = time.UnixMilli(from)
		c.ToTS = time.UnixMilli(to)
		c.CreatedAt = time.UnixMilli(created)
		if topics != "" {
			_ = json.Unmarshal([]byte(topics), &c.Topics)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
