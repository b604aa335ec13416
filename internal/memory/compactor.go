package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// CompactorConfig bounds the background compaction loop.
type CompactorConfig struct {
	Interval      time.Duration
	BatchSize     int
	MinBatch      int
	MinAge        time.Duration
	MaxTokens     int
	RetentionDays int
}

// Compactor periodically folds old uncompacted messages into summarized
// chunks. One chat failing never blocks the others, and a crash between
// summarization and commit is recovered by the coverage probe on the
// next cycle.
type Compactor struct {
	store      *Store
	summarizer Summarizer
	classifier *KeywordClassifier
	cfg        CompactorConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
}

func NewCompactor(store *Store, summarizer Summarizer, classifier *KeywordClassifier, cfg CompactorConfig) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 20
	}
	if cfg.MinBatch > cfg.BatchSize {
		cfg.MinBatch = cfg.BatchSize
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 24 * time.Hour
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Compactor{
		store:      store,
		summarizer: summarizer,
		classifier: classifier,
		cfg:        cfg,
	}
}

// Start launches the background loop. Starting twice is a no-op.
func (c *Compactor) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.stopWg.Add(1)
	go c.loop(ctx)
	log.Printf("[compactor] started, interval %s batch %d", c.cfg.Interval, c.cfg.BatchSize)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.stopWg.Wait()
	log.Printf("[compactor] stopped")
}

func (c *Compactor) loop(ctx context.Context) {
	defer c.stopWg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				log.Printf("[compactor] cycle failed: %v", err)
			}
		}
	}
}

// RunCycle compacts every eligible batch in every eligible chat and
// returns the number of chunks written. Exported for cron jobs, the
// admin surface and the CLI.
func (c *Compactor) RunCycle(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.cfg.MinAge)

	chats, err := c.store.ChatsWithUncompacted(cutoff, c.cfg.MinBatch)
	if err != nil {
		return 0, fmt.Errorf("list eligible chats: %w", err)
	}

	written := 0
	for _, chatID := range chats {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		n, err := c.compactChat(ctx, chatID, cutoff)
		written += n
		if err != nil {
			// One chat failing must not block the rest.
			log.Printf("[compactor] chat %s: %v", chatID, err)
		}
	}
	if written > 0 {
		log.Printf("[compactor] cycle wrote %d chunks across %d chats", written, len(chats))
	}
	return written, nil
}

// compactChat drains a chat's eligible backlog batch by batch, so a
// chat with 1000 pending messages compacts fully in one cycle.
func (c *Compactor) compactChat(ctx context.Context, chatID string, cutoff time.Time) (int, error) {
	written := 0
	for {
		batch, err := c.store.UncompactedBatch(chatID, cutoff, c.cfg.BatchSize)
		if err != nil {
			return written, err
		}
		if len(batch) < c.cfg.MinBatch {
			return written, nil
		}

		n, err := c.compactBatch(ctx, chatID, batch)
		written += n
		if err != nil {
			return written, err
		}
	}
}

func (c *Compactor) compactBatch(ctx context.Context, chatID string, batch []Message) (int, error) {
	// Coverage probe: if a prior run summarized this batch but crashed
	// before the messages were flagged, the join rows already exist.
	// Re-flag instead of paying for a second summary.
	chunkID, err := c.store.ChunkIDForMessage(batch[0].ID)
	if err != nil {
		return 0, err
	}
	if chunkID != "" {
		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			if covered, err := c.store.ChunkIDForMessage(m.ID); err != nil {
				return 0, err
			} else if covered != "" {
				ids = append(ids, m.ID)
			}
		}
		if err := c.store.MarkCompacted(ids); err != nil {
			return 0, err
		}
		log.Printf("[compactor] chat %s: re-flagged %d messages already in chunk %s", chatID, len(ids), chunkID)
		return 0, nil
	}

	summary, err := c.summarizer.Summarize(ctx, batch, c.cfg.MaxTokens)
	if err != nil {
		return 0, fmt.Errorf("summarize batch of %d: %w", len(batch), err)
	}

	var topics []string
	if c.classifier != nil {
		topics = c.classifier.Classify(summary)
	}

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	chunk := &Chunk{
		ChatID:        chatID,
		Summary:       summary,
		FromTS:        batch[0].Timestamp,
		ToTS:          batch[len(batch)-1].Timestamp,
		Count:         len(batch),
		TokenEstimate: estimateTokens(summary),
		Topics:        topics,
	}
	if err := c.store.InsertChunk(chunk, ids); err != nil {
		return 0, err
	}
	return 1, nil
}

// estimateTokens approximates the token cost of a summary at four
// characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Prune deletes compacted messages past the retention window.
func (c *Compactor) Prune() (int64, error) {
	if c.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -c.cfg.RetentionDays)
	return c.store.PruneCompacted(cutoff)
}
