package memory

import (
	"log"
	"time"
)

// Loader restores engine state at startup: it walks every chat in the
// store, seeds the activity tracker from recent history, and reports
// what it found. A chat that fails to read is skipped and listed as
// partial rather than aborting the boot.
type Loader struct {
	store   *Store
	tracker *ActivityTracker
	recent  int
}

func NewLoader(store *Store, tracker *ActivityTracker, recentLimit int) *Loader {
	if recentLimit <= 0 {
		recentLimit = 50
	}
	return &Loader{store: store, tracker: tracker, recent: recentLimit}
}

func (l *Loader) Load() (LoadingStats, error) {
	start := time.Now()
	var stats LoadingStats

	chats, err := l.store.Chats()
	if err != nil {
		return stats, err
	}

	for _, chatID := range chats {
		msgs, err := l.store.MessagesAsc(chatID, 0)
		if err != nil {
			log.Printf("[loader] chat %s unreadable, skipping: %v", chatID, err)
			stats.PartialChats = append(stats.PartialChats, chatID)
			continue
		}
		chunks, err := l.store.ChunksByChat(chatID, 0)
		if err != nil {
			log.Printf("[loader] chat %s chunks unreadable: %v", chatID, err)
			stats.PartialChats = append(stats.PartialChats, chatID)
			continue
		}

		stats.Chats++
		stats.Messages += len(msgs)
		stats.Chunks += len(chunks)

		// Seed the tracker with the tail of history so the preloader
		// ranks known conversations before any new traffic arrives.
		tail := msgs
		if len(tail) > l.recent {
			tail = tail[len(tail)-l.recent:]
		}
		for _, m := range tail {
			if m.Role == "user" && m.UserID != "" {
				l.tracker.TrackMessage(m.UserID, m.ChatID, m.Content, 0)
			}
		}
	}

	stats.Elapsed = time.Since(start)
	stats.ElapsedMS = stats.Elapsed.Milliseconds()
	log.Printf("[loader] restored %d chats, %d messages, %d chunks in %s",
		stats.Chats, stats.Messages, stats.Chunks, stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}
