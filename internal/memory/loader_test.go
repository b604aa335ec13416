package memory

import (
	"testing"
	"time"
)

func TestLoaderRestoresState(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	msgs := seedMessages(t, s, "c1", 10, old)
	seedMessages(t, s, "c2", 5, old)

	chunk := &Chunk{ChatID: "c1", Summary: "history", FromTS: msgs[0].Timestamp, ToTS: msgs[1].Timestamp, Count: 2}
	if err := s.InsertChunk(chunk, []string{msgs[0].ID, msgs[1].ID}); err != nil {
		t.Fatalf("InsertChunk failed: %v", err)
	}

	tr := NewActivityTracker(nil)
	l := NewLoader(s, tr, 50)

	stats, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stats.Chats != 2 {
		t.Fatalf("expected 2 chats, got %d", stats.Chats)
	}
	if stats.Messages != 15 {
		t.Fatalf("expected 15 messages, got %d", stats.Messages)
	}
	if stats.Chunks != 1 {
		t.Fatalf("expected 1 chunk, got %d", stats.Chunks)
	}
	if len(stats.PartialChats) != 0 {
		t.Fatalf("expected no partial chats, got %v", stats.PartialChats)
	}

	// Tracker seeded from history.
	if tr.ActiveCount() != 2 {
		t.Fatalf("expected 2 seeded conversations, got %d", tr.ActiveCount())
	}
	p := tr.Profile("u1", "c1")
	if p == nil || p.MessageCount != 10 {
		t.Fatalf("unexpected seeded profile: %+v", p)
	}
}

func TestLoaderEmptyStore(t *testing.T) {
	s := newTestStore(t)
	l := NewLoader(s, NewActivityTracker(nil), 50)

	stats, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stats.Chats != 0 || stats.Messages != 0 || stats.Chunks != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}
