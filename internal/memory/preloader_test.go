package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPreloader(t *testing.T, cacheSize int) (*Preloader, *ActivityTracker) {
	t.Helper()
	s := newTestStore(t)
	tr := NewActivityTracker(nil)
	r := newTestRetriever(t, s)
	p := NewPreloader(r, tr, PreloaderConfig{
		TickInterval: time.Minute,
		CacheSize:    cacheSize,
		TopK:         10,
		MinMessages:  3,
		TTLMin:       5 * time.Minute,
		TTLMax:       30 * time.Minute,
	})
	return p, tr
}

func entry(user, chat string, priority float64, ttl time.Duration) *PreloadedContext {
	now := time.Now()
	return &PreloadedContext{
		UserID:    user,
		ChatID:    chat,
		Priority:  priority,
		LoadedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestCacheEvictsLowestPriority(t *testing.T) {
	p, _ := newTestPreloader(t, 2)

	if err := p.put(entry("a", "c", 0.9, time.Hour)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := p.put(entry("b", "c", 0.5, time.Hour)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Lower than everything cached: rejected, cache untouched.
	err := p.put(entry("c", "c", 0.2, time.Hour))
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if p.Get("a", "c") == nil || p.Get("b", "c") == nil {
		t.Fatal("existing entries must survive a rejected insert")
	}

	// Higher than the floor: evicts the 0.5 entry.
	if err := p.put(entry("d", "c", 0.7, time.Hour)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if p.Get("b", "c") != nil {
		t.Fatal("lowest-priority entry should have been evicted")
	}
	if p.Get("a", "c") == nil || p.Get("d", "c") == nil {
		t.Fatal("expected a and d cached")
	}

	st := p.Stats()
	if st.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", st.Evictions)
	}
}

func TestFullCachePurgesExpiredBeforeEvicting(t *testing.T) {
	p, _ := newTestPreloader(t, 1)

	// An expired resident never blocks an insert, whatever its priority.
	if err := p.put(entry("a", "c", 0.9, -time.Second)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := p.put(entry("b", "c", 0.5, time.Hour)); err != nil {
		t.Fatalf("fresh entry rejected despite expired resident: %v", err)
	}
	if p.Get("b", "c") == nil {
		t.Fatal("fresh entry should be cached")
	}
	st := p.Stats()
	if st.Expired != 1 {
		t.Fatalf("expected expired resident counted, got %d", st.Expired)
	}
	if st.Evictions != 0 {
		t.Fatalf("purging expired entries is not an eviction, got %d", st.Evictions)
	}

	// A live higher-priority resident still wins.
	err := p.put(entry("d", "c", 0.3, time.Hour))
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity against live resident, got %v", err)
	}
}

func TestExpiryCheckedOnRead(t *testing.T) {
	p, _ := newTestPreloader(t, 10)
	if err := p.put(entry("a", "c", 0.9, -time.Second)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if got := p.Get("a", "c"); got != nil {
		t.Fatalf("expired entry returned: %+v", got)
	}
	st := p.Stats()
	if st.Expired != 1 || st.Misses != 1 || st.Hits != 0 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.CachedCount != 0 {
		t.Fatal("expired entry should be removed on read")
	}
}

func TestHitRateSinceReset(t *testing.T) {
	p, _ := newTestPreloader(t, 10)
	if err := p.put(entry("a", "c", 0.9, time.Hour)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	p.Get("a", "c") // hit
	p.Get("x", "y") // miss
	p.Get("a", "c") // hit

	st := p.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.HitRate < 0.66 || st.HitRate > 0.67 {
		t.Fatalf("expected hit rate 2/3, got %f", st.HitRate)
	}

	p.ResetStats()
	st = p.Stats()
	if st.Hits != 0 || st.Misses != 0 || st.HitRate != 0 || st.TotalPreloads != 0 {
		t.Fatalf("counters should reset: %+v", st)
	}
}

func TestClearCacheKeepsCounters(t *testing.T) {
	p, _ := newTestPreloader(t, 10)
	if err := p.put(entry("a", "c", 0.9, time.Hour)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	p.Get("a", "c")

	if n := p.ClearCache(); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	st := p.Stats()
	if st.CachedCount != 0 {
		t.Fatal("cache should be empty")
	}
	if st.Hits != 1 {
		t.Fatal("counters must survive a cache clear")
	}
}

func TestForcePreloadRequiresActivity(t *testing.T) {
	p, tr := newTestPreloader(t, 10)

	err := p.ForcePreload("ghost", "c1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// One message is below the minimum signal bar.
	tr.TrackMessage("u1", "c1", "hello there friend", 0)
	if err := p.ForcePreload("u1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound below signal bar, got %v", err)
	}

	tr.TrackMessage("u1", "c1", "how are things", 0)
	tr.TrackMessage("u1", "c1", "been a while", 0)
	if err := p.ForcePreload("u1", "c1"); err != nil {
		t.Fatalf("ForcePreload failed: %v", err)
	}
	if p.Get("u1", "c1") == nil {
		t.Fatal("expected cached entry after force preload")
	}
}

func TestRunCycleSkipsQuietConversations(t *testing.T) {
	p, tr := newTestPreloader(t, 10)
	tr.TrackMessage("quiet", "c1", "one message only", 0)
	for i := 0; i < 5; i++ {
		tr.TrackMessage("busy", "c2", "lots of chatter here", 0)
	}

	p.RunCycle(context.Background())

	if p.Get("busy", "c2") == nil {
		t.Fatal("busy conversation should be preloaded")
	}
	if got := p.Get("quiet", "c1"); got != nil {
		t.Fatalf("quiet conversation below threshold was preloaded: %+v", got)
	}
	st := p.Stats()
	if st.PreloadRuns != 1 {
		t.Fatalf("expected 1 run, got %d", st.PreloadRuns)
	}
	if st.TotalPreloads != 1 {
		t.Fatalf("expected 1 preload, got %d", st.TotalPreloads)
	}
	if st.LastRunAt == "" {
		t.Fatal("expected last run timestamp")
	}
}

func TestRunCycleLeavesFreshEntriesAlone(t *testing.T) {
	p, tr := newTestPreloader(t, 10)
	for i := 0; i < 5; i++ {
		tr.TrackMessage("busy", "c1", "lots of chatter here", 0)
	}

	p.RunCycle(context.Background())
	first := p.Get("busy", "c1")
	if first == nil {
		t.Fatal("expected preloaded entry after first cycle")
	}

	// A second tick must not reload, and must not reset the TTL, while
	// the cached entry is still fresh.
	p.RunCycle(context.Background())
	second := p.Get("busy", "c1")
	if second == nil {
		t.Fatal("fresh entry should survive a second cycle")
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("fresh entry was reloaded: expiry %s became %s", first.ExpiresAt, second.ExpiresAt)
	}
	if st := p.Stats(); st.TotalPreloads != 1 {
		t.Fatalf("expected 1 preload across both cycles, got %d", st.TotalPreloads)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	p, _ := newTestPreloader(t, 10)
	ctx := context.Background()

	if p.Running() {
		t.Fatal("should not be running before Start")
	}
	p.Start(ctx)
	p.Start(ctx) // idempotent
	if !p.Running() {
		t.Fatal("should be running after Start")
	}
	if !p.Stats().Running {
		t.Fatal("stats should report running")
	}
	p.Stop()
	p.Stop() // idempotent
	if p.Running() {
		t.Fatal("should not be running after Stop")
	}
}

func TestConversationStates(t *testing.T) {
	p, tr := newTestPreloader(t, 10)

	if got := p.State("u1", "c1"); got != StateCold {
		t.Fatalf("expected cold, got %s", got)
	}
	tr.TrackMessage("u1", "c1", "hello", 0)
	if got := p.State("u1", "c1"); got != StateWarming {
		t.Fatalf("expected warming, got %s", got)
	}
	tr.TrackMessage("u1", "c1", "again", 0)
	tr.TrackMessage("u1", "c1", "and again", 0)
	if got := p.State("u1", "c1"); got != StateHot {
		t.Fatalf("expected hot, got %s", got)
	}
	if err := p.ForcePreload("u1", "c1"); err != nil {
		t.Fatalf("ForcePreload failed: %v", err)
	}
	if got := p.State("u1", "c1"); got != StatePreloaded {
		t.Fatalf("expected preloaded, got %s", got)
	}
}

func TestPriorityOrdersByActivity(t *testing.T) {
	p, tr := newTestPreloader(t, 10)
	for i := 0; i < 40; i++ {
		tr.TrackMessage("heavy", "c1", "message", 1000)
	}
	tr.TrackMessage("light", "c2", "message", 60000)
	tr.TrackMessage("light", "c2", "message", 60000)
	tr.TrackMessage("light", "c2", "message", 60000)

	now := time.Now()
	heavy := p.priorityOf(tr.Profile("heavy", "c1"), now)
	light := p.priorityOf(tr.Profile("light", "c2"), now)
	if heavy <= light {
		t.Fatalf("heavy user should outrank light: %f vs %f", heavy, light)
	}
	if heavy < 0 || heavy > 1 || light < 0 || light > 1 {
		t.Fatalf("priorities must stay in [0,1]: %f %f", heavy, light)
	}
}

func TestVolatileConversationsGetShortTTL(t *testing.T) {
	p, _ := newTestPreloader(t, 10)

	volatile := p.ttlOf(&ActivityProfile{
		UserID: "volatile", ChatID: "c1",
		MessageCount: 100,
		FirstSeen:    time.Now().Add(-time.Hour),
	})
	calm := p.ttlOf(&ActivityProfile{
		UserID: "calm", ChatID: "c2",
		MessageCount: 2,
		FirstSeen:    time.Now().Add(-24 * time.Hour),
	})
	if volatile >= calm {
		t.Fatalf("volatile TTL should be shorter: %s vs %s", volatile, calm)
	}
	if volatile < p.cfg.TTLMin || calm > p.cfg.TTLMax {
		t.Fatalf("TTL out of bounds: %s %s", volatile, calm)
	}
}
