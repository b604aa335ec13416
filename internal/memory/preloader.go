package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// PreloaderConfig bounds the background preload loop and its cache.
type PreloaderConfig struct {
	TickInterval time.Duration
	CacheSize    int
	TopK         int
	MinMessages  int
	TTLMin       time.Duration
	TTLMax       time.Duration
	Weights      PriorityWeights
}

// PriorityWeights blends the activity signals into one preload priority.
type PriorityWeights struct {
	Recency        float64
	Frequency      float64
	Responsiveness float64
}

// Conversation states as the preloader sees them.
const (
	StateCold      = "cold"      // never tracked
	StateWarming   = "warming"   // tracked, below the preload threshold
	StateHot       = "hot"       // eligible for ranking
	StatePreloaded = "preloaded" // context cached and fresh
)

// Preloader predicts which conversations will need context soon and
// warms a bounded cache ahead of the request. Entries carry a priority
// and a TTL; expiry is checked on read, and a full cache evicts its
// lowest-priority entry to admit a higher one.
type Preloader struct {
	retriever *Retriever
	tracker   *ActivityTracker
	cfg       PreloaderConfig

	mu      sync.Mutex
	cache   map[string]*PreloadedContext
	running bool
	stopCh  chan struct{}
	stopWg  sync.WaitGroup

	hits      int64
	misses    int64
	evictions int64
	expired   int64
	preloads  int64
	runs      int64
	lastRun   time.Time
}

func NewPreloader(retriever *Retriever, tracker *ActivityTracker, cfg PreloaderConfig) *Preloader {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 50
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 3
	}
	if cfg.TTLMin <= 0 {
		cfg.TTLMin = 5 * time.Minute
	}
	if cfg.TTLMax < cfg.TTLMin {
		cfg.TTLMax = 6 * cfg.TTLMin
	}
	w := cfg.Weights
	if w.Recency <= 0 && w.Frequency <= 0 && w.Responsiveness <= 0 {
		cfg.Weights = PriorityWeights{Recency: 0.5, Frequency: 0.3, Responsiveness: 0.2}
	}
	return &Preloader{
		retriever: retriever,
		tracker:   tracker,
		cfg:       cfg,
		cache:     make(map[string]*PreloadedContext),
	}
}

// Start launches the background loop. Starting twice is a no-op.
func (p *Preloader) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.stopWg.Add(1)
	go p.loop(ctx)
	log.Printf("[preloader] started, tick %s cache %d", p.cfg.TickInterval, p.cfg.CacheSize)
}

// Stop halts the background loop and waits for the in-flight tick.
// Stopping an idle preloader is a no-op. The cache survives Stop.
func (p *Preloader) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.stopWg.Wait()
	log.Printf("[preloader] stopped")
}

// Running reports whether the background loop is active.
func (p *Preloader) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Preloader) loop(ctx context.Context) {
	defer p.stopWg.Done()

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle performs one preload pass: rank tracked conversations, warm
// the top candidates, drop expired entries. Exported so cron jobs and
// the admin surface can trigger it directly.
func (p *Preloader) RunCycle(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	p.sweepExpiredLocked(now)
	p.mu.Unlock()

	profiles := p.tracker.Profiles()

	type candidate struct {
		profile  *ActivityProfile
		priority float64
	}
	var ranked []candidate
	for _, prof := range profiles {
		if prof.MessageCount < p.cfg.MinMessages {
			continue
		}
		ranked = append(ranked, candidate{prof, p.priorityOf(prof, now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].priority > ranked[j].priority })
	if len(ranked) > p.cfg.TopK {
		ranked = ranked[:p.cfg.TopK]
	}

	warmed := 0
	for _, c := range ranked {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.hasFresh(c.profile.Key(), now) {
			continue
		}
		if err := p.preloadOne(c.profile, c.priority, now); err != nil {
			log.Printf("[preloader] preload %s failed: %v", c.profile.Key(), err)
			continue
		}
		warmed++
	}

	p.mu.Lock()
	p.runs++
	p.lastRun = now
	p.mu.Unlock()

	if warmed > 0 {
		log.Printf("[preloader] cycle warmed %d conversations", warmed)
	}
}

// ForcePreload warms one conversation immediately regardless of its
// rank. Conversations that were never tracked or sit below the minimum
// signal bar are rejected.
func (p *Preloader) ForcePreload(userID, chatID string) error {
	prof := p.tracker.Profile(userID, chatID)
	if prof == nil {
		return fmt.Errorf("%w: no activity for %s:%s", ErrNotFound, userID, chatID)
	}
	if prof.MessageCount < p.cfg.MinMessages {
		return fmt.Errorf("%w: insufficient activity for %s:%s (%d of %d messages)",
			ErrNotFound, userID, chatID, prof.MessageCount, p.cfg.MinMessages)
	}
	return p.preloadOne(prof, p.priorityOf(prof, time.Now()), time.Now())
}

func (p *Preloader) preloadOne(prof *ActivityProfile, priority float64, now time.Time) error {
	queries := prof.TopicsSorted(5)
	query := strings.Join(queries, " ")
	if query == "" {
		query = "recent conversation"
		queries = []string{query}
	}
	snippets, err := p.retriever.GetRelevantHistory(prof.UserID, prof.ChatID, query)
	if err != nil {
		return err
	}

	entry := &PreloadedContext{
		UserID:           prof.UserID,
		ChatID:           prof.ChatID,
		PredictedQueries: queries,
		Snippets:         snippets,
		Priority:         priority,
		LoadedAt:         now,
		ExpiresAt:        now.Add(p.ttlOf(prof)),
	}
	return p.put(entry)
}

// put inserts an entry. A full cache first drops any expired entries,
// then evicts the lowest-priority live one. An entry that would itself
// be the lowest is rejected.
func (p *Preloader) put(entry *PreloadedContext) error {
	key := entry.UserID + ":" + entry.ChatID

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.cache[key]; exists {
		p.cache[key] = entry
		p.preloads++
		return nil
	}
	if len(p.cache) >= p.cfg.CacheSize {
		p.sweepExpiredLocked(time.Now())
	}
	if len(p.cache) >= p.cfg.CacheSize {
		victimKey, victim := "", (*PreloadedContext)(nil)
		for k, v := range p.cache {
			if victim == nil || v.Priority < victim.Priority {
				victimKey, victim = k, v
			}
		}
		if victim != nil && victim.Priority >= entry.Priority {
			return fmt.Errorf("%w: priority %.2f below cached minimum %.2f",
				ErrCapacity, entry.Priority, victim.Priority)
		}
		delete(p.cache, victimKey)
		p.evictions++
	}
	p.cache[key] = entry
	p.preloads++
	return nil
}

// Get returns the preloaded context for a conversation, or nil on miss.
// Expired entries are removed on read and count as misses.
func (p *Preloader) Get(userID, chatID string) *PreloadedContext {
	key := userID + ":" + chatID
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[key]
	if !ok {
		p.misses++
		return nil
	}
	if now.After(entry.ExpiresAt) {
		delete(p.cache, key)
		p.expired++
		p.misses++
		return nil
	}
	p.hits++
	cp := *entry
	cp.PredictedQueries = append([]string(nil), entry.PredictedQueries...)
	cp.Snippets = append([]Snippet(nil), entry.Snippets...)
	return &cp
}

// hasFresh reports whether an unexpired entry is cached under key.
func (p *Preloader) hasFresh(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[key]
	return ok && now.Before(entry.ExpiresAt)
}

// State classifies a conversation without touching the hit counters.
func (p *Preloader) State(userID, chatID string) string {
	key := userID + ":" + chatID

	p.mu.Lock()
	entry, cached := p.cache[key]
	fresh := cached && time.Now().Before(entry.ExpiresAt)
	p.mu.Unlock()
	if fresh {
		return StatePreloaded
	}

	prof := p.tracker.Profile(userID, chatID)
	switch {
	case prof == nil:
		return StateCold
	case prof.MessageCount >= p.cfg.MinMessages:
		return StateHot
	default:
		return StateWarming
	}
}

// ClearCache empties the cache without touching the hit counters.
func (p *Preloader) ClearCache() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.cache)
	p.cache = make(map[string]*PreloadedContext)
	return n
}

// ResetStats zeroes the hit, miss, eviction, expiry and preload counters.
func (p *Preloader) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits, p.misses, p.evictions, p.expired, p.preloads = 0, 0, 0, 0, 0
}

// Stats snapshots the preloader state for the admin surface.
func (p *Preloader) Stats() PreloadStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PreloadStats{
		Running:       p.running,
		CachedCount:   len(p.cache),
		CacheSize:     p.cfg.CacheSize,
		ActiveUsers:   p.tracker.ActiveCount(),
		Hits:          p.hits,
		Misses:        p.misses,
		Evictions:     p.evictions,
		Expired:       p.expired,
		TotalPreloads: p.preloads,
		PreloadRuns:   p.runs,
	}
	if total := p.hits + p.misses; total > 0 {
		st.HitRate = float64(p.hits) / float64(total)
	}
	if !p.lastRun.IsZero() {
		st.LastRunAt = p.lastRun.Format(time.RFC3339)
	}
	for _, entry := range p.cache {
		for _, s := range entry.Snippets {
			st.MemoryUsageB += int64(len(s.Text))
		}
	}
	return st
}

func (p *Preloader) sweepExpiredLocked(now time.Time) {
	for key, entry := range p.cache {
		if now.After(entry.ExpiresAt) {
			delete(p.cache, key)
			p.expired++
		}
	}
}

// priorityOf blends recency, frequency and responsiveness into [0, 1].
func (p *Preloader) priorityOf(prof *ActivityProfile, now time.Time) float64 {
	w := p.cfg.Weights

	// Recency decays by half every hour of silence.
	hoursIdle := now.Sub(prof.LastActive).Hours()
	if hoursIdle < 0 {
		hoursIdle = 0
	}
	recency := math.Exp2(-hoursIdle)

	// Frequency saturates at 50 messages.
	frequency := math.Min(1, float64(prof.MessageCount)/50)

	// Responsiveness rewards replies under a minute.
	responsiveness := 0.5
	if prof.AvgResponseMS > 0 {
		responsiveness = 1 / (1 + prof.AvgResponseMS/60000)
	}

	total := w.Recency + w.Frequency + w.Responsiveness
	if total <= 0 {
		return 0
	}
	return (w.Recency*recency + w.Frequency*frequency + w.Responsiveness*responsiveness) / total
}

// ttlOf maps conversation volatility to a TTL: busy conversations go
// stale fast and get the short end, quiet ones keep the long end.
func (p *Preloader) ttlOf(prof *ActivityProfile) time.Duration {
	lifetime := time.Since(prof.FirstSeen)
	if lifetime < time.Minute {
		lifetime = time.Minute
	}
	perHour := float64(prof.MessageCount) / lifetime.Hours()
	volatility := math.Min(1, perHour/30)

	span := p.cfg.TTLMax - p.cfg.TTLMin
	return p.cfg.TTLMax - time.Duration(volatility*float64(span))
}
