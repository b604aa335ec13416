package memory

import "time"

// Message is one conversational turn as persisted in the message store.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Compacted bool      `json:"compacted"`
}

// Chunk is a compacted summary of a contiguous batch of messages.
type Chunk struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	Summary       string    `json:"summary"`
	FromTS        time.Time `json:"from_ts"`
	ToTS          time.Time `json:"to_ts"`
	Count         int       `json:"count"`
	TokenEstimate int       `json:"token_estimate"`
	Topics        []string  `json:"topics,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snippet is one relevance-ranked retrieval result. Source is either a
// raw message or a chunk summary.
type Snippet struct {
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SnippetSourceMessage = "message"
	SnippetSourceChunk   = "chunk"
)

// ActivityProfile is the per-conversation record the tracker keeps,
// keyed by "user:chat".
type ActivityProfile struct {
	UserID        string
	ChatID        string
	MessageCount  int
	LastActive    time.Time
	FirstSeen     time.Time
	AvgResponseMS float64
	TopTopics     map[string]int
	ActiveHours   [24]int

	responseSamples int
}

// Key returns the tracker map key for this profile.
func (p *ActivityProfile) Key() string {
	return p.UserID + ":" + p.ChatID
}

// PreloadedContext is one cached entry in the preloader.
type PreloadedContext struct {
	UserID           string
	ChatID           string
	PredictedQueries []string
	Snippets         []Snippet
	Priority         float64
	LoadedAt         time.Time
	ExpiresAt        time.Time
}

// MemoryStats summarizes the state of the stores and retriever cache.
type MemoryStats struct {
	TotalMessages    int `json:"total_messages"`
	CompactedCount   int `json:"compacted_count"`
	UncompactedCount int `json:"uncompacted_count"`
	ChunkCount       int `json:"chunk_count"`
	ChatCount        int `json:"chat_count"`
	CachedQueries    int `json:"cached_queries"`
}

// PreloadStats is the preloader's admin-facing snapshot.
type PreloadStats struct {
	Running       bool    `json:"running"`
	CachedCount   int     `json:"cached_count"`
	CacheSize     int     `json:"cache_size"`
	ActiveUsers   int     `json:"active_users"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     int64   `json:"evictions"`
	Expired       int64   `json:"expired"`
	TotalPreloads int64   `json:"total_preloads"`
	PreloadRuns   int64   `json:"preload_runs"`
	LastRunAt     string  `json:"last_run_at,omitempty"`
	MemoryUsageB  int64   `json:"memory_usage_bytes"`
}

// LoadingStats reports what the startup loader restored.
type LoadingStats struct {
	Chats        int           `json:"chats"`
	Messages     int           `json:"messages"`
	Chunks       int           `json:"chunks"`
	Elapsed      time.Duration `json:"-"`
	ElapsedMS    int64         `json:"elapsed_ms"`
	PartialChats []string      `json:"partial_chats,omitempty"`
}
