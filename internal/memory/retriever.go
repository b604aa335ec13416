package memory

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var wordRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// stopwords excluded from scoring; they match everything and rank nothing.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"i": true, "you": true, "it": true, "to": true, "of": true, "in": true,
	"and": true, "or": true, "be": true, "do": true, "did": true, "my": true,
	"me": true, "we": true, "on": true, "at": true, "for": true, "that": true,
	"this": true, "what": true, "how": true, "your": true, "so": true,
}

func tokenize(text string) []string {
	raw := wordRegex.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// RetrieverConfig bounds scoring and caching behavior.
type RetrieverConfig struct {
	MinScore    float64
	CacheTTL    time.Duration
	RecentLimit int
	ResultLimit int
}

type cachedResult struct {
	snippets []Snippet
	storedAt time.Time
}

// Retriever ranks stored messages and chunk summaries against a query
// by lexical overlap. Results are cached per user+chat+query with a TTL;
// any new message from a user drops that user's cached entries.
type Retriever struct {
	store *Store
	cfg   RetrieverConfig

	mu    sync.Mutex
	cache map[string]cachedResult
}

func NewRetriever(store *Store, cfg RetrieverConfig) *Retriever {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.05
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 200
	}
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = 10
	}
	return &Retriever{
		store: store,
		cfg:   cfg,
		cache: make(map[string]cachedResult),
	}
}

// AddMessage notes that a user produced new content. The store is the
// index, so the only synchronous work is dropping the user's cached
// rankings. Stale results must never outlive new content.
func (r *Retriever) AddMessage(userID, chatID, content string) {
	prefix := userID + "\x00"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// UserMemoryStats summarizes what is held for one conversation.
type UserMemoryStats struct {
	Messages      int   `json:"messages"`
	ApproxBytes   int64 `json:"approx_bytes"`
	CachedQueries int   `json:"cached_queries"`
}

// MemoryStats reports the retriever's view of one conversation.
func (r *Retriever) MemoryStats(userID, chatID string) (UserMemoryStats, error) {
	count, bytes, err := r.store.UserMessageStats(userID, chatID)
	if err != nil {
		return UserMemoryStats{}, err
	}

	prefix := userID + "\x00"
	cached := 0
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			cached++
		}
	}
	r.mu.Unlock()

	return UserMemoryStats{Messages: count, ApproxBytes: bytes, CachedQueries: cached}, nil
}

// GetRelevantHistory returns up to the configured limit of snippets
// relevant to query, best first. Queries with no usable terms, unknown
// chats and all-below-threshold candidates yield an empty slice.
func (r *Retriever) GetRelevantHistory(userID, chatID, query string) ([]Snippet, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	key := userID + "\x00" + chatID + "\x00" + strings.Join(terms, " ")
	now := time.Now()

	r.mu.Lock()
	if hit, ok := r.cache[key]; ok {
		if now.Sub(hit.storedAt) < r.cfg.CacheTTL {
			out := make([]Snippet, len(hit.snippets))
			copy(out, hit.snippets)
			r.mu.Unlock()
			return out, nil
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[t] = true
	}

	var candidates []Snippet

	msgs, err := r.store.RecentByChat(chatID, r.cfg.RecentLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if score := overlapScore(termSet, m.Content); score > 0 {
			candidates = append(candidates, Snippet{
				Text:      m.Content,
				Score:     score,
				Source:    SnippetSourceMessage,
				Timestamp: m.Timestamp,
			})
		}
	}

	chunks, err := r.store.ChunksByChat(chatID, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if score := overlapScore(termSet, c.Summary); score > 0 {
			candidates = append(candidates, Snippet{
				Text:      c.Summary,
				Score:     score,
				Source:    SnippetSourceChunk,
				Timestamp: c.ToTS,
			})
		}
	}

	results := sortAndTrim(candidates, r.cfg.MinScore, r.cfg.ResultLimit)

	r.mu.Lock()
	r.cache[key] = cachedResult{snippets: results, storedAt: now}
	r.mu.Unlock()

	out := make([]Snippet, len(results))
	copy(out, results)
	return out, nil
}

// CachedQueries reports how many query results are currently cached.
func (r *Retriever) CachedQueries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// overlapScore is the fraction of the candidate's distinct terms that
// appear in the query's term set. Longer candidates must match more to
// score the same.
func overlapScore(queryTerms map[string]bool, text string) float64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}
	distinct := make(map[string]bool, len(words))
	for _, w := range words {
		distinct[w] = true
	}
	matched := 0
	for w := range distinct {
		if queryTerms[w] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(distinct))
}

func sortAndTrim(candidates []Snippet, minScore float64, limit int) []Snippet {
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Score >= minScore {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Timestamp.After(kept[j].Timestamp)
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
