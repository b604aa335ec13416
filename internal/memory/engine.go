package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Options wires an Engine. Zero fields fall back to component defaults.
type Options struct {
	DBPath     string
	Summarizer Summarizer
	RulesPath  string
	KeywordCap int

	Compaction CompactorConfig
	Retrieval  RetrieverConfig
	Preload    PreloaderConfig
}

// Engine is the facade over the memory tiers: durable store, background
// compactor, relevance retriever, activity tracker and predictive
// preloader. Channels record turns through it and the gateway pulls
// prompt context from it.
type Engine struct {
	store      *Store
	classifier *KeywordClassifier
	retriever  *Retriever
	tracker    *ActivityTracker
	compactor  *Compactor
	preloader  *Preloader
	loader     *Loader

	mu          sync.Mutex
	lastBotTurn map[string]time.Time
}

func NewEngine(opts Options) (*Engine, error) {
	store, err := NewStore(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	classifier, err := NewKeywordClassifier(opts.RulesPath, opts.KeywordCap)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("classifier: %w", err)
	}

	retriever := NewRetriever(store, opts.Retrieval)
	tracker := NewActivityTracker(classifier)

	e := &Engine{
		store:       store,
		classifier:  classifier,
		retriever:   retriever,
		tracker:     tracker,
		compactor:   NewCompactor(store, opts.Summarizer, classifier, opts.Compaction),
		preloader:   NewPreloader(retriever, tracker, opts.Preload),
		loader:      NewLoader(store, tracker, 50),
		lastBotTurn: make(map[string]time.Time),
	}
	return e, nil
}

// Init restores persisted state and starts the background workers.
func (e *Engine) Init(ctx context.Context) (LoadingStats, error) {
	stats, err := e.loader.Load()
	if err != nil {
		return stats, fmt.Errorf("startup load: %w", err)
	}
	e.compactor.Start(ctx)
	e.preloader.Start(ctx)
	return stats, nil
}

// Shutdown stops the workers and closes the store.
func (e *Engine) Shutdown() error {
	e.preloader.Stop()
	e.compactor.Stop()
	return e.store.Close()
}

// Record persists one conversational turn and updates the live tiers.
// User turns feed the tracker and invalidate the user's cached queries;
// assistant turns stamp the response-time baseline.
func (e *Engine) Record(msg *Message) error {
	if err := e.store.Append(msg); err != nil {
		return err
	}

	switch msg.Role {
	case "assistant":
		e.mu.Lock()
		e.lastBotTurn[msg.ChatID] = msg.Timestamp
		e.mu.Unlock()
	default:
		e.mu.Lock()
		prev, ok := e.lastBotTurn[msg.ChatID]
		e.mu.Unlock()
		var responseMS float64
		if ok {
			if d := msg.Timestamp.Sub(prev); d > 0 && d < 10*time.Minute {
				responseMS = float64(d.Milliseconds())
			}
		}
		e.tracker.TrackMessage(msg.UserID, msg.ChatID, msg.Content, responseMS)
		e.retriever.AddMessage(msg.UserID, msg.ChatID, msg.Content)
	}
	return nil
}

// Context assembles the prompt context for a conversation: preloaded
// snippets when the cache is warm, a fresh retrieval otherwise.
func (e *Engine) Context(userID, chatID, query string) (string, error) {
	var snippets []Snippet
	if pre := e.preloader.Get(userID, chatID); pre != nil {
		snippets = pre.Snippets
	} else {
		fresh, err := e.retriever.GetRelevantHistory(userID, chatID, query)
		if err != nil {
			return "", err
		}
		snippets = fresh
	}
	if len(snippets) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant conversation history:\n")
	for _, s := range snippets {
		sb.WriteString("- ")
		if s.Source == SnippetSourceChunk {
			sb.WriteString("[summary] ")
		}
		sb.WriteString(s.Text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Stats merges store and retriever counters.
func (e *Engine) Stats() (MemoryStats, error) {
	st, err := e.store.Stats()
	if err != nil {
		return st, err
	}
	st.CachedQueries = e.retriever.CachedQueries()
	return st, nil
}

func (e *Engine) Preloader() *Preloader { return e.preloader }
func (e *Engine) Retriever() *Retriever { return e.retriever }
func (e *Engine) Compactor() *Compactor { return e.compactor }
func (e *Engine) Tracker() *ActivityTracker { return e.tracker }
func (e *Engine) Store() *Store { return e.store }

// CompactNow runs one compaction cycle on demand.
func (e *Engine) CompactNow(ctx context.Context) (int, error) {
	n, err := e.compactor.RunCycle(ctx)
	if err != nil {
		return n, err
	}
	if pruned, perr := e.compactor.Prune(); perr != nil {
		log.Printf("[memory] prune failed: %v", perr)
	} else if pruned > 0 {
		log.Printf("[memory] pruned %d messages past retention", pruned)
	}
	return n, nil
}
