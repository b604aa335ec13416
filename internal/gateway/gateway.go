package gateway

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/stellarlinkco/chatumba/internal/admin"
	"github.com/stellarlinkco/chatumba/internal/bus"
	"github.com/stellarlinkco/chatumba/internal/channel"
	"github.com/stellarlinkco/chatumba/internal/config"
	"github.com/stellarlinkco/chatumba/internal/cron"
	"github.com/stellarlinkco/chatumba/internal/memory"
)

// Gateway wires the channels, the memory engine, the cron service and
// the admin API together and pumps the message loop.
type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	engine    *memory.Engine
	cronSvc   *cron.Service
	admin     *admin.Server
	channels  *channel.Manager
	responder Responder

	cancel context.CancelFunc
	doneCh chan struct{}
}

// Options carries test seams; zero values select the real implementations.
type Options struct {
	Responder  Responder
	BotFactory channel.BotFactory
	Summarizer memory.Summarizer
}

func New(cfg *config.Config, opts Options) (*Gateway, error) {
	b := bus.NewMessageBus(config.DefaultBufSize)

	memProvider := cfg.Provider
	if cfg.Memory.Provider != nil {
		memProvider = *cfg.Memory.Provider
		if memProvider.Model == "" {
			memProvider.Model = cfg.Provider.Model
		}
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = memory.NewSummarizer(memProvider.APIKey, memProvider.BaseURL, memProvider.Model)
	}

	dbPath := cfg.Memory.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "memory.db")
	}

	engine, err := memory.NewEngine(memory.Options{
		DBPath:     dbPath,
		Summarizer: summarizer,
		RulesPath:  cfg.Classifier.RulesPath,
		KeywordCap: cfg.Classifier.TopicKeywordCap,
		Compaction: memory.CompactorConfig{
			Interval:      parseDuration(cfg.Memory.Compaction.Interval, 10*time.Minute),
			BatchSize:     cfg.Memory.Compaction.BatchSize,
			MinBatch:      cfg.Memory.Compaction.MinBatch,
			MinAge:        parseDuration(cfg.Memory.Compaction.MinAge, 24*time.Hour),
			MaxTokens:     cfg.Provider.MaxTokens,
			RetentionDays: cfg.Memory.Compaction.RetentionDays,
		},
		Retrieval: memory.RetrieverConfig{
			MinScore:    cfg.Memory.Retriever.MinScore,
			CacheTTL:    parseDuration(cfg.Memory.Retriever.CacheTTL, time.Hour),
			RecentLimit: cfg.Memory.Retriever.RecentLimit,
			ResultLimit: cfg.Memory.Retriever.ResultLimit,
		},
		Preload: memory.PreloaderConfig{
			TickInterval: parseDuration(cfg.Memory.Preloader.TickInterval, 5*time.Minute),
			CacheSize:    cfg.Memory.Preloader.CacheSize,
			TopK:         cfg.Memory.Preloader.TopK,
			MinMessages:  cfg.Memory.Preloader.MinMessages,
			TTLMin:       parseDuration(cfg.Memory.Preloader.TTLMin, 5*time.Minute),
			TTLMax:       parseDuration(cfg.Memory.Preloader.TTLMax, 30*time.Minute),
			Weights: memory.PriorityWeights{
				Recency:        cfg.Memory.Preloader.Weights.Recency,
				Frequency:      cfg.Memory.Preloader.Weights.Frequency,
				Responsiveness: cfg.Memory.Preloader.Weights.Responsiveness,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory engine: %w", err)
	}

	responder := opts.Responder
	if responder == nil {
		responder = NewResponder(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model, cfg.Provider.MaxTokens)
	}

	g := &Gateway{
		cfg:       cfg,
		bus:       b,
		engine:    engine,
		cronSvc:   cron.NewService(filepath.Join(config.ConfigDir(), "cron", "jobs.json")),
		channels:  channel.NewManager(b, cfg.Channels, opts.BotFactory),
		responder: responder,
		doneCh:    make(chan struct{}),
	}
	g.cronSvc.OnJob = g.handleCronJob
	return g, nil
}

func (g *Gateway) Engine() *memory.Engine { return g.engine }

// Run boots everything and blocks until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	loading, err := g.engine.Init(runCtx)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	if err := g.cronSvc.Start(runCtx); err != nil {
		return fmt.Errorf("cron start: %w", err)
	}
	g.ensureMaintenanceJobs()

	g.admin = admin.NewServer(g.engine, g.cronSvc, g.cfg, loading)
	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
	if err := g.admin.Start(addr); err != nil {
		return fmt.Errorf("admin start: %w", err)
	}

	if err := g.channels.StartAll(runCtx); err != nil {
		return fmt.Errorf("channels start: %w", err)
	}

	go g.processLoop(runCtx)

	log.Printf("[gateway] running, channels: %v", g.channels.Names())
	<-runCtx.Done()
	g.Shutdown()
	return nil
}

// Shutdown stops components in reverse boot order.
func (g *Gateway) Shutdown() {
	if g.cancel != nil {
		g.cancel()
	}
	g.channels.StopAll()
	g.cronSvc.Stop()
	if g.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.admin.Shutdown(ctx)
	}
	if err := g.engine.Shutdown(); err != nil {
		log.Printf("[gateway] engine shutdown: %v", err)
	}
	select {
	case <-g.doneCh:
	default:
		close(g.doneCh)
	}
	log.Printf("[gateway] shut down")
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bus.Inbound():
			g.handleInbound(ctx, msg)
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	chatKey := msg.Channel + ":" + msg.ChatID

	if err := g.engine.Record(&memory.Message{
		ChatID:    chatKey,
		UserID:    msg.SenderID,
		Role:      "user",
		Content:   msg.Content,
		Timestamp: msg.ReceivedAt,
	}); err != nil {
		log.Printf("[gateway] record user turn: %v", err)
	}

	history, err := g.engine.Context(msg.SenderID, chatKey, msg.Content)
	if err != nil {
		log.Printf("[gateway] context lookup: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	reply, err := g.responder.Respond(reqCtx, history, msg.Content)
	cancel()
	if err != nil {
		log.Printf("[gateway] respond failed for %s: %v", chatKey, err)
		return
	}

	if err := g.engine.Record(&memory.Message{
		ChatID:  chatKey,
		UserID:  "assistant",
		Role:    "assistant",
		Content: reply,
	}); err != nil {
		log.Printf("[gateway] record assistant turn: %v", err)
	}

	g.bus.DispatchOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	})
}

// Chat handles one synchronous turn outside any channel, for the CLI.
func (g *Gateway) Chat(ctx context.Context, userID, content string) (string, error) {
	chatKey := "cli:" + userID

	if err := g.engine.Record(&memory.Message{
		ChatID:  chatKey,
		UserID:  userID,
		Role:    "user",
		Content: content,
	}); err != nil {
		log.Printf("[gateway] record cli turn: %v", err)
	}

	history, err := g.engine.Context(userID, chatKey, content)
	if err != nil {
		log.Printf("[gateway] context lookup: %v", err)
	}

	reply, err := g.responder.Respond(ctx, history, content)
	if err != nil {
		return "", err
	}

	if err := g.engine.Record(&memory.Message{
		ChatID:  chatKey,
		UserID:  "assistant",
		Role:    "assistant",
		Content: reply,
	}); err != nil {
		log.Printf("[gateway] record cli reply: %v", err)
	}
	return reply, nil
}

// ensureMaintenanceJobs registers the built-in nightly jobs once.
func (g *Gateway) ensureMaintenanceJobs() {
	jobs := []struct {
		name string
		expr string
		task string
	}{
		{"__internal:memory:nightly-compact", "0 0 3 * * *", cron.TaskCompact},
		{"__internal:memory:nightly-prune", "0 30 3 * * *", cron.TaskPrune},
		{"__internal:preload:morning-warm", "0 0 8 * * *", cron.TaskPreloadCycle},
	}
	for _, j := range jobs {
		if g.cronSvc.FindByName(j.name) != nil {
			continue
		}
		if _, err := g.cronSvc.AddJob(j.name, cron.Schedule{Kind: "cron", Expr: j.expr}, cron.Payload{Task: j.task}); err != nil {
			log.Printf("[gateway] register %s: %v", j.name, err)
		}
	}
}

func (g *Gateway) handleCronJob(job cron.CronJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch job.Payload.Task {
	case cron.TaskCompact:
		n, err := g.engine.CompactNow(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d chunks", n), nil
	case cron.TaskPrune:
		n, err := g.engine.Compactor().Prune()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d messages", n), nil
	case cron.TaskPreloadCycle:
		g.engine.Preloader().RunCycle(ctx)
		return "preload cycle done", nil
	default:
		return "", fmt.Errorf("unknown task %q", job.Payload.Task)
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
