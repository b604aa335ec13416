package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/chatumba/internal/bus"
	"github.com/stellarlinkco/chatumba/internal/config"
	"github.com/stellarlinkco/chatumba/internal/cron"
	"github.com/stellarlinkco/chatumba/internal/memory"
)

type mockResponder struct {
	reply string
	seen  chan string
}

func (m *mockResponder) Respond(_ context.Context, history, userMessage string) (string, error) {
	if m.seen != nil {
		m.seen <- history
	}
	return m.reply, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, batch []memory.Message, _ int) (string, error) {
	return "stub summary", nil
}

func newTestGateway(t *testing.T, responder Responder) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "memory.db")
	cfg.Normalize()

	g, err := New(cfg, Options{Responder: responder, Summarizer: stubSummarizer{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.engine.Shutdown() })
	return g
}

func TestHandleInboundRecordsBothTurns(t *testing.T) {
	resp := &mockResponder{reply: "hey there"}
	g := newTestGateway(t, resp)

	out := g.bus.SubscribeOutbound("telegram", 10)
	g.handleInbound(context.Background(), bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   "42",
		ChatID:     "100",
		Content:    "hello bot",
		ReceivedAt: time.Now(),
	})

	select {
	case reply := <-out:
		assert.Equal(t, "hey there", reply.Content)
		assert.Equal(t, "100", reply.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound reply")
	}

	msgs, err := g.engine.Store().MessagesAsc("telegram:100", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "hey there", msgs[1].Content)
}

func TestHandleInboundInjectsHistory(t *testing.T) {
	resp := &mockResponder{reply: "ok", seen: make(chan string, 10)}
	g := newTestGateway(t, resp)
	g.bus.SubscribeOutbound("telegram", 10)

	first := bus.InboundMessage{Channel: "telegram", SenderID: "42", ChatID: "100",
		Content: "my favorite color is teal", ReceivedAt: time.Now()}
	g.handleInbound(context.Background(), first)
	<-resp.seen

	second := first
	second.Content = "what is my favorite color"
	g.handleInbound(context.Background(), second)

	history := <-resp.seen
	assert.Contains(t, history, "teal")
}

func TestMaintenanceJobsRegisteredOnce(t *testing.T) {
	g := newTestGateway(t, &mockResponder{reply: "ok"})
	g.cronSvc = newScratchCron(t)
	g.cronSvc.OnJob = g.handleCronJob

	g.ensureMaintenanceJobs()
	g.ensureMaintenanceJobs()

	jobs := g.cronSvc.ListJobs()
	assert.Len(t, jobs, 3)
}

func TestCronJobDispatch(t *testing.T) {
	g := newTestGateway(t, &mockResponder{reply: "ok"})

	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 30; i++ {
		require.NoError(t, g.engine.Record(&memory.Message{
			ChatID: "c1", UserID: "u1", Role: "user", Content: "old chatter",
			Timestamp: old.Add(time.Duration(i) * time.Second),
		}))
	}

	result, err := g.handleCronJob(jobWithTask(t, "memory.compact"))
	require.NoError(t, err)
	assert.Equal(t, "wrote 1 chunks", result)

	_, err = g.handleCronJob(jobWithTask(t, "bogus.task"))
	assert.Error(t, err)
}

func TestChatRoundTrip(t *testing.T) {
	g := newTestGateway(t, &mockResponder{reply: "sure thing"})

	reply, err := g.Chat(context.Background(), "alice", "remind me what we said")
	require.NoError(t, err)
	assert.Equal(t, "sure thing", reply)

	msgs, err := g.engine.Store().MessagesAsc("cli:alice", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func newScratchCron(t *testing.T) *cron.Service {
	t.Helper()
	return cron.NewService(filepath.Join(t.TempDir(), "jobs.json"))
}

func jobWithTask(t *testing.T, task string) cron.CronJob {
	t.Helper()
	return cron.NewCronJob("test", cron.Schedule{Kind: "every", EveryMs: 60000}, cron.Payload{Task: task})
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 10*time.Minute, parseDuration("10m", time.Hour))
	assert.Equal(t, time.Hour, parseDuration("", time.Hour))
	assert.Equal(t, time.Hour, parseDuration("garbage", time.Hour))
	assert.Equal(t, time.Hour, parseDuration("-5m", time.Hour))
}
