package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/chatumba/internal/config"
	"github.com/stellarlinkco/chatumba/internal/memory"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, batch []memory.Message, _ int) (string, error) {
	return "stub summary", nil
}

func newTestServer(t *testing.T) (*Server, *memory.Engine) {
	t.Helper()
	engine, err := memory.NewEngine(memory.Options{
		DBPath:     filepath.Join(t.TempDir(), "memory.db"),
		Summarizer: stubSummarizer{},
		Compaction: memory.CompactorConfig{BatchSize: 100, MinBatch: 20, MinAge: 24 * time.Hour},
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown() })
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "secret-key"
	return NewServer(engine, nil, cfg, memory.LoadingStats{Chats: 2, Messages: 7}), engine
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestPreloaderStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/admin/preloader/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats memory.PreloadStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.False(t, stats.Running)
	assert.Equal(t, 0, stats.CachedCount)
}

func TestPreloaderStartStopEndpoints(t *testing.T) {
	s, engine := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/admin/preloader/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, engine.Preloader().Running())

	rec = doRequest(t, s, http.MethodPost, "/api/admin/preloader/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, engine.Preloader().Running())
}

func TestForcePreloadEndpoint(t *testing.T) {
	s, engine := newTestServer(t)

	// Unknown conversation is rejected.
	rec := doRequest(t, s, http.MethodPost, "/api/admin/preloader/force_preload",
		map[string]string{"user_id": "ghost", "chat_id": "c1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields are a bad request.
	rec = doRequest(t, s, http.MethodPost, "/api/admin/preloader/force_preload",
		map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A conversation with enough activity preloads fine.
	for _, text := range []string{"hello world today", "still around", "checking in"} {
		require.NoError(t, engine.Record(&memory.Message{ChatID: "c1", UserID: "u1", Role: "user", Content: text}))
	}
	rec = doRequest(t, s, http.MethodPost, "/api/admin/preloader/force_preload",
		map[string]string{"user_id": "u1", "chat_id": "c1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClearCacheAndResetStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/admin/preloader/clear_cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/admin/preloader/reset_stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMemoryStatsEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	require.NoError(t, engine.Record(&memory.Message{ChatID: "c1", UserID: "u1", Role: "user", Content: "hi"}))

	rec := doRequest(t, s, http.MethodGet, "/api/admin/memory/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats memory.MemoryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalMessages)
}

func TestUserMemoryStatsEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	require.NoError(t, engine.Record(&memory.Message{ChatID: "c1", UserID: "u1", Role: "user", Content: "hello there"}))

	rec := doRequest(t, s, http.MethodGet, "/api/admin/memory/user_stats?user_id=u1&chat_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats memory.UserMemoryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Messages)

	rec = doRequest(t, s, http.MethodGet, "/api/admin/memory/user_stats?user_id=u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompactEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 30; i++ {
		require.NoError(t, engine.Record(&memory.Message{
			ChatID: "c1", UserID: "u1", Role: "user", Content: "old chatter",
			Timestamp: old.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := doRequest(t, s, http.MethodPost, "/api/admin/memory/compact", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["chunks_written"])
}

func TestLoaderStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/admin/loader/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats memory.LoadingStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Chats)
	assert.Equal(t, 7, stats.Messages)
}

func TestConfigGetRedactsSecrets(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/admin/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Empty(t, cfg.Provider.APIKey)
	assert.Equal(t, config.DefaultPort, cfg.Gateway.Port)
}

func TestConfigUpdate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/admin/config", config.MemoryConfig{
		Retriever: config.RetrieverConfig{MinScore: 0.2, CacheTTL: "30m", RecentLimit: 100, ResultLimit: 5},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.2, s.cfg.Memory.Retriever.MinScore)

	// Provider changes are not accepted over the API.
	rec = doRequest(t, s, http.MethodPost, "/api/admin/config", config.MemoryConfig{
		Provider: &config.ProviderConfig{APIKey: "sneaky"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndCronEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/admin/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/admin/cron/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
