package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/stellarlinkco/chatumba/internal/config"
	"github.com/stellarlinkco/chatumba/internal/cron"
	"github.com/stellarlinkco/chatumba/internal/memory"
)

// Server exposes the maintenance API: preloader control, memory stats,
// config tunables, on-demand compaction and the cron job list.
type Server struct {
	engine  *memory.Engine
	cron    *cron.Service
	cfg     *config.Config
	loading memory.LoadingStats
	httpSrv *http.Server
}

func NewServer(engine *memory.Engine, cronSvc *cron.Service, cfg *config.Config, loading memory.LoadingStats) *Server {
	return &Server{engine: engine, cron: cronSvc, cfg: cfg, loading: loading}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/preloader/status", s.handlePreloaderStatus)
	mux.HandleFunc("POST /api/admin/preloader/start", s.handlePreloaderStart)
	mux.HandleFunc("POST /api/admin/preloader/stop", s.handlePreloaderStop)
	mux.HandleFunc("POST /api/admin/preloader/force_preload", s.handleForcePreload)
	mux.HandleFunc("POST /api/admin/preloader/clear_cache", s.handleClearCache)
	mux.HandleFunc("POST /api/admin/preloader/reset_stats", s.handleResetStats)
	mux.HandleFunc("GET /api/admin/memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /api/admin/memory/user_stats", s.handleUserMemoryStats)
	mux.HandleFunc("POST /api/admin/memory/compact", s.handleCompact)
	mux.HandleFunc("GET /api/admin/loader/stats", s.handleLoaderStats)
	mux.HandleFunc("GET /api/admin/cron/jobs", s.handleCronJobs)
	mux.HandleFunc("GET /api/admin/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/admin/config", s.handleConfigUpdate)
	mux.HandleFunc("GET /api/admin/health", s.handleHealth)
	return mux
}

func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Routes()}
	log.Printf("[admin] listening on %s", addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handlePreloaderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Preloader().Stats())
}

func (s *Server) handlePreloaderStart(w http.ResponseWriter, r *http.Request) {
	s.engine.Preloader().Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (s *Server) handlePreloaderStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Preloader().Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handleForcePreload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}
	if err := s.engine.Preloader().ForcePreload(req.UserID, req.ChatID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preloaded": fmt.Sprintf("%s:%s", req.UserID, req.ChatID)})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.engine.Preloader().ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.engine.Preloader().ResetStats()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUserMemoryStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	chatID := r.URL.Query().Get("chat_id")
	if userID == "" || chatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}
	stats, err := s.engine.Retriever().MemoryStats(userID, chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	n, err := s.engine.CompactNow(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks_written": n})
}

func (s *Server) handleLoaderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loading)
}

func (s *Server) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeJSON(w, http.StatusOK, []cron.CronJob{})
		return
	}
	writeJSON(w, http.StatusOK, s.cron.ListJobs())
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "no config attached")
		return
	}
	// Secrets stay out of the API.
	redacted := *s.cfg
	redacted.Provider.APIKey = ""
	redacted.Channels.Telegram.Token = ""
	if redacted.Memory.Provider != nil {
		mp := *redacted.Memory.Provider
		mp.APIKey = ""
		redacted.Memory.Provider = &mp
	}
	writeJSON(w, http.StatusOK, redacted)
}

// handleConfigUpdate accepts a partial memory-tunables update. Changes
// apply to workers on the next restart; the file is rewritten now.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "no config attached")
		return
	}
	var patch config.MemoryConfig
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	if patch.Provider != nil || patch.DBPath != "" {
		writeError(w, http.StatusBadRequest, "only tunables can be updated here")
		return
	}

	if patch.Compaction != (config.CompactionConfig{}) {
		s.cfg.Memory.Compaction = patch.Compaction
	}
	if patch.Retriever != (config.RetrieverConfig{}) {
		s.cfg.Memory.Retriever = patch.Retriever
	}
	if patch.Preloader.TickInterval != "" || patch.Preloader.CacheSize != 0 {
		s.cfg.Memory.Preloader = patch.Preloader
	}
	s.cfg.Normalize()

	if err := config.SaveConfig(s.cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "restart_required": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
