package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tradepulse/config"
	"tradepulse/internal/calendar"
	"tradepulse/internal/dashboard"
	"tradepulse/internal/series"
	"tradepulse/logger"
)

// Server exposes the dashboard engine over HTTP: the current snapshot, ad hoc
// range queries, selection changes, the calendar proxy and a websocket stream
// of snapshot updates.
type Server struct {
	cfg        config.ServerConfig
	orch       *dashboard.Orchestrator
	proxy      *calendar.Proxy
	hub        *Hub
	log        *logger.Entry
	httpServer *http.Server
}

// New wires the server. The orchestrator's change hook feeds the websocket hub.
func New(cfg config.ServerConfig, orch *dashboard.Orchestrator, proxy *calendar.Proxy) *Server {
	s := &Server{
		cfg:   cfg,
		orch:  orch,
		proxy: proxy,
		hub:   NewHub(),
		log:   logger.GetLogger().WithComponent("server"),
	}
	orch.OnChange(func(snap dashboard.Snapshot) {
		s.hub.Broadcast(snap)
	})
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/calendar", s.proxy.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard/range", s.handleRange).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard/select", s.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.hub.HandleUpgrade)

	return r
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("starting http server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, errorResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

// handleRange answers an ad hoc range query against the full built series,
// independent of the published selection.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		s.respondError(w, http.StatusBadRequest, "metric is required")
		return
	}
	window, ok := series.ParseWindow(r.URL.Query().Get("window"))
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unknown window")
		return
	}

	full := s.orch.SeriesFor(metric)
	s.respondJSON(w, http.StatusOK, series.ApplyRange(full, window, time.Now()))
}

type selectRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Metric    string `json:"metric,omitempty"`
	Window    string `json:"window,omitempty"`
}

// handleSelect applies an account and/or range change. Either field may be
// omitted; a range change requires both metric and window. The whole request
// is validated before any part takes effect so a rejected request never
// half-applies.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rangeChange := req.Metric != "" || req.Window != ""
	var window series.Window
	if rangeChange {
		parsed, ok := series.ParseWindow(req.Window)
		if !ok {
			s.respondError(w, http.StatusBadRequest, "unknown window")
			return
		}
		if !rangedMetric(req.Metric) {
			s.respondError(w, http.StatusBadRequest, "metric has no range selection")
			return
		}
		window = parsed
	}

	if req.AccountID != "" {
		if err := s.orch.SelectAccount(req.AccountID); err != nil {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
	}

	if rangeChange {
		if err := s.orch.SetRange(req.Metric, window); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.respondJSON(w, http.StatusOK, s.orch.Selection())
}

func rangedMetric(metric string) bool {
	for _, m := range dashboard.RangedMetrics {
		if m == metric {
			return true
		}
	}
	return false
}
