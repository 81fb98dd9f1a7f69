package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/omarques/ceg/internal/netstate"
	"github.com/omarques/ceg/internal/outbox"
	"github.com/omarques/ceg/internal/store"
	syncengine "github.com/omarques/ceg/internal/sync"
	"go.uber.org/zap"
)

// Server hosts the local HTTP API consumed by the form pages and cegctl.
// It is the only surface through which the UI talks to the queue; nothing
// here ever waits on the remote endpoints.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer creates the HTTP server bound to addr.
func NewServer(addr string, db *store.DB, ob *outbox.Outbox, engine *syncengine.Engine, mon *netstate.Monitor, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/api/outbox/{kind}", s.handleEnqueue(db, ob))
	r.Get("/api/status", s.handleStatus(db, engine, mon))
	r.Get("/api/submitted", s.handleSubmitted(db))
	r.Post("/api/sync", s.handleSync(engine))

	s.httpServer = &http.Server{Handler: r}
	return s, nil
}

// Addr returns the bound listen address (useful with ":0" in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) handleEnqueue(db *store.DB, ob *outbox.Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := outbox.Kind(chi.URLParam(r, "kind"))
		if !kind.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown kind"})
			return
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}

		id, err := ob.Save(kind, payload)
		if err != nil {
			s.logger.Error("enqueue failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
			return
		}

		pending, _ := db.PendingCount()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      id,
			"pending": pending,
		})
	}
}

func (s *Server) handleStatus(db *store.DB, engine *syncengine.Engine, mon *netstate.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		pending, err := db.PendingCount()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage unavailable"})
			return
		}
		submitted, _ := db.SubmittedCount()
		writeJSON(w, http.StatusOK, map[string]any{
			"online":    mon.IsOnline(),
			"draining":  engine.Draining(),
			"pending":   pending,
			"submitted": submitted,
		})
	}
}

func (s *Server) handleSubmitted(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := db.ListSubmitted(limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage unavailable"})
			return
		}

		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{
				"id":         it.EventID,
				"kind":       it.Kind,
				"created_at": it.CreatedAt,
				"synced_at":  it.SyncedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"submitted": out})
	}
}

func (s *Server) handleSync(engine *syncengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		engine.Nudge()
		writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
