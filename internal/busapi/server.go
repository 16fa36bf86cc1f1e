// Package busapi exposes the message bus over HTTP for the foreground UI:
// one POST endpoint per dispatch, plus a websocket stream of status updates.
package busapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sellerworks/sheetbridge/internal/ingest"
)

type ServerConfig struct {
	// AllowedOrigins restricts cross-origin callers. Empty means any
	// origin, which suits the local loopback deployment.
	AllowedOrigins []string
	MaxBodyBytes   int64
	WriteTimeout   time.Duration
}

type Server struct {
	bus    *ingest.MessageBus
	store  *ingest.Store
	cfg    ServerConfig
	logger ingest.Logger
	router chi.Router
}

func NewServer(bus *ingest.MessageBus, store *ingest.Store, cfg ServerConfig, logger ingest.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = ingest.NopLogger()
	}

	s := &Server{bus: bus, store: store, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
		MaxAge:         300,
	}))
	r.Get("/health", s.handleHealth)
	r.Get("/v1/actions", s.handleListActions)
	r.Post("/v1/actions/{action}", s.handleAction)
	r.Get("/v1/ws", s.handleStatusStream)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  s.store.Status().Phase,
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"actions": ingest.AvailableActions(),
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"success": false,
				"error":   "request body exceeds configured limit",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "failed to read request body",
		})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "request body must be JSON",
		})
		return
	}

	resp := s.bus.Dispatch(r.Context(), ingest.BusRequest{
		Action:  action,
		Payload: body,
	})

	status := http.StatusOK
	if success, _ := resp["success"].(bool); !success {
		status = http.StatusBadRequest
		if _, unknown := resp["availableActions"]; unknown {
			status = http.StatusNotFound
		}
	}
	writeJSON(w, status, resp)
}

// handleStatusStream pushes every coalesced status update to the client.
// Slow clients miss intermediate updates rather than stalling the store.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("busapi: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates, cancel := s.store.Subscribe()
	defer cancel()

	ctx := r.Context()

	// Initial snapshot so the client does not wait for the next change.
	if err := s.writeStatus(ctx, conn, s.store.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case status, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.writeStatus(ctx, conn, status); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, status ingest.ExtensionStatus) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, status)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
