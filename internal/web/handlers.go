package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"social-duel/server/internal/engine"
	"social-duel/server/internal/generators"
	"social-duel/server/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AudioSource serves cached voice clips
type AudioSource interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// AudioStats is implemented by audio sources that keep cache statistics
type AudioStats interface {
	GetStats() generators.AudioCacheStats
}

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryLister lists archived games
type HistoryLister interface {
	ListResults(ctx context.Context, limit int) ([]models.GameRecord, error)
}

// Response is the envelope of every JSON answer
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RouterDeps are what the HTTP surface needs. Audio, History and
// Snapshots may be nil.
type RouterDeps struct {
	Sessions  *engine.SessionManager
	Hub       *SessionHub
	Audio     AudioSource
	History   HistoryLister
	Snapshots Pinger
	Logger    *slog.Logger
}

type Handlers struct {
	sessions  *engine.SessionManager
	hub       *SessionHub
	audio     AudioSource
	history   HistoryLister
	snapshots Pinger
	logger    *slog.Logger
}

func NewHandlers(deps RouterDeps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sessions:  deps.Sessions,
		hub:       deps.Hub,
		audio:     deps.Audio,
		history:   deps.History,
		snapshots: deps.Snapshots,
		logger:    logger.With("component", "http"),
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"service":  "social-duel",
		"sessions": len(h.sessions.ActiveSessions()),
	}
	if stats, ok := h.audio.(AudioStats); ok {
		health["audio"] = stats.GetStats()
	}
	if h.snapshots != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.snapshots.Ping(ctx); err != nil {
			h.logger.Warn("snapshot store unreachable", "error", err)
			health["status"] = "degraded"
			health["snapshots"] = "unavailable"
		} else {
			health["snapshots"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func NewRouter(deps RouterDeps) *chi.Mux {
	h := NewHandlers(deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", h.GetCatalog)
		r.Get("/history", h.GetHistory)
		r.Get("/audio/{key}", h.GetAudio)

		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/resume", h.Resume)
			r.Post("/discard", h.Discard)
			r.Post("/restart", h.Restart)
			r.Post("/open", h.OpenRound)
			r.Post("/messages", h.SendMessage)
			r.Post("/voice", h.SendVoice)
			r.Post("/end-turn", h.EndTurn)
			r.Post("/actions", h.SelectAction)
			r.Post("/final-choice", h.SelectFinalChoice)
			r.Get("/share", h.Share)
			r.Get("/ws", h.Stream)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}

// writeError maps engine rejections to HTTP statuses
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeFailure(w, status, err.Error())
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrInvalidAction),
		errors.Is(err, engine.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrWrongPhase),
		errors.Is(err, engine.ErrMessageLimit),
		errors.Is(err, engine.ErrAlreadySelected),
		errors.Is(err, engine.ErrResumePending),
		errors.Is(err, engine.ErrNoResumePending),
		errors.Is(err, engine.ErrGameNotFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
