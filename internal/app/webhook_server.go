package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanamilabs/telegram-bot-admin/internal/telegram"
)

const maxUpdateBytes = 1 << 20

// UpdateHandler consumes one Telegram update.
type UpdateHandler func(ctx context.Context, update telegram.Update)

// WebhookServer receives Telegram updates pushed to path.
type WebhookServer struct {
	logger     *slog.Logger
	httpServer *http.Server
	router     chi.Router
}

func NewWebhookServer(addr string, path string, handle UpdateHandler, logger *slog.Logger) *WebhookServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebhookServer{logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(path, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		update, err := telegram.ParseWebhookUpdate(body)
		if err != nil {
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}
		handle(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	s.router = r
	s.httpServer = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *WebhookServer) Handler() http.Handler {
	return s.router
}

func (s *WebhookServer) ListenAndServe() error {
	s.logger.Info("webhook listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
