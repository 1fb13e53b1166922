// Package web — HTTP API операторской панели: снимки инстансов, поток изменений (SSE),
// QR-картинка для сканирования, ручные connect/disconnect/check.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second

	shortTimeOut  = 5 * time.Second
	mediumTimeOut = 30 * time.Second
)

// Engine — операции движка, доступные через HTTP.
type Engine interface {
	Snapshot(id string) (engine.State, bool)
	Snapshots() []engine.State
	Watch(ctx context.Context, id string) (<-chan engine.State, error)
	Polling(id string) bool
	ForceCheck(ctx context.Context, id string) (engine.CheckResult, error)
	RequestConnect(ctx context.Context, id string) error
	RequestDisconnect(ctx context.Context, id string) error
	Remove(id string) bool
}

// Records — хранилище записей, из которого удаляются забытые инстансы.
type Records interface {
	Delete(id string) error
}

// Options — параметры сервера.
type Options struct {
	Address string
	// Token — bearer-токен API. Пустой токен отключает проверку.
	Token   string
	Engine  Engine
	Records Records
	// LogFile — JSON-лог для /api/logs. Пустое значение отключает эндпоинт.
	LogFile string
	// Health — отчёт о подсистемах для /health.
	Health func() map[string]string
}

// Server — HTTP-сервер панели.
type Server struct {
	srv  *http.Server
	opts Options
}

// NewServer собирает роутинг и http.Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("web: engine is required")
	}
	s := &Server{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/instances", s.handleList)
	protected.HandleFunc("GET /api/instances/{id}", s.handleGet)
	protected.HandleFunc("DELETE /api/instances/{id}", s.handleDelete)
	protected.HandleFunc("GET /api/instances/{id}/events", s.handleEvents)
	protected.HandleFunc("GET /api/instances/{id}/qr.png", s.handleQR)
	protected.HandleFunc("POST /api/instances/{id}/connect", s.handleConnect)
	protected.HandleFunc("POST /api/instances/{id}/disconnect", s.handleDisconnect)
	protected.HandleFunc("POST /api/instances/{id}/check", s.handleCheck)
	protected.HandleFunc("GET /api/logs", s.handleLogs)

	mux.Handle("/api/", s.authMiddleware(protected))

	s.srv = &http.Server{
		Addr:         opts.Address,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler отдаёт корневой обработчик (для тестов и встраивания).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run слушает адрес и блокируется до отмены ctx, затем корректно гасит сервер.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "web: listen %s", s.srv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Starting web server", zap.String("address", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "web server error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth проверка здоровья сервера
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := map[string]any{"status": "ok"}
	if s.opts.Health != nil {
		report["nodes"] = s.opts.Health()
	}
	writeJSON(w, http.StatusOK, report)
}
