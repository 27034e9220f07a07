// Package httpapi мост к внешнему интерфейсу: состояние сервиса, команды
// mute и отключения, метрики и websocket лента событий сессий.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arzzra/omic/pkg/service"
)

// Controller операции сервиса, доступные интерфейсу
type Controller interface {
	Status() service.Status
	SetMuted(muted bool)
	Muted() bool
	Disconnect() int
}

// Option настройка сервера
type Option func(*Server)

// WithMetrics задает обработчик /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestLogging включает журнал HTTP запросов
func WithRequestLogging(enabled bool) Option {
	return func(s *Server) { s.requestLog = enabled }
}

// Server HTTP сервер интерфейса
type Server struct {
	ctrl       Controller
	hub        *Hub
	metrics    http.Handler
	logger     *slog.Logger
	requestLog bool

	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
}

// NewServer создает сервер поверх координатора и концентратора событий
func NewServer(ctrl Controller, hub *Hub, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		hub:    hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "httpapi"))
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.requestLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Post("/mute", s.handleMute(true))
	r.Post("/unmute", s.handleMute(false))
	r.Post("/disconnect", s.handleDisconnect)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.hub != nil {
		r.Get("/events", s.hub.ServeHTTP)
	}
	return r
}

// Handler возвращает HTTP обработчик
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start начинает обслуживать addr в фоне и возвращает фактический адрес
func (s *Server) Start(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка запуска HTTP сервера: %w", err)
	}
	s.listener = l
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP сервер остановлен с ошибкой", slog.Any("error", err))
		}
	}()

	s.logger.Info("HTTP интерфейс запущен", slog.String("addr", l.Addr().String()))
	return l.Addr(), nil
}

// Shutdown останавливает сервер и отключает websocket клиентов
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type muteResponse struct {
	Muted bool `json:"muted"`
}

type disconnectResponse struct {
	Disconnected int `json:"disconnected"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleMute(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.ctrl.SetMuted(muted)
		writeJSON(w, http.StatusOK, muteResponse{Muted: s.ctrl.Muted()})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	n := s.ctrl.Disconnect()
	s.logger.Info("отключение по запросу интерфейса", slog.Int("sessions", n))
	writeJSON(w, http.StatusOK, disconnectResponse{Disconnected: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
