// Package admin serves the operator endpoints of the ingestion daemon:
// health, session status, metrics and manual resubscription.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/monitor"
	"github.com/masa23/newsfunnel/objectstorage"
	"github.com/masa23/newsfunnel/registry"
	"github.com/masa23/newsfunnel/store"
)

type Registry interface {
	Status() []monitor.Status
	Monitoring() []uint64
	Resubscribe(id uint64) (*monitor.Handle, error)
}

type MessageStore interface {
	GetMessage(ctx context.Context, id uint64) (*model.Message, error)
}

type Archive interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Server struct {
	e        *echo.Echo
	registry Registry
	messages MessageStore
	archive  Archive
}

type Option func(*Server)

// WithMessages enables GET /messages/:id.
func WithMessages(m MessageStore) Option {
	return func(s *Server) { s.messages = m }
}

// WithArchive adds the archived raw message to GET /messages/:id.
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

func New(reg Registry, opts ...Option) *Server {
	s := &Server{registry: reg}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))

	// ルーティング
	e.GET("/healthz", s.health)
	e.GET("/status", s.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/accounts/:id/resubscribe", s.resubscribe)
	if s.messages != nil {
		e.GET("/messages/:id", s.message)
	}
	s.e = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type health struct {
	Status     string `json:"status"`
	Registered int    `json:"registered"`
	Monitoring int    `json:"monitoring"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, health{
		Status:     "ok",
		Registered: len(s.registry.Status()),
		Monitoring: len(s.registry.Monitoring()),
	})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Status())
}

func (s *Server) resubscribe(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid account id"})
	}
	h, err := s.registry.Resubscribe(id)
	if errors.Is(err, registry.ErrNotRegistered) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not registered"})
	} else if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, h.Status())
}

type messageResponse struct {
	*model.Message
	Raw string `json:"raw,omitempty"`
}

func (s *Server) message(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message id"})
	}
	ctx := c.Request().Context()
	msg, err := s.messages.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Message not found"})
	} else if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch message"})
	}

	res := messageResponse{Message: msg}
	if s.archive != nil && msg.ObjectStorageKey != "" {
		raw, err := s.archive.Get(ctx, msg.ObjectStorageKey)
		switch {
		case errors.Is(err, objectstorage.ErrNotFound):
		case err != nil:
			c.Logger().Error("Failed to download message:", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to download message"})
		default:
			res.Raw = string(raw)
		}
	}
	return c.JSON(http.StatusOK, res)
}
