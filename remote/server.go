// Package remote exposes a small HTTP control surface: health, player
// status, a screen snapshot and synthetic encoder events.
package remote

import (
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/charlescerisier/watchman/input"
)

const (
	// RequestIDHeader carries the request id. Incoming values are kept.
	RequestIDHeader = "X-Request-ID"
	// RequestIDAttribute is the span attribute holding the request id.
	RequestIDAttribute = "watchman.request_id"

	shutdownTimeout = 5 * time.Second
)

// Battery is the power part of a Status.
type Battery struct {
	Level      string `json:"level"`
	Percent    int    `json:"percent"`
	Millivolts int    `json:"millivolts"`
	PowerState string `json:"power_state"`
}

// Status is the player snapshot served by /api/status.
type Status struct {
	State        string  `json:"state"`
	SessionID    string  `json:"session_id,omitempty"`
	Channel      string  `json:"channel"`
	ChannelIndex int     `json:"channel_index"`
	Channels     int     `json:"channels"`
	Episode      string  `json:"episode"`
	Frame        int     `json:"frame"`
	Frames       int     `json:"frames"`
	FPS          float64 `json:"fps"`
	PositionSec  float64 `json:"position_sec"`
	Battery      Battery `json:"battery"`
}

// StatusProvider supplies the current Status.
type StatusProvider interface {
	Status() Status
}

// Config configures a Server.
type Config struct {
	Addr   string
	Status StatusProvider
	Queue  *input.Queue
	// Snapshot renders the screen; nil disables /api/snapshot.png.
	Snapshot       func() image.Image
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Server is the HTTP control surface.
type Server struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
	router *gin.Engine
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "remote"),
		tracer: cfg.TracerProvider.Tracer("github.com/charlescerisier/watchman/remote"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())
	r.Use(s.otelMiddleware())
	r.Use(s.logMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "watchman",
		})
	})
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/snapshot.png", s.handleSnapshot)
	r.POST("/api/encoder/:event", s.handleEncoder)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("remote control listening", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("remote control forced to shut down", "error", err)
		return err
	}
	s.log.Info("remote control stopped")
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.cfg.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Status.Status())
}

func (s *Server) handleSnapshot(c *gin.Context) {
	if s.cfg.Snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots disabled"})
		return
	}
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := png.Encode(c.Writer, s.cfg.Snapshot()); err != nil {
		s.log.Warn("snapshot encode failed", "error", err)
	}
}

func (s *Server) handleEncoder(c *gin.Context) {
	typ, err := input.ParseEventType(c.Param("event"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "input unavailable"})
		return
	}

	ev := input.Event{Type: typ, Timestamp: time.Now()}
	if !s.cfg.Queue.Push(ev) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "input queue full", "dropped": s.cfg.Queue.Dropped()})
		return
	}
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("encoder.event", typ.String()))
	c.JSON(http.StatusAccepted, gin.H{"queued": typ.String()})
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware keeps an incoming request id or assigns a new one,
// echoes it in the response and stores it on the request context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Next()
	}
}

// otelMiddleware starts a server span per request.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := s.tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.route", route),
			))
		defer span.End()

		if id := RequestIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(RequestIDAttribute, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", RequestIDFromContext(c.Request.Context()))
	}
}
