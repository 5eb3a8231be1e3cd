package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oremus-labs/agentdesk/internal/events"
)

const defaultHeartbeat = 15 * time.Second

// Options configures the ops server.
type Options struct {
	// Bus feeds /events. Without one the endpoint answers 503.
	Bus       *events.Bus
	Version   string
	Heartbeat time.Duration
	Logger    *zerolog.Logger
}

// Server exposes health, metrics and the client signal feed.
type Server struct {
	engine    *gin.Engine
	bus       *events.Bus
	version   string
	started   time.Time
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewServer constructs a Server with all routes configured.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		bus:       opts.Bus,
		version:   opts.Version,
		started:   time.Now(),
		heartbeat: opts.Heartbeat,
		logger:    log.With().Str("component", "ops").Logger(),
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger(s.logger))

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/events", s.streamEvents)

	s.engine = engine
	return s
}

// Engine exposes the underlying Gin engine for testing.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events responses are long-lived.
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "ops server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "ops server shutdown")
		}
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"events":  s.bus != nil,
	})
}

// streamEvents relays bus events as server-sent events. ?types=a,b limits the
// feed to the listed event types.
func (s *Server) streamEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}
	ctx := c.Request.Context()
	sub, unsubscribe, err := s.bus.Subscribe(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	filter := typeFilter(c.Query("types"))
	eventSubscribers.Inc()
	defer eventSubscribers.Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	_, _ = io.WriteString(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case evt, ok := <-sub:
			if !ok {
				return false
			}
			if len(filter) > 0 && !filter[evt.Type] {
				return true
			}
			signalsRelayed.WithLabelValues(evt.Type).Inc()
			c.SSEvent(evt.Type, evt)
			return true
		}
	})
}

func typeFilter(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}
