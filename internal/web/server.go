// Package web serves the gate check, lookup and manifest endpoints, the
// change event stream and the metrics of one namespace.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/identity"
	"github.com/roach88/dehc/internal/metrics"
)

// ShutdownTimeout bounds the graceful shutdown of Serve.
const ShutdownTimeout = 5 * time.Second

// Authenticator checks basic auth credentials.
type Authenticator interface {
	Check(user, pass string) bool
}

// Server holds the handlers. Routes are built once by Handler.
type Server struct {
	h       *evac.Handle
	events  http.Handler
	metrics *metrics.Registry
	auth    Authenticator
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEvents mounts the change event stream at /events.
func WithEvents(events http.Handler) Option { return func(s *Server) { s.events = events } }

// WithMetrics counts requests and mounts /metrics.
func WithMetrics(m *metrics.Registry) Option { return func(s *Server) { s.metrics = m } }

// WithAuth requires basic auth on every route except /healthz.
func WithAuth(a Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithLogger sets the logger for requests and server lifecycle.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a server over h.
func New(h *evac.Handle, opts ...Option) *Server {
	s := &Server{h: h, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", s.healthz)

	api := r.Group("/", s.authenticate())
	{
		api.GET("/lookup/:id", s.lookup)
		api.GET("/selflookup", s.selfLookup)
		api.GET("/gatecheck", s.gateCheck)
		api.GET("/manifest", s.manifest)
		if s.events != nil {
			api.GET("/events", gin.WrapH(s.events))
		}
		if s.metrics != nil {
			api.GET("/metrics", gin.WrapH(s.metrics.Handler()))
		}
	}
	return r
}

// observe logs and counts each request by route pattern.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTP(route, strconv.Itoa(status))
		s.logger.Debug("request",
			"method", c.Request.Method, "route", route, "status", status,
			"elapsed", time.Since(start))
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			return
		}
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !s.auth.Check(user, pass) {
			s.logger.Warn("rejected credentials", "user", user, "remote", c.ClientIP())
			c.Header("WWW-Authenticate", `Basic realm="dehc"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(gin.AuthUserKey, user)
	}
}

// fail maps err to a status and writes it as {"error": ...}.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var dup *identity.DuplicateError
	switch {
	case errors.Is(err, docstore.ErrNoDatabase), errors.Is(err, identity.ErrNotPrepared), docstore.IsTransport(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrAmbiguous), errors.As(err, &dup):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("web server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	logger.Info("web server stopped")
	return nil
}
