// Package apihttp exposes the operational HTTP surface: health, signal
// injection and round inspection.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signalround/internal/logger"
)

// Server is a thin gin wrapper around the round API.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the server dependencies.
type ServerConfig struct {
	Addr      string
	Processor SignalSink
	Rounds    RoundReader
	Tracker   TrackerReader
}

// NewServer builds the server and mounts all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Processor == nil || cfg.Rounds == nil {
		return nil, errors.New("api server requires a processor and a round reader")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r := &Router{Processor: cfg.Processor, Rounds: cfg.Rounds, Tracker: cfg.Tracker}
	r.Register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
