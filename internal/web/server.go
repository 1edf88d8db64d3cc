// Package web serves the read-only status API of the capture daemon.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/denisyuji/hdmi-usb/internal/config"
	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/session"
	"github.com/denisyuji/hdmi-usb/internal/state"
)

// SessionView is the broker as seen by the API
type SessionView interface {
	CurrentInfo() (session.Info, bool)
	Consumers() []session.ConsumerInfo
	DeviceOpens() int64
	LastPacket() time.Time
}

// History is the persisted acquisition log
type History interface {
	ListAcquisitions(ctx context.Context, limit int) ([]state.Acquisition, error)
	ListOwnerships(ctx context.Context) ([]state.Ownership, error)
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	addr       string

	sessions SessionView
	history  History
	rtspURL  string

	mu        sync.RWMutex
	discovery *device.Discovery
	audio     device.AudioMatch

	version   string
	startTime time.Time
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, sessions SessionView, history History, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		sessions:    sessions,
		history:     history,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetRTSPURL sets the URL advertised for network consumers
func (s *Server) SetRTSPURL(url string) {
	s.rtspURL = url
}

// SetDevice records the discovered capture node and its audio pairing
func (s *Server) SetDevice(d *device.Discovery, audio device.AudioMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovery = d
	s.audio = audio
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	// WriteTimeout stays disabled for the websocket event stream
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", s.addr)
		}
	}()

	s.LogInfo("Web server started", "address", s.addr)
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

// Name returns the service name
func (s *Server) Name() string {
	return "web-server"
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		api.GET("/session", s.handleSession)
		api.GET("/consumers", s.handleConsumers)
		api.GET("/device", s.handleDevice)

		api.GET("/acquisitions", s.handleAcquisitions)
		api.GET("/ownerships", s.handleOwnerships)

		api.GET("/events/ws", s.handleEventStream)
	}

	s.router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, "/api/status")
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
