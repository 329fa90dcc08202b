// Package api serves the coordinator's HTTP surface: the public mix
// endpoints, the session view, the live event stream, Prometheus
// export and the operator admin routes. Handlers stay thin; every
// decision belongs to the engine, the session coordinator or the
// wallet manager, and failures map to status codes through the error
// taxonomy.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/engine"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/monitoring"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Server owns the HTTP listener and the websocket hub. One Server
// serves the whole process.
type Server struct {
	cfg      config.ServerConfig
	engine   *engine.Engine
	sessions *coinjoin.Coordinator
	wallets  *wallet.Manager
	monitor  *monitoring.Monitor
	events   events.Logger
	log      *logger.Logger

	hub     *Hub
	limiter *rateLimiter

	mu          sync.Mutex
	httpSrv     *http.Server
	listener    net.Listener
	unsubscribe func()
	running     bool
}

// New wires the server. The monitor may be nil in tooling contexts;
// /metrics and /api/v1/health then serve placeholders.
func New(cfg config.ServerConfig, eng *engine.Engine, sessions *coinjoin.Coordinator,
	wallets *wallet.Manager, mon *monitoring.Monitor, ev events.Logger, log *logger.Logger) *Server {
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("api")
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		wallets:  wallets,
		monitor:  mon,
		events:   ev,
		log:      log.WithField("component", "api"),
		hub:      newHub(log),
		limiter:  newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// Start binds the listener, connects the event stream to the hub and
// begins serving. The bind happens synchronously so a taken port
// fails here, not in the serve goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = ln

	s.hub.Run()
	s.unsubscribe = s.events.Subscribe(func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		s.hub.Broadcast(data)
	})

	s.httpSrv = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server exited")
		}
	}()

	s.log.Info("api listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests until ctx expires, then closes the
// hub and the limiter.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpSrv
	unsub := s.unsubscribe
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	err := srv.Shutdown(ctx)
	s.hub.Stop()
	s.limiter.stop()
	s.log.Info("api stopped")
	return err
}

// Addr reports the bound address, usable once Start returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Router assembles the gin engine. Exported so tests drive handlers
// through httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.GET("/api/v1/health", s.handleHealth)
	if s.monitor != nil {
		r.GET("/metrics", gin.WrapH(promHandler(s.monitor)))
	}
	r.GET("/api/v1/stream", s.handleStream)

	v1 := r.Group("/api/v1", s.authRequired(), s.limiter.middleware())
	{
		v1.POST("/mix", s.handleCreateMix)
		v1.GET("/mix", s.handleListMix)
		v1.GET("/mix/:id", s.handleGetMix)
		v1.DELETE("/mix/:id", s.handleCancelMix)
		v1.GET("/mix/:id/outputs", s.handleMixOutputs)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/stats/:currency", s.handleStats)
	}

	admin := v1.Group("/admin", s.adminRequired())
	{
		admin.GET("/wallets", s.handleListWallets)
		admin.POST("/wallets", s.handleProvisionWallet)
		admin.GET("/wallets/:id", s.handleGetWallet)
		admin.POST("/wallets/rotate", s.handleRotateWallets)
		admin.GET("/sessions", s.handleActiveSessions)
		admin.GET("/alerts", s.handleAlerts)
		admin.POST("/alerts/:id/ack", s.handleAckAlert)
		admin.POST("/alerts/:id/resolve", s.handleResolveAlert)
		admin.GET("/monitor", s.handleSnapshot)
	}

	return r
}

// requestLog emits one structured line per request in the layer's
// shared log format.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.URL.Path == "/api/v1/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP())
	}
}
