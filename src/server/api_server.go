package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"market-streamer/src/analysis"
	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// MarketReader is the read side of the market store used by the REST routes.
type MarketReader interface {
	GetFresh(id string) (*models.MTick, bool)
	GetBestEffort(id string) (*models.MTick, bool)
	SnapshotAll() map[string]*models.MTick
	Candles(id string, n int) []models.MCandle
	Symbols() []string
}

// CredentialInstaller installs a new upstream access token.
type CredentialInstaller interface {
	InstallCredential(ctx context.Context, accessToken string) error
}

// -----------------------------------------------------------------------------
// APIServer
// -----------------------------------------------------------------------------

type APIServer struct {
	Config      *models.MConfig
	Logger      *logger.Logger
	Hub         *Hub
	Market      MarketReader
	Health      interfaces.IHealthProvider
	Credentials interfaces.ICredentialProvider
	Clock       interfaces.ISessionClock
	Installer   CredentialInstaller

	engine *gin.Engine
	server *http.Server
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewAPIServer(cfg *models.MConfig, hub *Hub, market MarketReader, health interfaces.IHealthProvider, creds interfaces.ICredentialProvider, clock interfaces.ISessionClock, installer CredentialInstaller, metrics http.Handler, log *logger.Logger) *APIServer {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		Config:      cfg,
		Logger:      log,
		Hub:         hub,
		Market:      market,
		Health:      health,
		Credentials: creds,
		Clock:       clock,
		Installer:   installer,
		engine:      gin.New(),
	}
	s.engine.Use(gin.Recovery())

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	s.setupRoutes(metrics)
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *APIServer) setupRoutes(metrics http.Handler) {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/status", s.getStatus)
	api.GET("/snapshot", s.getSnapshot)
	api.GET("/quote/:symbol", s.getQuote)
	api.GET("/candles/:symbol", s.getCandles)
	api.POST("/credential", s.requireAdmin, s.postCredential)

	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics))
	}

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until Stop. http.ErrServerClosed is not reported as an error.
func (s *APIServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("Starting server on %s", addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *APIServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *APIServer) getHealth(c *gin.Context) {
	health := s.Health.Health(time.Now())
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.Hub.Count(),
		"feed_state":  health.State,
		"is_healthy":  health.IsHealthy,
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getStatus(c *gin.Context) {
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"connectionHealth":         s.Health.Health(now),
		"authState":                s.Credentials.State(),
		"marketStatus":             s.Clock.Phase(now),
		"seconds_until_next_phase": s.Clock.SecondsUntilNextPhase(now),
		"connections":              s.Hub.Count(),
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, models.MSnapshotMessage{
		Type:         models.MsgSnapshot,
		Data:         s.Market.SnapshotAll(),
		MarketStatus: s.Clock.Phase(time.Now()),
	})
}

// -----------------------------------------------------------------------------

// getQuote serves the latest tick for one instrument. A tick past its TTL is
// still returned, flagged stale. ?fresh=true turns that case into a 404.
func (s *APIServer) getQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	if !contains(s.Market.Symbols(), symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown symbol %q", symbol)})
		return
	}

	if tick, ok := s.Market.GetFresh(symbol); ok {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "stale": false, "data": tick})
		return
	}
	if c.Query("fresh") == "true" {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no fresh tick for %s", symbol)})
		return
	}

	tick, _ := s.Market.GetBestEffort(symbol)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "stale": true, "data": tick})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getCandles(c *gin.Context) {
	symbol := c.Param("symbol")
	if !contains(s.Market.Symbols(), symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown symbol %q", symbol)})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	candles := s.Market.Candles(symbol, limit)
	if candles == nil {
		candles = []models.MCandle{}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol,
		"count":   len(candles),
		"candles": candles,
		"summary": analysis.Summarize(candles),
	})
}

// -----------------------------------------------------------------------------

// requireAdmin checks the bearer admin key, or the caller address when no
// key is configured.
func (s *APIServer) requireAdmin(c *gin.Context) {
	if key := s.Config.AdminKey; key != "" {
		got, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
		return
	}

	if ip := net.ParseIP(c.RemoteIP()); ip == nil || !ip.IsLoopback() {
		s.Logger.Warning("Credential install refused for %s: no admin_key configured", c.RemoteIP())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "credential install is loopback-only without admin_key"})
		return
	}
	c.Next()
}

type credentialRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
}

func (s *APIServer) postCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}

	if err := s.Installer.InstallCredential(c.Request.Context(), req.AccessToken); err != nil {
		status := http.StatusInternalServerError
		var cfgErr *helpers.ConfigurationError
		if errors.As(err, &cfgErr) {
			status = http.StatusBadRequest
		} else if helpers.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error(), "authState": s.Credentials.State()})
		return
	}

	s.Logger.Info("Credential installed via API")
	c.JSON(http.StatusOK, gin.H{"authState": s.Credentials.State()})
}

// -----------------------------------------------------------------------------
// WebSocket Handler
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *APIServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	sub, err := s.Hub.Register(wsConn{conn})
	if err != nil {
		s.Logger.Warning("Rejecting subscriber: %v", err)
		conn.Close()
		return
	}

	go readPump(s.Hub, sub, conn)
}

// -----------------------------------------------------------------------------

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
