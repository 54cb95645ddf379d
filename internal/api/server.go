package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"futures-risk-bot/internal/auth"
	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/rotation"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
)

// BotAPI is what the bot exposes to the operator surface
type BotAPI interface {
	Positions() []position.Position
	AccountSummary() position.AccountSummary
	TradingMode() string
	ComplianceState() compliance.State
	ResetFailSafe(ctx context.Context, operator, reason string) error
	RotationStatus() rotation.Status
	StuckUnderRecovery() []stuck.Alert
	SessionStatus() session.Status
	FlattenNow(ctx context.Context, trigger string) session.Report
	HealthCheck(ctx context.Context) map[string]error
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	bot        BotAPI
	jwtManager *auth.JWTManager
	config     ServerConfig
	logger     zerolog.Logger
	started    time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowOrigins   []string
}

// NewServer creates a new API server. Without a JWT manager the operator
// actions (fail-safe reset, manual flatten) are not routed at all.
func NewServer(config ServerConfig, bot BotAPI, jwtManager *auth.JWTManager, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		bot:        bot,
		jwtManager: jwtManager,
		config:     config,
		logger:     logging.Component(logger, "APIServer"),
		started:    time.Now().UTC(),
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	if s.jwtManager != nil {
		api.Use(auth.Middleware(s.jwtManager))
	} else {
		s.logger.Warn().Msg("No JWT secret configured, status routes are open and operator actions are disabled")
	}
	{
		api.GET("/positions", s.handlePositions)
		api.GET("/account", s.handleAccount)
		api.GET("/compliance", s.handleCompliance)
		api.GET("/rotation", s.handleRotation)
		api.GET("/stuck", s.handleStuck)
		api.GET("/session", s.handleSession)
	}

	if s.jwtManager == nil {
		return
	}

	ops := api.Group("", auth.RequireOperator())
	{
		ops.POST("/compliance/reset", s.handleResetFailSafe)
		ops.POST("/flatten", s.handleFlatten)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, reqLog := logging.WithTraceContext(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceID(ctx))

		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		reqLog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// handleHealth reports dependency health. The process is unhealthy when any
// configured dependency check fails.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, err := range s.bot.HealthCheck(ctx) {
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"mode":        s.bot.TradingMode(),
		"checks":      checks,
		"started_at":  s.started.Format(time.RFC3339),
		"uptime_secs": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	if c.Query("all") == "true" {
		successResponse(c, s.bot.Positions())
		return
	}
	open := make([]position.Position, 0)
	for _, p := range s.bot.Positions() {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	successResponse(c, open)
}

func (s *Server) handleAccount(c *gin.Context) {
	successResponse(c, s.bot.AccountSummary())
}

func (s *Server) handleCompliance(c *gin.Context) {
	successResponse(c, gin.H{
		"mode":  s.bot.TradingMode(),
		"state": s.bot.ComplianceState(),
	})
}

func (s *Server) handleRotation(c *gin.Context) {
	successResponse(c, s.bot.RotationStatus())
}

func (s *Server) handleStuck(c *gin.Context) {
	alerts := s.bot.StuckUnderRecovery()
	if alerts == nil {
		alerts = []stuck.Alert{}
	}
	successResponse(c, alerts)
}

func (s *Server) handleSession(c *gin.Context) {
	successResponse(c, s.bot.SessionStatus())
}

type resetRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// handleResetFailSafe is the manual recovery path. The operator comes from
// the token, never from the body.
func (s *Server) handleResetFailSafe(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}
	operator := auth.GetOperator(c)

	err := s.bot.ResetFailSafe(c.Request.Context(), operator, req.Reason)
	switch {
	case errors.Is(err, compliance.ErrNotInFailSafe):
		errorResponse(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, compliance.ErrResetRequiresActor):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logging.FromContext(c.Request.Context()).Error().Err(err).Str("operator", operator).Msg("Fail-safe reset failed")
		errorResponse(c, http.StatusInternalServerError, "reset failed")
		return
	}

	logging.FromContext(c.Request.Context()).Warn().Str("operator", operator).Str("reason", req.Reason).Msg("Fail-safe reset via API")
	successResponse(c, gin.H{
		"mode":  s.bot.TradingMode(),
		"state": s.bot.ComplianceState(),
	})
}

func (s *Server) handleFlatten(c *gin.Context) {
	operator := auth.GetOperator(c)
	logging.FromContext(c.Request.Context()).Warn().Str("operator", operator).Msg("Manual flatten requested")

	report := s.bot.FlattenNow(c.Request.Context(), "manual:"+operator)
	ok := report.Failed == 0 && len(report.Errors) == 0
	code := http.StatusOK
	if !ok {
		code = http.StatusMultiStatus
	}
	c.JSON(code, gin.H{
		"success": ok,
		"data":    report,
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
