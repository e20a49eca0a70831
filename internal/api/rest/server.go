package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/api/websocket"
	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger.Named("rest"),
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: s.router,
		// No WriteTimeout: websocket upgrades and synchronous relative moves
		// outlive it.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")

	// ==================== AUTH ====================
	authGroup := v1.Group("/auth")
	authGroup.POST("/login", s.login)
	authed := authGroup.Group("")
	authed.Use(s.authService.AuthMiddleware())
	{
		authed.GET("/me", auth.RequirePermission(auth.PermOperator), s.getCurrentUser)

		authed.GET("/users", auth.RequirePermission(auth.PermAdmin), s.listUsers)
		authed.POST("/users", auth.RequirePermission(auth.PermAdmin), s.createUser)
		authed.DELETE("/users/:id", auth.RequirePermission(auth.PermAdmin), s.deleteUser)

		authed.GET("/machine-tokens", auth.RequirePermission(auth.PermAdmin), s.listMachineTokens)
		authed.POST("/machine-tokens", auth.RequirePermission(auth.PermAdmin), s.createMachineToken)
		authed.DELETE("/machine-tokens/:id", auth.RequirePermission(auth.PermAdmin), s.deleteMachineToken)
	}

	// ==================== SYSTEM ====================
	system := v1.Group("/system")
	system.Use(s.authService.AuthMiddleware())
	{
		system.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
		system.GET("/instrument", auth.RequirePermission(auth.PermOperator), s.getInstrument)
		system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
	}

	// ==================== DEVICES (OPERATOR+) ====================
	devices := v1.Group("/devices")
	devices.Use(s.authService.AuthMiddleware())
	devices.Use(auth.RequirePermission(auth.PermOperator))
	{
		devices.GET("", s.listDevices)
		devices.GET("/:name", s.getDevice)
	}

	// ==================== DIFFRACTOMETER ====================
	diff := v1.Group("")
	diff.Use(s.authService.AuthMiddleware())
	{
		// Read operations: Operator+
		diff.GET("/status", auth.RequirePermission(auth.PermOperator), s.getStatus)
		diff.GET("/ready", auth.RequirePermission(auth.PermOperator), s.getReady)
		diff.GET("/phase", auth.RequirePermission(auth.PermOperator), s.getPhase)
		diff.GET("/beam", auth.RequirePermission(auth.PermOperator), s.getBeamInfo)
		diff.GET("/pixels-per-mm", auth.RequirePermission(auth.PermOperator), s.getPixelsPerMm)

		// Motion: Technician+
		diff.PUT("/phase", auth.RequirePermission(auth.PermTechnician), s.setPhase)
		diff.POST("/pixels-per-mm/update", auth.RequirePermission(auth.PermTechnician), s.updatePixelsPerMm)
		diff.POST("/omega/move", auth.RequirePermission(auth.PermTechnician), s.moveOmega)
		diff.POST("/omega/move-relative", auth.RequirePermission(auth.PermTechnician), s.moveOmegaRelative)
	}

	// ==================== MOTORS ====================
	motors := v1.Group("/motors")
	motors.Use(s.authService.AuthMiddleware())
	{
		motors.GET("", auth.RequirePermission(auth.PermOperator), s.listMotors)
		motors.GET("/:role", auth.RequirePermission(auth.PermOperator), s.getMotor)
		motors.GET("/:role/velocity", auth.RequirePermission(auth.PermOperator), s.getVelocity)
		motors.GET("/:role/limits", auth.RequirePermission(auth.PermOperator), s.getLimits)

		motors.POST("/:role/move", auth.RequirePermission(auth.PermTechnician), s.moveMotor)
		motors.POST("/:role/move-relative", auth.RequirePermission(auth.PermTechnician), s.moveMotorRelative)
		motors.POST("/:role/predefined", auth.RequirePermission(auth.PermTechnician), s.moveToPredefined)
		motors.POST("/:role/stop", auth.RequirePermission(auth.PermTechnician), s.stopMotor)
		motors.PUT("/:role/velocity", auth.RequirePermission(auth.PermTechnician), s.setVelocity)

		motors.PUT("/:role/limits", auth.RequirePermission(auth.PermAdmin), s.setLimits)
	}

	// ==================== CENTRING ====================
	centring := v1.Group("/centring")
	centring.Use(s.authService.AuthMiddleware())
	{
		centring.GET("", auth.RequirePermission(auth.PermOperator), s.getCentring)
		centring.POST("/manual", auth.RequirePermission(auth.PermTechnician), s.startManualCentring)
		centring.POST("/auto", auth.RequirePermission(auth.PermTechnician), s.startAutoCentring)
		centring.POST("/click", auth.RequirePermission(auth.PermTechnician), s.centringClick)
		centring.POST("/invalidate", auth.RequirePermission(auth.PermTechnician), s.invalidateCentring)
	}

	// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
	ws := v1.Group("/ws")
	{
		ws.GET("/live", s.wsLiveConnection)
		ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
