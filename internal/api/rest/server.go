// Package rest serves the rig over HTTP with gin.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/api/websocket"
	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// Public routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)

		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.AuthMiddleware())
		{
			authProtected.GET("/me", s.getCurrentUser)
		}

		// ==================== RACK ====================
		rk := v1.Group("/rack")
		rk.Use(s.authService.AuthMiddleware())
		{
			// Read: viewer+
			rk.GET("/wheels", auth.RequirePermission(auth.PermRead), s.listWheels)
			rk.GET("/wheels/:key", auth.RequirePermission(auth.PermRead), s.getWheelStatus)
			rk.GET("/wheels/:key/filters", auth.RequirePermission(auth.PermRead), s.getWheelFilters)
			rk.GET("/filters", auth.RequirePermission(auth.PermRead), s.availableFilters)
			rk.GET("/status", auth.RequirePermission(auth.PermRead), s.getRackStatus)

			// Motion: operator+
			rk.POST("/wheels/:key/move", auth.RequirePermission(auth.PermOperate), s.moveWheel)
			rk.POST("/bandpass", auth.RequirePermission(auth.PermOperate), s.selectBandpass)
			rk.POST("/nd", auth.RequirePermission(auth.PermOperate), s.selectND)
			rk.POST("/refresh", auth.RequirePermission(auth.PermOperate), s.refreshRack)
		}

		// ==================== INSTRUMENTS ====================
		shutter := v1.Group("/shutter")
		shutter.Use(s.authService.AuthMiddleware())
		{
			shutter.GET("", auth.RequirePermission(auth.PermRead), s.getShutter)
			shutter.POST("", auth.RequirePermission(auth.PermOperate), s.setShutter)
		}

		ammeter := v1.Group("/ammeter")
		ammeter.Use(s.authService.AuthMiddleware())
		{
			ammeter.GET("", auth.RequirePermission(auth.PermRead), s.getAmmeter)
			ammeter.GET("/current", auth.RequirePermission(auth.PermRead), s.readCurrent)
			ammeter.POST("/multisample", auth.RequirePermission(auth.PermOperate), s.readMultisample)
			ammeter.POST("/connect", auth.RequirePermission(auth.PermOperate), s.connectAmmeter)
			ammeter.POST("/disconnect", auth.RequirePermission(auth.PermOperate), s.disconnectAmmeter)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermRead), s.getSystemStatus)
			system.GET("/lab", auth.RequirePermission(auth.PermRead), s.getLabStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.GetCurrentStatus().State,
		"timestamp": time.Now().Unix(),
	})
}
