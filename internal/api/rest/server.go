package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/api/websocket"
	"github.com/viperbox/vipercore/internal/config"
	"github.com/viperbox/vipercore/internal/profiles"
	"github.com/viperbox/vipercore/internal/session"
)

type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	server   *http.Server
	wsHub    *websocket.Hub
	session  *session.Manager
	profiles *profiles.Store
}

func NewServer(cfg *config.Config, logger *zap.Logger, sess *session.Manager, store *profiles.Store, wsHub *websocket.Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		logger:   logger,
		wsHub:    wsHub,
		session:  sess,
		profiles: store,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// ServeHTTP lets the server act as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public root routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ws", s.wsLiveConnection)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.POST("/connect", s.connect)
		v1.POST("/disconnect", s.disconnect)

		settings := v1.Group("/settings")
		{
			settings.POST("/recording", s.uploadRecordingSettings)
			settings.POST("/stimulation", s.uploadStimulationSettings)
			settings.POST("/verify", s.verifySettings)
			settings.POST("/defaults", s.applyDefaults)
		}

		recording := v1.Group("/recording")
		{
			recording.POST("/start", s.startRecording)
			recording.POST("/stop", s.stopRecording)
		}

		stimulation := v1.Group("/stimulation")
		{
			stimulation.POST("/start", s.startStimulation)
			stimulation.POST("/stop", s.stopStimulation)
		}

		v1.GET("/recordings", s.listRecordings)
		v1.GET("/profiles", s.listProfiles)
		v1.GET("/profiles/:id", s.getProfile)
		v1.GET("/ws/status", s.wsStatus)
	}
}

// feedback is the success envelope the upstream control clients expect.
func feedback(format string, args ...any) gin.H {
	return gin.H{"result": true, "feedback": fmt.Sprintf(format, args...)}
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
