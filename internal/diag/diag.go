// Package diag serves a local read-only HTTP surface for inspecting a
// live robot connection: link state, cached telemetry, traffic counters
// and the loaded configuration.
package diag

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appconfig "github.com/robotical/riclink/internal/config"
	"github.com/robotical/riclink/pkg/ric"
)

// Server represents a server.
type Server struct {
	cfg     appconfig.Config
	logger  *zap.Logger
	d       *ric.Dispatcher
	hw      *ric.HWState
	ft      *ric.FileTransfer
	httpSrv *http.Server
	started time.Time
}

// New creates a diagnostics server over the given connection.
func New(cfg appconfig.Config, logger *zap.Logger, d *ric.Dispatcher, hw *ric.HWState, ft *ric.FileTransfer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger, d: d, hw: hw, ft: ft, started: time.Now()}
	s.httpSrv = &http.Server{Addr: cfg.DiagAddr(), Handler: s.router()}
	return s
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting diagnostics server", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/telemetry", s.handleTelemetry)
	api.GET("/stats", s.handleStats)
	api.GET("/config", s.handleConfig)
	api.GET("/profiles", s.handleProfiles)

	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":  s.d.IsOpen(),
		"method":     s.cfg.Method,
		"uptimeSecs": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleTelemetry(c *gin.Context) {
	accelX, accelY, accelZ := s.hw.Accel()
	power, powerFresh := s.hw.PowerStatus()
	robot, robotFresh := s.hw.RobotStatus()
	c.JSON(http.StatusOK, gin.H{
		"servos":      s.hw.SmartServos(),
		"accel":       gin.H{"x": accelX, "y": accelY, "z": accelZ},
		"power":       power,
		"powerFresh":  powerFresh,
		"robot":       robot,
		"robotFresh":  robotFresh,
		"addons":      s.hw.AddOns(),
		"publishRate": s.hw.PublishStats(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dispatcher":        s.d.GetStats(),
		"uploadBytesPerSec": s.ft.UploadBytesPerSec(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg)
}

func (s *Server) handleProfiles(c *gin.Context) {
	profiles, err := appconfig.ScanProfiles(s.cfg.ProfilesDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, profiles)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}
