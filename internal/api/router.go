package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/api/handlers"
	"github.com/sphh12/appium-public/internal/config"
	"github.com/sphh12/appium-public/internal/metrics"
	"github.com/sphh12/appium-public/internal/repository"
	"gorm.io/gorm"
)

// SetupRouter 运行浏览服务。metrics、hub、requests 均可为 nil。
func SetupRouter(cfg *config.Config, logger *logrus.Logger, db *gorm.DB, m *metrics.Metrics, hub *handlers.Hub, requests handlers.RequestPublisher) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if m != nil {
		r.Use(m.HTTPMiddleware())
	}

	runHandler := handlers.NewRunHandler(
		repository.NewRunRepository(db, logger),
		repository.NewArtifactRepository(db, logger),
		requests,
		cfg.Output.Root,
		logger,
	)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/stats", runHandler.GetStats)

		runs := apiGroup.Group("/runs")
		{
			runs.GET("", runHandler.ListRuns)
			runs.POST("", runHandler.CreateRun)
			runs.GET("/:id", runHandler.GetRun)
			runs.GET("/:id/artifacts/:seq", runHandler.GetArtifact)
		}
	}

	if hub != nil {
		r.GET("/ws", hub.HandleWebSocket)
	}
	if m != nil {
		r.GET("/metrics", m.Handler())
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
