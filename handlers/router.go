package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions configures the middleware stack around the API routes.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *Metrics
	// DisableRequestLogs turns off per-request log lines (tests).
	DisableRequestLogs bool
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(h *APIHandler, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if !opts.DisableRequestLogs {
		router.Use(RequestLogger(logger))
	}
	router.Use(metrics.Middleware())
	router.Use(CORS(origins))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	// Student routes
	router.GET("/students", h.ListStudents)
	router.POST("/students", h.AddStudent)
	router.GET("/students/:slug", h.GetProgress)
	router.POST("/students/:slug", h.SetProgress)
	router.PUT("/students/:slug", h.RenameStudent)
	router.DELETE("/students/:slug", h.DeleteStudent)

	// Import route
	router.POST("/import-active-students", h.ImportStudents)

	// Backup routes
	router.GET("/backup", h.Backup)
	router.POST("/backup/snapshot", h.Snapshot)
	router.POST("/restore", h.Restore)

	router.GET("/ping", h.Ping)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}
