package registry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

// NewRouter builds the registry HTTP API.
func NewRouter(store *Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Preserve is_static across re-registration of a seeded provider.
		isStatic := false
		if existing, err := store.List(c.Request.Context()); err == nil {
			for _, p := range existing {
				if p.URL == req.URL && p.IsStatic {
					isStatic = true
					break
				}
			}
		}

		p := Provider{
			Name:     req.Name,
			URL:      req.URL,
			LastSeen: float64(time.Now().Unix()),
			Status:   StatusHealthy,
			IsStatic: isStatic,
		}
		if err := store.Upsert(c.Request.Context(), p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Registered provider", "name", req.Name, "url", req.URL)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "url": req.URL})
	})

	router.GET("/servers", func(c *gin.Context) {
		providers, err := store.List(c.Request.Context())
		if err != nil {
			slog.Warn("Failed to list providers", "error", err)
			c.JSON(http.StatusOK, []Provider{})
			return
		}
		c.JSON(http.StatusOK, providers)
	})

	router.GET("/health", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"redis":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"redis":     "connected",
			"timestamp": float64(time.Now().Unix()),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
