package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/relaybox/relay/files"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "relayd"

// BuildRouter ...
func BuildRouter(app *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	applyCors(r, app)
	applyTracing(r, app)

	registerRoutes(r, app)

	return r
}

func applyCors(r *gin.Engine, app *App) {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Range", files.HeaderSessionID, files.HeaderSeed},
		ExposeHeaders: []string{"Content-Range", "Accept-Ranges", "Content-Length", "Content-Disposition", "ETag"},
	}
	if len(app.Config.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = app.Config.CORSOrigins
	}
	r.Use(cors.New(cfg))
}

func applyTracing(r *gin.Engine, app *App) {
	if app.TracerProvider == nil {
		return
	}

	r.Use(otelgin.Middleware(serviceName, otelgin.WithTracerProvider(app.TracerProvider)))
}

func registerRoutes(r *gin.Engine, app *App) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := app.Services.Store.IsReady(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, files.HTTPError{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if app.Services.Streams != nil {
		app.Services.Streams.Register(r)
	}

	v1 := r.Group("/api/v1")
	files.NewHandler(app.Services.Relay, app.Services.Commands, app.Logger).Register(v1)
	v1.GET("/stats", func(c *gin.Context) {
		stats := app.Services.Engine.Stats().Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"chunks":           stats.Chunks,
			"bytes":            stats.Bytes,
			"average_chunk_ms": stats.AverageChunk.Milliseconds(),
			"active":           len(app.Services.Engine.Active()),
		})
	})
}
