package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/captioncast/captioncast/internal/api/handlers"
)

type Deps struct {
	Session    *handlers.SessionHandler
	Transcript *handlers.TranscriptHandler
	WS         *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Operator session control
	r.POST("/session/start", d.Session.Start)
	r.POST("/session/stop", d.Session.Stop)
	r.POST("/session/pause", d.Session.Pause)
	r.POST("/session/resume", d.Session.Resume)
	r.GET("/session/status", d.Session.Status)

	// Transcript admin surface
	r.GET("/transcript", d.Transcript.List)
	r.PUT("/transcript/:id", d.Transcript.Edit)
	r.DELETE("/transcript/:id", d.Transcript.Delete)
	r.POST("/transcript/clear", d.Transcript.Clear)

	// WebSocket sinks
	r.GET("/ws/ingest", d.WS.IngestWS)
	r.GET("/ws/overlay", d.WS.OverlayWS)
	r.GET("/ws/audience", d.WS.AudienceWS)
}
