package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/app"
	"github.com/glowstream/livegrid/internal/config"
	"github.com/glowstream/livegrid/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, session *app.GridSession) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/grid", func(c *gin.Context) {
		snap := session.GridSnapshot()
		c.JSON(http.StatusOK, gin.H{"slots": snap[:]})
	})

	api.GET("/connection", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": session.ConnectionState().String()})
	})

	api.GET("/viewers/:stream", func(c *gin.Context) {
		stream := domain.StreamID(c.Param("stream"))
		count := session.ViewerCount(c.Request.Context(), stream)
		c.JSON(http.StatusOK, gin.H{"stream_id": stream, "viewer_count": count})
	})

	api.POST("/grid/move", func(c *gin.Context) {
		var req struct {
			From int `json:"from"`
			To   int `json:"to"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.MoveSlot(req.From, req.To); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/grid/clear", func(c *gin.Context) {
		var req struct {
			Index int `json:"index"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.ClearSlot(req.Index); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/grid/mute", func(c *gin.Context) {
		var req struct {
			Index int  `json:"index"`
			Muted bool `json:"muted"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.SetMuted(req.Index, req.Muted); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/grid/volume", func(c *gin.Context) {
		var req struct {
			Index  int     `json:"index"`
			Volume float64 `json:"volume"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.SetVolume(req.Index, req.Volume); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/grid/drop", func(c *gin.Context) {
		var req struct {
			Target  int             `json:"target"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.DropViewer(req.Payload, req.Target); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/live/start", func(c *gin.Context) {
		var req struct {
			StreamID string `json:"stream_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := session.GoLive(ctx, domain.StreamID(req.StreamID)); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/live/stop", func(c *gin.Context) {
		session.StopLive()
		c.Status(http.StatusNoContent)
	})

	api.POST("/watch", func(c *gin.Context) {
		var req struct {
			StreamID string `json:"stream_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		session.Watch(domain.StreamID(req.StreamID))
		c.Status(http.StatusNoContent)
	})

	api.POST("/unwatch", func(c *gin.Context) {
		session.Unwatch()
		c.Status(http.StatusNoContent)
	})

	return r
}
