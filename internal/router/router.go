// Package router wires the HTTP surface: the signaling websocket endpoint,
// the admin API and the metrics handler.
package router

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/config"
	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/fleet"
	"github.com/akarev/roomd/internal/metrics"
	"github.com/akarev/roomd/internal/orch"
	"github.com/akarev/roomd/internal/signal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, d *signal.Dispatcher, f *fleet.Fleet, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/ws/room", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "router").Msg("ws upgrade")
			return
		}
		d.HandleConn(ctx, ws)
	})

	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.GetRooms()})
	})

	api.GET("/rooms/:name/participants", func(c *gin.Context) {
		parts, err := o.GetParticipants(domain.RoomName(c.Param("name")))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"participants": parts})
	})

	api.GET("/nodes", func(c *gin.Context) {
		type nodeInfo struct {
			URI  string `json:"uri"`
			Load int64  `json:"load"`
		}
		var out []nodeInfo
		for _, n := range f.Nodes() {
			out = append(out, nodeInfo{URI: n.URI(), Load: n.Load()})
		}
		c.JSON(http.StatusOK, gin.H{"nodes": out})
	})

	api.DELETE("/rooms/:name", func(c *gin.Context) {
		if err := o.CloseRoom(c.Request.Context(), domain.RoomName(c.Param("name"))); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
