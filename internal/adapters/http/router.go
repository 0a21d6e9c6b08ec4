// Package http is the local control surface of the call daemon: a thin
// gin layer over the coordinator's public call API.
package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mivora/callkit/internal/call"
	"github.com/mivora/callkit/internal/config"
	"github.com/mivora/callkit/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, coord *call.Coordinator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallkitSessions", store))
	r.Use(ClientTokenMiddleware())

	ctl := &Controller{Coord: coord, SelfID: domain.UserID(cfg.SelfID)}

	api := r.Group("/api/call")
	api.GET("/status", ctl.Status)
	api.POST("/init", ctl.InitCall)
	api.POST("/answer", ctl.Answer)
	api.POST("/reject", ctl.Reject)
	api.POST("/leave", ctl.Leave)
	api.POST("/mic/toggle", ctl.ToggleMic)
	api.POST("/camera/toggle", ctl.ToggleCamera)
	api.POST("/participants", ctl.AddParticipant)

	return r
}
