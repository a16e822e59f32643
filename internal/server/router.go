package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/auth"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/config"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/metrics"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/mw"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(auth.Middleware(cfg))

	api.POST("/trips", h.CreateTrip)
	api.GET("/trips/:id", h.GetTrip)
	api.GET("/trips/:id/messages", h.ListMessages)
	api.GET("/trips/:id/collaborators", h.ListCollaborators)
	api.POST("/trips/:id/itinerary/events", h.NotifyItineraryUpdate)
	api.POST("/trips/:id/notifications", h.NotifyTrip)

	api.POST("/invites", h.CreateInvite)
	api.POST("/invites/accept", h.AcceptInvite)
	api.DELETE("/invites/:id", h.RevokeInvite)

	r.GET("/ws", gw.Serve())

	return r
}
