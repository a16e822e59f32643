package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/auth"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/bus"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/invite"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/metrics"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/presence"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
)

// Handler 聚合所有 HTTP handler，依赖注入各协作组件。
type Handler struct {
	trips    store.TripStore
	invites  *invite.Service
	access   *access.Controller
	bus      *bus.Bus
	registry *presence.Registry
}

func NewHandler(trips store.TripStore, inv *invite.Service, ac *access.Controller, b *bus.Bus, reg *presence.Registry) *Handler {
	return &Handler{trips: trips, invites: inv, access: ac, bus: b, registry: reg}
}

// mapError 把协作子系统的错误分类翻译成 HTTP 状态码。
func mapError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, collab.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, collab.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, collab.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "this invite has expired, ask for a new one"})
	case errors.Is(err, collab.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, collab.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		log.Error().Err(err).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// CreateTrip 创建行程并把创建者登记为 owner。
func (h *Handler) CreateTrip(c *gin.Context) {
	var req struct {
		Name             string `json:"name"`
		Destination      string `json:"destination"`
		PubliclyViewable bool   `json:"publicly_viewable"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip name"})
		return
	}
	id := auth.GetIdentity(c)
	trip := collab.Trip{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Destination:      strings.TrimSpace(req.Destination),
		OwnerID:          id.UserID,
		PubliclyViewable: req.PubliclyViewable,
		CreatedAt:        time.Now(),
	}
	if err := h.trips.CreateTrip(trip); err != nil {
		mapError(c, err, "failed to create trip")
		return
	}
	if err := h.trips.GrantRole(trip.ID, id.UserID, collab.RoleOwner); err != nil {
		mapError(c, err, "failed to grant owner role")
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": trip})
}

// GetTrip 返回行程元数据、成员名册和请求者自己的角色。
func (h *Handler) GetTrip(c *gin.Context) {
	tripID := c.Param("id")
	id := auth.GetIdentity(c)
	role, err := h.access.CanJoin(tripID, id.UserID)
	if err != nil {
		mapError(c, err, "failed to resolve access")
		return
	}
	trip, err := h.trips.GetTrip(tripID)
	if err != nil {
		mapError(c, err, "failed to load trip")
		return
	}
	members, err := h.trips.ListMembers(tripID)
	if err != nil {
		mapError(c, err, "failed to list members")
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": trip, "members": members, "role": role})
}

// CreateInvite 签发邀请。
func (h *Handler) CreateInvite(c *gin.Context) {
	var req struct {
		TripID string `json:"trip_id"`
		Email  string `json:"email"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TripID == "" || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Role == "" {
		req.Role = string(collab.RoleCollaborator)
	}
	id := auth.GetIdentity(c)
	inv, err := h.invites.Create(req.TripID, req.Email, collab.Role(req.Role), id.UserID)
	if err != nil {
		if errors.Is(err, invite.ErrInvalidEmail) || errors.Is(err, invite.ErrInvalidRole) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mapError(c, err, "failed to create invite")
		return
	}
	metrics.InvitesCreatedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"invite": inv})
}

// AcceptInvite 用令牌兑换成员资格。
func (h *Handler) AcceptInvite(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	id := auth.GetIdentity(c)
	membership, err := h.invites.Accept(req.Token, id.UserID)
	if err != nil {
		mapError(c, err, "failed to accept invite")
		return
	}
	metrics.InvitesAcceptedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"membership": membership})
}

// RevokeInvite 撤销邀请，只有行程所有者可以操作。
func (h *Handler) RevokeInvite(c *gin.Context) {
	id := auth.GetIdentity(c)
	if err := h.invites.Revoke(c.Param("id"), id.UserID); err != nil {
		mapError(c, err, "failed to revoke invite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ListMessages 返回房间近期消息，升序。
func (h *Handler) ListMessages(c *gin.Context) {
	tripID := c.Param("id")
	id := auth.GetIdentity(c)
	if _, err := h.access.CanJoin(tripID, id.UserID); err != nil {
		mapError(c, err, "failed to resolve access")
		return
	}
	limitStr := c.Query("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, _ := strconv.Atoi(limitStr)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := h.bus.LoadRecent(tripID, limit)
	if err != nil {
		mapError(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListCollaborators 返回房间当前在线的成员。
func (h *Handler) ListCollaborators(c *gin.Context) {
	tripID := c.Param("id")
	id := auth.GetIdentity(c)
	if _, err := h.access.CanJoin(tripID, id.UserID); err != nil {
		mapError(c, err, "failed to resolve access")
		return
	}
	members := h.registry.ListActive(tripID)
	if members == nil {
		members = []collab.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": members, "online": len(members)})
}

// NotifyTrip 接收上游服务生成的系统通知并推给房间所有在线成员。
// 通知不落盘，离线成员错过即错过。
func (h *Handler) NotifyTrip(c *gin.Context) {
	tripID := c.Param("id")
	var req struct {
		Kind     string `json:"kind"`
		Title    string `json:"title"`
		Message  string `json:"message"`
		Priority string `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Priority == "" {
		req.Priority = "medium"
	}
	id := auth.GetIdentity(c)
	ok, err := h.access.CanWrite(tripID, id.UserID)
	if err != nil {
		mapError(c, err, "failed to resolve access")
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	h.bus.BroadcastNotification(tripID, collab.Notification{
		Kind:     req.Kind,
		Title:    req.Title,
		Message:  req.Message,
		Priority: req.Priority,
	})
	c.JSON(http.StatusOK, gin.H{"status": "broadcast"})
}

// NotifyItineraryUpdate 接收外部行程存储的版本变更通知并转发给房间。
// 只转发不合并，版本号由外部存储分配。
func (h *Handler) NotifyItineraryUpdate(c *gin.Context) {
	tripID := c.Param("id")
	var req struct {
		ItineraryID string `json:"itinerary_id"`
		Version     int64  `json:"version"`
		Summary     string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ItineraryID == "" || req.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	id := auth.GetIdentity(c)
	ok, err := h.access.CanWrite(tripID, id.UserID)
	if err != nil {
		mapError(c, err, "failed to resolve access")
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	h.bus.BroadcastItineraryUpdate(collab.ItineraryUpdate{
		TripID:      tripID,
		ItineraryID: req.ItineraryID,
		Version:     req.Version,
		UpdatedBy:   id.UserID,
		Summary:     req.Summary,
	})
	c.JSON(http.StatusOK, gin.H{"status": "broadcast"})
}
