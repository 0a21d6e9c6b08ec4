package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/call"
	"github.com/mivora/callkit/internal/core"
	"github.com/mivora/callkit/internal/domain"
)

// Controller exposes the coordinator over HTTP. The daemon acts for a
// single configured identity; per-request user switching is not a
// thing here.
type Controller struct {
	Coord  *call.Coordinator
	SelfID domain.UserID
}

func (ctl *Controller) Status(c *gin.Context) {
	session, pending := ctl.Coord.Status()
	c.JSON(http.StatusOK, gin.H{
		"session": session,
		"pending": pending,
	})
}

func (ctl *Controller) InitCall(c *gin.Context) {
	var req struct {
		PeerID   string `json:"peerId" binding:"required"`
		CallType string `json:"callType" binding:"required,oneof=audio video"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}

	ct, err := domain.ParseCallType(req.CallType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_call_type"})
		return
	}

	callID, err := ctl.Coord.InitializeCall(c.Request.Context(), ctl.SelfID, domain.UserID(req.PeerID), ct)
	if err != nil {
		ctl.fail(c, "initialize call", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": callID})
}

func (ctl *Controller) Answer(c *gin.Context) {
	if err := ctl.Coord.AnswerCall(c.Request.Context(), ctl.SelfID); err != nil {
		ctl.fail(c, "answer call", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (ctl *Controller) Reject(c *gin.Context) {
	if err := ctl.Coord.RejectCall(c.Request.Context(), ctl.SelfID); err != nil {
		ctl.fail(c, "reject call", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (ctl *Controller) Leave(c *gin.Context) {
	if err := ctl.Coord.LeaveCall(c.Request.Context()); err != nil {
		ctl.fail(c, "leave call", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (ctl *Controller) ToggleMic(c *gin.Context) {
	enabled, err := ctl.Coord.ToggleMic()
	if err != nil {
		ctl.fail(c, "toggle mic", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (ctl *Controller) ToggleCamera(c *gin.Context) {
	enabled, err := ctl.Coord.ToggleCamera()
	if err != nil {
		ctl.fail(c, "toggle camera", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (ctl *Controller) AddParticipant(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}

	session, _ := ctl.Coord.Status()
	if !session.IsInCall {
		c.JSON(http.StatusConflict, gin.H{"error": "no_active_call"})
		return
	}
	if err := ctl.Coord.AddParticipant(c.Request.Context(), session.CallID, domain.UserID(req.UserID)); err != nil {
		ctl.fail(c, "add participant", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invited"})
}

// fail maps coordinator errors onto coarse HTTP outcomes. The control
// surface only distinguishes "you can't do that right now" from "call
// setup failed"; granular internals stay in the logs.
func (ctl *Controller) fail(c *gin.Context, op string, err error) {
	log.Error().Err(err).Str("module", "adapters.http").Str("op", op).Msg("call operation failed")
	switch {
	case errors.Is(err, call.ErrCallActive):
		c.JSON(http.StatusConflict, gin.H{"error": "call_active"})
	case errors.Is(err, call.ErrNoPending):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_pending_call"})
	case errors.Is(err, call.ErrDialLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
	case errors.Is(err, core.ErrNotPublished):
		c.JSON(http.StatusConflict, gin.H{"error": "no_local_track"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "call_setup_failed"})
	}
}
