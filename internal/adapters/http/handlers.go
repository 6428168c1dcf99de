package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/app/orch"
)

// cookie session keys
const (
	keySessionID   = "session_id"
	keyParticipant = "participant_key"
)

type Handlers struct {
	Orch    *orch.Orchestrator
	ICEURLs []string
}

type sessionJoinRequest struct {
	SessionID      string `json:"sessionId"`
	ParticipantKey string `json:"participantKey"`
	DisplayName    string `json:"displayName"`
}

type memberRequest struct {
	SessionID      string `json:"sessionId"`
	ParticipantKey string `json:"participantKey"`
}

var codeStatus = map[string]int{
	orch.CodeInvalidInput:  http.StatusBadRequest,
	orch.CodeNotFound:      http.StatusNotFound,
	orch.CodeSessionFull:   http.StatusConflict,
	orch.CodeSessionClosed: http.StatusConflict,
	orch.CodeTryAgain:      http.StatusInternalServerError,
}

func fail(c *gin.Context, err error) {
	code := orch.Code(err)
	status := codeStatus[code]
	msg := err.Error()
	if code == orch.CodeTryAgain {
		log.Error().Err(err).Str("module", "adapters.http").Str("route", c.FullPath()).Msg("request failed")
		msg = "temporary failure, please retry"
	}
	c.JSON(status, gin.H{"ok": false, "error": code, "message": msg})
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": orch.CodeInvalidInput, "message": "malformed body: " + err.Error()})
}

func remember(c *gin.Context, sessionID, key string) {
	s := sessions.Default(c)
	s.Set(keySessionID, sessionID)
	s.Set(keyParticipant, key)
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("cookie session save")
	}
}

func forget(c *gin.Context, sessionID string) {
	s := sessions.Default(c)
	if v, _ := s.Get(keySessionID).(string); v != sessionID {
		return
	}
	s.Delete(keySessionID)
	s.Delete(keyParticipant)
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("cookie session save")
	}
}

// Join handles POST /api/join.
func (h *Handlers) Join(c *gin.Context) {
	var req orch.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.Orch.Join(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	remember(c, string(res.SessionID), req.ParticipantKey)
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"sessionId":   res.SessionID,
		"status":      res.Status,
		"capacity":    res.Capacity,
		"memberCount": res.MemberCount,
	})
}

// Status handles GET /api/status?sessionId=.
func (h *Handlers) Status(c *gin.Context) {
	view, err := h.Orch.Status(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"session":     view.Session,
		"members":     view.Members,
		"memberCount": view.MemberCount,
		"connected":   view.Connected,
	})
}

// SessionJoin handles POST /api/session-join.
func (h *Handlers) SessionJoin(c *gin.Context) {
	var req sessionJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.Orch.SessionJoin(c.Request.Context(), req.SessionID, req.ParticipantKey, req.DisplayName)
	if err != nil {
		fail(c, err)
		return
	}
	remember(c, string(res.SessionID), req.ParticipantKey)
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"sessionId":   res.SessionID,
		"status":      res.Status,
		"memberCount": res.MemberCount,
	})
}

// Heartbeat handles POST /api/heartbeat.
func (h *Handlers) Heartbeat(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if err := h.Orch.Heartbeat(c.Request.Context(), req.SessionID, req.ParticipantKey); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Leave handles POST /api/leave.
func (h *Handlers) Leave(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.Orch.Leave(c.Request.Context(), req.SessionID, req.ParticipantKey)
	if err != nil {
		fail(c, err)
		return
	}
	forget(c, req.SessionID)
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"remaining": res.Remaining,
		"closed":    res.Closed,
	})
}

// OpenSessions handles GET /api/sessions?topic=.
func (h *Handlers) OpenSessions(c *gin.Context) {
	open, err := h.Orch.OpenSessions(c.Request.Context(), c.Query("topic"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": open})
}

// Me returns the session this browser last joined, with its current status.
func (h *Handlers) Me(c *gin.Context) {
	s := sessions.Default(c)
	sid, _ := s.Get(keySessionID).(string)
	key, _ := s.Get(keyParticipant).(string)
	if sid == "" {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": orch.CodeNotFound, "message": "no current session"})
		return
	}
	view, err := h.Orch.Status(c.Request.Context(), sid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"sessionId":      sid,
		"participantKey": key,
		"status":         view.Session.Status,
		"memberCount":    view.MemberCount,
	})
}

// ICE hands the configured STUN/TURN urls to clients.
func (h *Handlers) ICE(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"iceServers": []gin.H{{"urls": h.ICEURLs}},
	})
}
