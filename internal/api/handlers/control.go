package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/internal/registry"
	"github.com/troikatech/voicebridge/internal/session"
	"github.com/troikatech/voicebridge/pkg/audit"
	"github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/telephonyapi"
	"github.com/troikatech/voicebridge/pkg/validation"
)

// requestSubject returns the authenticated caller's JWT subject, or
// "unknown" when AuthMiddleware did not run in front of this route.
func requestSubject(c *gin.Context) string {
	if v, ok := c.Get("subject"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}

var observerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// lookupSession resolves a call id to its concrete *session.Session.
// registry.Registry only promises its Session interface (CallID, IsEnded,
// RequestShutdown);
// every entry this process creates is in fact a *session.Session, since
// MediaStream is the sole creation path.
func (h *Handler) lookupSession(c *gin.Context) (*session.Session, bool) {
	callID := c.Param("call_id")
	entry := h.registry.Lookup(callID)
	if entry == nil {
		errors.NotFound(c, "no active session for call_id "+callID)
		return nil, false
	}
	sess, ok := entry.(*session.Session)
	if !ok || sess.IsEnded() {
		errors.NotFound(c, "no active session for call_id "+callID)
		return nil, false
	}
	return sess, true
}

// UpdateSessionConfig applies a new Configuration to a session still in
// Initializing or Configuring (§6 control-plane contract).
func (h *Handler) UpdateSessionConfig(c *gin.Context) {
	sess, ok := h.lookupSession(c)
	if !ok {
		return
	}

	var req domain.Configuration
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.BadRequest(c, "invalid configuration payload")
		return
	}
	if req.Voice != "" && !domain.ValidVoice(req.Voice) {
		errors.BadRequest(c, "unknown voice "+string(req.Voice))
		return
	}

	if err := sess.UpdateConfig(req); err != nil {
		errors.Conflict(c, err.Error())
		return
	}
	if err := audit.Log(h.mongoClient, requestSubject(c), audit.ActionConfigUpdate, sess.CallID(), map[string]interface{}{
		"voice": string(req.Voice),
	}); err != nil {
		h.logger.Warn("audit log failed", zap.Error(err))
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": sess.CallID(), "status": "config update queued"})
}

// EndSession asks a session to terminate immediately.
func (h *Handler) EndSession(c *gin.Context) {
	sess, ok := h.lookupSession(c)
	if !ok {
		return
	}
	sess.RequestEnd()
	if err := audit.Log(h.mongoClient, requestSubject(c), audit.ActionForceEnd, sess.CallID(), nil); err != nil {
		h.logger.Warn("audit log failed", zap.Error(err))
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": sess.CallID(), "status": "end requested"})
}

// SessionEvents upgrades to a WebSocket that observes a session's event
// fan-out in real time (§4.7), for dashboards and debugging tools.
func (h *Handler) SessionEvents(c *gin.Context) {
	sess, ok := h.lookupSession(c)
	if !ok {
		return
	}

	conn, err := observerUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("observer upgrade failed", zap.Error(err), zap.String("call_id", sess.CallID()))
		return
	}

	observerID := c.Query("observer_id")
	if observerID == "" {
		observerID = c.ClientIP() + ":" + c.Request.RemoteAddr
	}
	sess.Observers().Attach(observerID, conn)
}

// ListSessions reports every call currently registered, used by the status
// dashboard and readiness probes (§6).
func (h *Handler) ListSessions(c *gin.Context) {
	all := h.registry.All()
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.CallID())
	}
	c.JSON(http.StatusOK, gin.H{"active_sessions": ids, "count": len(ids)})
}

// ConnectCallRequest is the outbound-call precompute request (§9.1
// supplemented feature): the caller asks the telephony provider to dial a
// number and bridge it to this process's media-stream endpoint.
type ConnectCallRequest struct {
	From           string `json:"from" binding:"required"`
	To             string `json:"to" binding:"required"`
	CallerID       string `json:"caller_id"`
	CallbackURL    string `json:"callback_url"`
	GreetingPrompt string `json:"greeting_prompt"`
}

// ConnectCall issues an outbound-call request against the telephony
// provider's control plane. The media-stream URL is built so the resulting
// WebSocket connection carries the provider's call_sid back to
// MediaStream, letting the Session be created under the same id the REST
// response already reported to the caller.
func (h *Handler) ConnectCall(c *gin.Context) {
	if h.telephony == nil {
		errors.ErrorResponse(c, http.StatusServiceUnavailable, "telephony disabled", "outbound calling is not configured")
		return
	}

	var req ConnectCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.BadRequest(c, "invalid request payload")
		return
	}
	normalizedTo, err := validation.NormalizeE164(req.To)
	if err != nil {
		errors.BadRequest(c, "to: "+err.Error())
		return
	}
	if err := validation.ValidateE164(req.From); err != nil {
		errors.BadRequest(c, "from: "+err.Error())
		return
	}

	resp, err := h.telephony.ConnectCall(c.Request.Context(), telephonyapi.ConnectCallRequest{
		From:            req.From,
		To:              normalizedTo,
		CallerID:        req.CallerID,
		CallbackURL:     req.CallbackURL,
		MediaStreamURL:  h.cfg.VoicebotBaseURL + h.cfg.TelephonyMediaStreamPath,
		CustomParameter: req.GreetingPrompt,
	})
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	cfg := domain.DefaultConfiguration()
	if req.GreetingPrompt != "" {
		cfg.Instructions = req.GreetingPrompt
	}
	h.registry.Reserve(resp.CallSID, registry.Reservation{
		Configuration: cfg,
		PeerNumber:    req.To,
		Direction:     domain.CallDirectionOutbound,
		ReservedAt:    time.Now(),
	})

	c.JSON(http.StatusOK, gin.H{
		"call_sid":  resp.CallSID,
		"status":    resp.Status,
		"direction": resp.Direction,
	})
}
