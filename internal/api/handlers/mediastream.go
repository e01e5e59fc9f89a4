package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/aiclient"
	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/internal/session"
	"github.com/troikatech/voicebridge/internal/telephony"
)

var mediaStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:    8192,
	WriteBufferSize:   8192,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// The telephony provider's media-stream connection carries no
		// browser origin to validate against; accept unconditionally, same
		// as the provider's own reference integration expects.
		return true
	},
}

// MediaStream upgrades the telephony provider's WebSocket connection, wires
// it to a fresh AIClient and Session, and registers the Session so the
// control-plane and observer routes can find it (§4.5, §4.6).
func (h *Handler) MediaStream(c *gin.Context) {
	callID := c.Query("call_sid")
	if callID == "" {
		callID = uuid.NewString()
	}
	peerNumber := c.Query("from")
	direction := domain.CallDirectionInbound
	if c.Query("direction") == "outbound" {
		direction = domain.CallDirectionOutbound
	}

	conn, err := mediaStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("media stream upgrade failed", zap.Error(err), zap.String("call_id", callID))
		return
	}

	tel := telephony.NewClient(conn, h.logger)
	ai := aiclient.New(aiclient.Config{
		URL:               h.cfg.AIRealtimeURL,
		APIKey:            h.cfg.AIRealtimeAPIKey,
		Model:             h.cfg.AIModel,
		ConnectTimeout:    time.Duration(h.cfg.AIConnectTimeoutMs) * time.Millisecond,
		ReconnectBase:     time.Duration(h.cfg.AIReconnectBaseMs) * time.Millisecond,
		ReconnectCap:      time.Duration(h.cfg.AIReconnectCapMs) * time.Millisecond,
		ReconnectAttempts: h.cfg.AIReconnectMaxAttempt,
	}, h.logger)

	cfg := domain.DefaultConfiguration()
	if h.cfg.AIDefaultVoice != "" && domain.ValidVoice(domain.Voice(h.cfg.AIDefaultVoice)) {
		cfg.Voice = domain.Voice(h.cfg.AIDefaultVoice)
	}
	if h.cfg.AIModel != "" {
		cfg.Model = h.cfg.AIModel
	}

	// An outbound call precomputed via ConnectCall reserved this call id's
	// Configuration before the provider ever dialled back in (§9.1); take
	// it now instead of falling back to process defaults.
	if res, ok := h.registry.TakeReservation(callID); ok {
		cfg = res.Configuration
		direction = res.Direction
		if peerNumber == "" {
			peerNumber = res.PeerNumber
		}
	}

	sess := session.New(callID, direction, peerNumber, cfg, tel, ai, h.sessionTimeouts(), h.sessionDeps())

	if existing, ok := h.registry.CreateIfAbsent(callID, sess); !ok {
		h.logger.Warn("media stream: call_sid already has an active session, rejecting",
			zap.String("call_id", callID), zap.Bool("existing_ended", existing.IsEnded()))
		conn.Close()
		return
	}

	h.logger.Info("media stream connected", zap.String("call_id", callID), zap.String("direction", string(direction)))
	sess.Run(c.Request.Context())
}
