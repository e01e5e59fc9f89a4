package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/webhook"
)

// CallStatusWebhookPayload is the telephony provider's call-lifecycle
// status callback, posted as application/x-www-form-urlencoded.
type CallStatusWebhookPayload struct {
	CallSID      string `json:"CallSid" form:"CallSid"`
	From         string `json:"From" form:"From"`
	To           string `json:"To" form:"To"`
	Direction    string `json:"Direction" form:"Direction"`
	Status       string `json:"Status" form:"Status"`
	StartTime    string `json:"StartTime" form:"StartTime"`
	EndTime      string `json:"EndTime" form:"EndTime"`
	Duration     string `json:"Duration" form:"Duration"`
	RecordingURL string `json:"RecordingUrl" form:"RecordingUrl"`
	Digits       string `json:"Digits" form:"Digits"`
}

// CallStatusWebhook receives the provider's call-status callback, verifies
// its signature, and persists the terminal call record.
func (h *Handler) CallStatusWebhook(c *gin.Context) {
	if h.cfg.TelephonyWebhookSecret != "" {
		if err := c.Request.ParseForm(); err != nil {
			errors.BadRequest(c, "invalid form body")
			return
		}
		sig := c.GetHeader("X-Webhook-Signature")
		if err := webhook.VerifySignature(h.cfg.TelephonyWebhookSecret, url.Values(c.Request.PostForm), sig); err != nil {
			h.logger.Warn("webhook signature verification failed", zap.Error(err))
			errors.Unauthorized(c, "invalid webhook signature")
			return
		}
	}

	var payload CallStatusWebhookPayload
	if err := c.ShouldBind(&payload); err != nil {
		errors.BadRequest(c, "invalid payload")
		return
	}
	if payload.CallSID == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	if h.mongoClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		existing, _ := h.mongoClient.NewQuery("calls").
			Select("call_sid").
			Eq("call_sid", payload.CallSID).
			FindOne(ctx)

		callData := map[string]interface{}{
			"call_sid":      payload.CallSID,
			"from_number":   payload.From,
			"to_number":     payload.To,
			"direction":     payload.Direction,
			"status":        payload.Status,
			"started_at":    payload.StartTime,
			"ended_at":      payload.EndTime,
			"duration":      payload.Duration,
			"recording_url": payload.RecordingURL,
			"dtmf_digits":   payload.Digits,
		}

		if existing != nil {
			h.mongoClient.NewQuery("calls").Eq("call_sid", payload.CallSID).UpdateOne(ctx, callData)
		} else {
			callData["created_at"] = time.Now().Format(time.RFC3339)
			h.mongoClient.NewQuery("calls").Insert(ctx, callData)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}
