package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/mongo"
)

// Action represents an operator-initiated change to a live session; distinct
// from the Session's own Event/TranscriptItem logs, which record upstream
// protocol traffic rather than control-plane actions.
type Action string

const (
	ActionConfigUpdate Action = "session_config_update"
	ActionForceEnd     Action = "session_force_end"
)

// Log records an audit event for a control-plane action taken against a
// session. Failure to write an audit entry must never fail the request it
// accompanies.
func Log(client *mongo.Client, subject string, action Action, callID string, metadata map[string]interface{}) error {
	if client == nil {
		logger.Log.Warn("audit logging skipped: mongo client not available")
		return nil
	}

	metadataJSON, _ := json.Marshal(metadata)

	auditData := map[string]interface{}{
		"subject":    subject,
		"action":     string(action),
		"call_id":    callID,
		"metadata":   string(metadataJSON),
		"created_at": time.Now().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.NewQuery("audit_log").Insert(ctx, auditData)
	if err != nil {
		logger.Log.Error("failed to log audit event",
			zap.Error(err),
			zap.String("action", string(action)),
			zap.String("call_id", callID),
		)
		return err
	}

	return nil
}
