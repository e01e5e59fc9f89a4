package session

import (
	"encoding/base64"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// recordEvent appends a domain.Event to the bounded in-memory log and fans
// it out to observers and storage (§4.5 event fan-out rule). It is the
// single path every protocol message in either direction passes through.
func (s *Session) recordEvent(dir domain.Direction, typ string, payload map[string]interface{}) {
	ev := domain.Event{
		ID:        uuid.NewString(),
		SessionID: s.callID,
		Timestamp: nowUTC(),
		Type:      typ,
		Direction: dir,
		Payload:   payload,
	}

	s.mu.Lock()
	s.eventLog = append(s.eventLog, ev)
	logCap := s.deps.EventLogCap
	if logCap <= 0 || logCap > maxEventLogCap {
		logCap = maxEventLogCap
	}
	if len(s.eventLog) > logCap {
		s.eventLog = s.eventLog[len(s.eventLog)-logCap:]
	}
	s.mu.Unlock()

	s.observers.Broadcast(ev)
	if s.deps.Store != nil {
		s.deps.Store.WriteEvent(ev)
	}
}

// endSession runs the termination sequence (§4.5): mark Ended, record the
// final event, close both sockets, finalize the recorder, notify and close
// observers, and leave the registry. It does not flush outstanding storage
// writes; the shared Store drains its queue only in Store.Close. It is
// idempotent: only the first caller performs the work, and later callers
// block in sync.Once until that first run has finished.
func (s *Session) endSession(reason domain.EndReason, detail string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnded
		s.endReason = reason
		s.mu.Unlock()
		s.ended.Store(true)
		close(s.doneCh)

		s.logger.Info("session: ending", zap.String("call_id", s.callID), zap.String("reason", string(reason)), zap.String("detail", detail))

		s.recordEvent(domain.DirectionOutgoing, "session.ended", map[string]interface{}{
			"reason": string(reason),
			"detail": detail,
		})

		if err := s.tel.Close(); err != nil {
			s.logger.Debug("session: telephony close error", zap.Error(err))
		}
		if err := s.ai.Close(); err != nil {
			s.logger.Debug("session: ai close error", zap.Error(err))
		}

		if s.rec != nil {
			if err := s.rec.Finalize(); err != nil {
				s.logger.Warn("session: recorder finalize failed", zap.Error(err))
			}
		}

		s.observers.Broadcast(domain.Event{
			ID: uuid.NewString(), SessionID: s.callID, Timestamp: nowUTC(),
			Type: "session.ended", Direction: domain.DirectionOutgoing,
			Payload: map[string]interface{}{"reason": string(reason)},
		})
		s.observers.CloseAll()

		if s.deps.Registry != nil {
			s.deps.Registry.Remove(s.callID)
		}
	})
}

// EndReason reports why the session ended; zero value before Run returns.
func (s *Session) EndReason() domain.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed as soon as endSession has marked the session Ended, before
// the sockets, recorder, observers and registry entry are released.
func (s *Session) Done() <-chan struct{} { return s.doneCh }
