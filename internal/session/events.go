package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/aiclient"
	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/codec"
)

func (s *Session) handleAIEvent(ctx context.Context, ev interface{}) {
	switch e := ev.(type) {
	case aiclient.Opened:
		s.recordEvent(domain.DirectionIncoming, "ai.opened", nil)
		s.maybeEnterConfiguring(ctx)

	case aiclient.SessionCreated:
		s.recordEvent(domain.DirectionIncoming, "session.created", map[string]interface{}{"session_id": e.SessionID})

	case aiclient.SessionUpdated:
		s.recordEvent(domain.DirectionIncoming, "session.updated", nil)
		s.mu.Lock()
		s.aiConfigured = true
		state := s.state
		s.mu.Unlock()
		if state == StateConfiguring {
			s.transitionTo(StateReady)
			s.armStateTimeout(ctx, s.timeouts.ReadyActive, StateReady)
			s.maybeEnterActive()
		}

	case aiclient.ResponseAudioDelta:
		s.recordEvent(domain.DirectionIncoming, "response.audio.delta", map[string]interface{}{"response_id": e.ResponseID})
		s.onAssistantAudioDelta(e)

	case aiclient.ResponseAudioDone:
		s.recordEvent(domain.DirectionIncoming, "response.audio.done", map[string]interface{}{"response_id": e.ResponseID})
		s.onAssistantAudioDone(e)

	case aiclient.ResponseAudioTranscriptDelta:
		s.recordEvent(domain.DirectionIncoming, "response.audio_transcript.delta", map[string]interface{}{"response_id": e.ResponseID})
		s.mu.Lock()
		s.pendingAssistantText += e.Delta
		text := s.pendingAssistantText
		s.mu.Unlock()
		s.observers.Broadcast(domain.Event{
			ID: uuid.NewString(), SessionID: s.callID, Timestamp: nowUTC(),
			Type: "transcript.assistant.partial", Direction: domain.DirectionIncoming,
			Payload: map[string]interface{}{"text": text},
		})

	case aiclient.ResponseAudioTranscriptDone:
		s.recordEvent(domain.DirectionIncoming, "response.audio_transcript.done", map[string]interface{}{"response_id": e.ResponseID})
		s.finalizeTranscript(domain.SpeakerAssistant, e.Transcript)

	case aiclient.InputAudioTranscriptionCompleted:
		s.recordEvent(domain.DirectionIncoming, "conversation.item.input_audio_transcription.completed", map[string]interface{}{"item_id": e.ItemID})
		s.finalizeTranscript(domain.SpeakerUser, e.Transcript)

	case aiclient.SpeechStarted:
		s.recordEvent(domain.DirectionIncoming, "input_audio_buffer.speech_started", nil)
		s.onUserSpeechStarted(e)

	case aiclient.SpeechStopped:
		s.recordEvent(domain.DirectionIncoming, "input_audio_buffer.speech_stopped", nil)
		s.mu.Lock()
		s.userSpeaking = false
		s.mu.Unlock()

	case aiclient.ErrorEvent:
		s.recordEvent(domain.DirectionIncoming, "error", map[string]interface{}{"code": e.Code, "message": e.Message})
		s.logger.Warn("session: AI error event", zap.String("call_id", s.callID), zap.String("code", e.Code))
		if e.Fatal {
			s.endSession(domain.EndReasonAITransportError, "fatal AI error: "+e.Code)
		}

	case aiclient.Unknown:
		s.recordEvent(domain.DirectionIncoming, e.Type, nil)

	case aiclient.Disconnected:
		s.endSession(domain.EndReasonAITransportError, "AI transport disconnected")
	}
}

// maybeEnterConfiguring handles every AI socket (re)connect: the first dial
// from Initializing, and any later reconnect the retrying AIClient performs
// after a drop (aiclient.Client.Run re-emits Opened on each successful
// redial). A reconnect always drops the session back to Configuring and
// clears aiConfigured, since the new socket has not seen session.update/
// session.updated yet; onInboundMedia stops forwarding audio to the AI
// provider the moment the state leaves Active, and resumes (via
// maybeEnterActive) only once a fresh session.updated arrives (§3).
func (s *Session) maybeEnterConfiguring(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateInitializing:
		// first connect, nothing to reset
	case StateConfiguring, StateReady, StateActive:
		s.mu.Lock()
		s.aiConfigured = false
		s.mu.Unlock()
	default:
		return
	}

	s.transitionTo(StateConfiguring)
	s.armStateTimeout(ctx, s.timeouts.AISessionReady, StateConfiguring)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.ai.SendSessionUpdate(cfg); err != nil {
		s.logger.Warn("session: failed to send session.update", zap.Error(err))
	}
	s.recordEvent(domain.DirectionOutgoing, "session.update", nil)
}

// maybeEnterActive transitions Ready -> Active once the AI session has been
// configured (a matching session.updated observed) and the telephony start
// frame has arrived (§4.5 rule 5). Active is reachable only from Ready: a
// start frame racing ahead of session.updated must not flip the state early,
// or bridgeInboundUlaw would forward input_audio_buffer.append to a
// provider session that never saw session.created/session.updated (§3).
func (s *Session) maybeEnterActive() {
	s.mu.Lock()
	ready := s.aiConfigured && s.telephonyStarted && s.state == StateReady
	var queued [][]byte
	if ready {
		queued = s.earlyAudio
		s.earlyAudio = nil
	}
	s.mu.Unlock()

	if !ready {
		return
	}
	s.transitionTo(StateActive)
	for _, ulaw := range queued {
		s.bridgeInboundUlaw(ulaw)
	}
}

func (s *Session) onAssistantAudioDelta(e aiclient.ResponseAudioDelta) {
	s.mu.Lock()
	if !s.assistantSpeaking {
		s.assistantSpeaking = true
		s.assistantAudioStart = time.Now()
	}
	s.assistantResponseID = e.ResponseID
	s.assistantItemID = e.ItemID
	s.mu.Unlock()

	raw, err := decodeBase64(e.Delta)
	if err != nil {
		s.logger.Warn("session: malformed assistant audio delta", zap.Error(err))
		return
	}

	pcm24k := codec.BytesToPCM16(raw)
	pcm8k := codec.Resample24kTo8k(pcm24k)

	s.mu.Lock()
	s.outSplitter.Append(pcm8k)
	chunks := s.outSplitter.DrainChunks()
	s.mu.Unlock()

	for _, chunk := range chunks {
		payload := encodeBase64(codec.EncodeMuLaw(chunk))
		if err := s.tel.SendMedia(payload); err != nil {
			s.logger.Warn("session: failed to send outbound media", zap.Error(err))
		}
	}

	// Fed once per delta at the provider's native 24kHz, not per 8kHz
	// outbound chunk, so the mixer records the assistant's real rate (§4.8).
	if s.rec != nil {
		if err := s.rec.AppendAssistant(pcm24k); err != nil {
			s.logger.Warn("session: failed to append assistant audio to recording", zap.Error(err))
		}
	}
}

func (s *Session) onAssistantAudioDone(e aiclient.ResponseAudioDone) {
	s.mu.Lock()
	s.assistantSpeaking = false
	s.mu.Unlock()

	if err := s.tel.SendMark(e.ResponseID); err != nil {
		s.logger.Warn("session: failed to send mark", zap.Error(err))
	}
}

func (s *Session) onUserSpeechStarted(e aiclient.SpeechStarted) {
	s.mu.Lock()
	s.userSpeaking = true
	wasAssistantSpeaking := s.assistantSpeaking
	responseID := s.assistantResponseID
	itemID := s.assistantItemID
	elapsedMs := int(time.Since(s.assistantAudioStart).Milliseconds())
	s.mu.Unlock()

	if !wasAssistantSpeaking {
		return
	}

	// Barge-in (§4.5 rule 4): clear the provider buffer first, then tell the
	// AI provider where playback was cut.
	if err := s.tel.SendClear(); err != nil {
		s.logger.Warn("session: barge-in clear failed", zap.Error(err))
	}
	s.recordEvent(domain.DirectionOutgoing, "clear", nil)

	if err := s.ai.SendTruncate(itemID, 0, elapsedMs); err != nil {
		s.logger.Warn("session: barge-in truncate failed", zap.Error(err))
	}
	s.recordEvent(domain.DirectionOutgoing, "conversation.item.truncate", map[string]interface{}{
		"response_id": responseID, "item_id": itemID, "audio_end_ms": elapsedMs,
	})

	s.mu.Lock()
	s.assistantSpeaking = false
	s.mu.Unlock()
}

func (s *Session) finalizeTranscript(speaker domain.Speaker, text string) {
	item := domain.TranscriptItem{
		ID:       uuid.NewString(),
		Speaker:  speaker,
		Text:     text,
		OffsetMs: time.Since(s.createdAt).Milliseconds(),
		IsFinal:  true,
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, item)
	if speaker == domain.SpeakerAssistant {
		s.pendingAssistantText = ""
	}
	s.mu.Unlock()

	if s.deps.Store != nil {
		s.deps.Store.WriteTranscriptItem(s.callID, item)
	}
	s.observers.Broadcast(domain.Event{
		ID: uuid.NewString(), SessionID: s.callID, Timestamp: nowUTC(),
		Type: "transcript.final", Direction: domain.DirectionIncoming,
		Payload: map[string]interface{}{"speaker": string(speaker), "text": text},
	})
}

func (s *Session) handleTelephonyEvent(ctx context.Context, ev interface{}) {
	switch e := ev.(type) {
	case telephony.Connected:
		s.recordEvent(domain.DirectionIncoming, "connected", map[string]interface{}{"protocol": e.Protocol})

	case telephony.Start:
		s.recordEvent(domain.DirectionIncoming, "start", map[string]interface{}{"stream_sid": e.StreamSID, "call_sid": e.CallSID})
		s.onTelephonyStart(e.CustomParameters)

	case telephony.Media:
		if e.Track != "inbound" {
			return
		}
		s.onInboundMedia(e)

	case telephony.Mark:
		s.recordEvent(domain.DirectionIncoming, "mark", map[string]interface{}{"name": e.Name})

	case telephony.Stop:
		s.recordEvent(domain.DirectionIncoming, "stop", map[string]interface{}{"call_sid": e.CallSID})
		s.endSession(domain.EndReasonTelephonyStop, "telephony stop frame")

	case telephony.DTMF:
		s.recordEvent(domain.DirectionIncoming, "dtmf", map[string]interface{}{"digit": e.Digit})
		s.observers.Broadcast(domain.Event{
			ID: uuid.NewString(), SessionID: s.callID, Timestamp: nowUTC(),
			Type: "dtmf", Direction: domain.DirectionIncoming,
			Payload: map[string]interface{}{"digit": e.Digit},
		})

	case telephony.Closed:
		if e.Err != nil {
			s.endSession(domain.EndReasonTelephonyStop, "telephony socket closed: "+e.Err.Error())
		} else {
			s.endSession(domain.EndReasonTelephonyStop, "telephony socket closed")
		}
	}
}

func (s *Session) onTelephonyStart(customParams map[string]interface{}) {
	s.mu.Lock()
	s.telephonyStarted = true
	state := s.state
	s.mu.Unlock()

	if instructions, ok := resolveInstructionsFromCustomParams(customParams); ok {
		s.mu.Lock()
		s.cfg.Instructions = instructions
		cfg := s.cfg
		s.mu.Unlock()

		// The AI session may already have been configured by the time the
		// telephony start frame carrying customParameters arrives (the two
		// race independently); resend session.update so the resolved
		// instructions actually reach the provider.
		if state != StateInitializing {
			if err := s.ai.SendSessionUpdate(cfg); err != nil {
				s.logger.Warn("session: failed to resend session.update with resolved instructions", zap.Error(err))
			} else {
				s.recordEvent(domain.DirectionOutgoing, "session.update", map[string]interface{}{"reason": "custom_params_resolved"})
			}
		}
	}

	// Active is only entered once the AI session is configured too (§4.5
	// rule 5); if session.updated has not arrived yet, the call stays on
	// the early-audio buffering path until maybeEnterActive is retried from
	// the session.updated handler.
	s.maybeEnterActive()
}

// resolveInstructionsFromCustomParams builds a Configuration.Instructions
// value out of the telephony start frame's customParameters, generalizing
// the source integration's persona/system-prompt construction: a caller can
// hand a persona name, age, tone, gender, city, language, reference
// documents and customer name through the telephony provider's custom
// parameters instead of calling the config API separately.
func resolveInstructionsFromCustomParams(params map[string]interface{}) (string, bool) {
	if len(params) == 0 {
		return "", false
	}

	get := func(key string) string {
		v, ok := params[key]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	personaName := get("persona_name")
	personaAge := get("persona_age")
	tone := get("tone")
	gender := get("gender")
	city := get("city")
	language := get("language")
	documents := get("documents")
	customerName := get("customer_name")

	if personaName == "" && tone == "" && customerName == "" && documents == "" {
		return "", false
	}

	instructions := "You are"
	if personaName != "" {
		instructions += " " + personaName
	} else {
		instructions += " a helpful voice assistant"
	}
	if personaAge != "" {
		instructions += ", age " + personaAge
	}
	if gender != "" {
		instructions += ", " + gender
	}
	if city != "" {
		instructions += ", based in " + city
	}
	instructions += "."
	if tone != "" {
		instructions += " Speak in a " + tone + " tone."
	}
	if language != "" {
		instructions += " Respond in " + language + "."
	}
	if customerName != "" {
		instructions += " You are speaking with " + customerName + "."
	}
	if documents != "" {
		instructions += " Ground your answers in the following reference material: " + documents
	}

	return instructions, true
}

func (s *Session) onInboundMedia(e telephony.Media) {
	raw, err := decodeBase64(e.Payload)
	if err != nil {
		s.recordEvent(domain.DirectionIncoming, "media.invalid", map[string]interface{}{"error": err.Error()})
		return
	}

	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()

	if !active {
		s.bufferEarlyAudio(raw)
		return
	}

	s.bridgeInboundUlaw(raw)
}

func (s *Session) bufferEarlyAudio(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budgetFrames := s.earlyAudioFrameBudget()
	if len(s.earlyAudio) >= budgetFrames {
		s.earlyAudio = s.earlyAudio[1:]
		s.logger.Warn("session: early audio buffer overflow, dropping oldest frame", zap.String("call_id", s.callID))
	}
	s.earlyAudio = append(s.earlyAudio, raw)
}

func (s *Session) earlyAudioFrameBudget() int {
	ms := s.deps.EarlyAudioBufferMs
	if ms <= 0 {
		ms = 2000
	}
	return ms / 20
}

// bridgeInboundUlaw implements bridging rule 1 (§4.5): decode, resample,
// re-encode, forward, with no batching to preserve 20ms cadence.
func (s *Session) bridgeInboundUlaw(raw []byte) {
	pcm8k := codec.DecodeMuLaw(raw)
	pcm24k := codec.Resample8kTo24k(pcm8k)
	payload := encodeBase64(codec.PCM16ToBytes(pcm24k))

	if s.rec != nil {
		if err := s.rec.AppendCaller(pcm24k); err != nil {
			s.logger.Warn("session: failed to append caller audio to recording", zap.Error(err))
		}
	}

	if err := s.ai.SendAudioAppend(payload); err != nil {
		s.logger.Warn("session: failed to forward inbound audio", zap.Error(err))
		return
	}
	s.recordEvent(domain.DirectionOutgoing, "input_audio_buffer.append", nil)
}

func nowUTC() time.Time { return time.Now().UTC() }
