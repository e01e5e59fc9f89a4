// Package domain holds the data types shared by every component that
// touches a call session: the two upstream clients, the orchestrator, the
// registry, the observer hub, and the storage layer.
package domain

import "time"

// Direction distinguishes an Event's origin relative to the Session.
type Direction string

const (
	DirectionIncoming Direction = "incoming" // from an upstream (telephony or AI)
	DirectionOutgoing Direction = "outgoing" // to an upstream
)

// Event is the append-only wrapper recorded for every upstream message in
// either direction, fanned out to the event log, ObserverHub, and storage.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Direction Direction              `json:"direction"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Speaker identifies who produced a TranscriptItem.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptItem is one finalised or in-progress utterance.
type TranscriptItem struct {
	ID          string  `json:"id"`
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
	OffsetMs    int64   `json:"offset_ms"` // monotonic ms from session start
	IsFinal     bool    `json:"is_final"`
}

// TurnDetectionMode selects between the two VAD strategies the AI provider
// supports.
type TurnDetectionMode string

const (
	TurnDetectionServerVAD   TurnDetectionMode = "server_vad"
	TurnDetectionSemanticVAD TurnDetectionMode = "semantic_vad"
)

// TurnDetection resolves to exactly one of its two shapes, selected by Mode.
type TurnDetection struct {
	Mode TurnDetectionMode `json:"mode"`

	// ServerVAD fields
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`

	// SemanticVAD fields
	Eagerness string `json:"eagerness,omitempty"` // low | medium | high | auto

	CreateResponse bool `json:"create_response"`
}

// DefaultTurnDetection is serverVAD(0.5, 300ms, 500ms, true) per spec default.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Mode:              TurnDetectionServerVAD,
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
		CreateResponse:    true,
	}
}

// Voice is a closed enum of AI-provider voices.
type Voice string

const (
	VoiceMarin  Voice = "marin"
	VoiceCedar  Voice = "cedar"
	VoiceAlloy  Voice = "alloy"
	VoiceEcho   Voice = "echo"
	VoiceShimmer Voice = "shimmer"
	VoiceAsh    Voice = "ash"
	VoiceBallad Voice = "ballad"
	VoiceCoral  Voice = "coral"
	VoiceSage   Voice = "sage"
	VoiceVerse  Voice = "verse"
)

// ValidVoice reports whether v is one of the closed enum of voices.
func ValidVoice(v Voice) bool {
	switch v {
	case VoiceMarin, VoiceCedar, VoiceAlloy, VoiceEcho, VoiceShimmer,
		VoiceAsh, VoiceBallad, VoiceCoral, VoiceSage, VoiceVerse:
		return true
	}
	return false
}

// Configuration is the resolved per-session AI configuration (§3).
type Configuration struct {
	Instructions       string        `json:"instructions"`
	Voice              Voice         `json:"voice"`
	TurnDetection      TurnDetection `json:"turn_detection"`
	TranscriptionModel string        `json:"transcription_model,omitempty"`
	Model              string        `json:"model,omitempty"`
}

// DefaultConfiguration is the system default applied when neither a prompt
// id nor an inline configuration is supplied at session creation.
func DefaultConfiguration() Configuration {
	return Configuration{
		Instructions:  "You are a helpful voice assistant.",
		Voice:         VoiceMarin,
		TurnDetection: DefaultTurnDetection(),
	}
}

// Direction of a call relative to the telephony provider.
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// MediaFrame is one 20ms audio frame moving through the bridging pipeline.
// Exactly one of Ulaw or PCM16k24 is populated, depending on which side of
// the codec boundary it was observed.
type MediaFrame struct {
	StreamSID string
	FrameIdx  uint64
	Ulaw      []byte  // 160 bytes, 8kHz
	PCM24k    []int16 // 480 samples, 24kHz
}

// EndReason enumerates why a Session reached Ended.
type EndReason string

const (
	EndReasonTelephonyStop    EndReason = "telephony_stop"
	EndReasonAITransportError EndReason = "ai_transport_error"
	EndReasonExplicitRequest  EndReason = "explicit_request"
	EndReasonInternalError    EndReason = "internal_error"
	EndReasonTimeout          EndReason = "timeout"
	EndReasonShutdown         EndReason = "shutdown"
)
