package aiclient

import "encoding/json"

// Inbound event variants, one per entry in the table the Session must
// consume (§4.3). Unrecognised message types are delivered as Unknown.

// Opened is emitted once the WebSocket dial succeeds, before any message
// has been received from the provider. The Session uses it as the "AI
// socket open" signal for the Initializing -> Configuring transition.
type Opened struct{}

type SessionCreated struct {
	SessionID string
}

type SessionUpdated struct{}

type ResponseAudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string // base64 PCM16 24kHz
}

type ResponseAudioDone struct {
	ResponseID string
	ItemID     string
}

type ResponseAudioTranscriptDelta struct {
	ResponseID string
	Delta      string
}

type ResponseAudioTranscriptDone struct {
	ResponseID string
	Transcript string
}

type InputAudioTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type SpeechStarted struct {
	ItemID      string
	AudioStartMs int
}

type SpeechStopped struct {
	ItemID string
}

type ErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

// Unknown carries any event type the Session has no specific handling for;
// it is recorded into the event log with no further action.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// Disconnected is emitted once, terminally, when the reconnect budget is
// exhausted. It is not emitted after Close or after ctx is cancelled.
type Disconnected struct {
	Fatal bool
	Err   error
}

// fatalErrorCodes are AI-provider error codes that terminate the session
// rather than being logged and ignored (auth and quota failures cannot
// self-resolve with a retry).
var fatalErrorCodes = map[string]bool{
	"invalid_api_key":      true,
	"insufficient_quota":   true,
	"authentication_error": true,
}

func isFatalErrorCode(code string) bool {
	return fatalErrorCodes[code]
}
