package telephony

// Inbound frame shapes, one per "event" tag (§6). All fields are the exact
// wire names the telephony provider uses; decoding is two-pass: first the
// envelope to read Event, then the event-specific struct.

type envelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
}

type connectedFrame struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type startFrame struct {
	Event string `json:"event"`
	Start struct {
		StreamSID        string                 `json:"streamSid"`
		CallSID          string                 `json:"callSid"`
		Tracks           []string               `json:"tracks"`
		CustomParameters map[string]interface{} `json:"customParameters"`
	} `json:"start"`
}

type mediaFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

type markFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type stopFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Stop      struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

type dtmfFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	DTMF      struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// outbound frame builders

func buildOutboundMedia(streamSID, payload string) map[string]interface{} {
	return map[string]interface{}{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]interface{}{
			"payload": payload,
		},
	}
}

func buildOutboundMark(streamSID, name string) map[string]interface{} {
	return map[string]interface{}{
		"event":     "mark",
		"streamSid": streamSID,
		"mark": map[string]interface{}{
			"name": name,
		},
	}
}

func buildOutboundClear(streamSID string) map[string]interface{} {
	return map[string]interface{}{
		"event":     "clear",
		"streamSid": streamSID,
	}
}
