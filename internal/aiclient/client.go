// Package aiclient speaks the AI provider's real-time JSON-over-WebSocket
// protocol on behalf of one Session (§4.3). Unlike the telephony client,
// this connection is client-initiated: the process dials out to the
// provider and reconnects with backoff if the socket drops without a fatal
// error.
package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/pkg/bridgeerr"
	"github.com/troikatech/voicebridge/pkg/circuitbreaker"
	"github.com/troikatech/voicebridge/pkg/retry"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// NotConnected is returned by Send when the socket is not currently open.
var NotConnected = bridgeerr.New(bridgeerr.TransportFailure, "aiclient.send")

// Config parameterises one Client's connection to the AI provider.
type Config struct {
	URL            string
	APIKey         string
	Model          string
	ConnectTimeout time.Duration

	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int
}

// Client owns one WebSocket to the AI provider for the lifetime of a
// Session.
type Client struct {
	cfg    Config
	logger *zap.Logger
	cb     *circuitbreaker.CircuitBreaker

	events chan interface{}

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Client; Run must be called to actually connect.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap == 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		cb: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.ReconnectAttempts,
			SuccessThreshold: 1,
			Timeout:          cfg.ReconnectCap,
			ResetTimeout:     2 * cfg.ReconnectCap,
		}),
		events: make(chan interface{}, 256),
		closed: make(chan struct{}),
	}
}

// Events returns the channel of inbound events described in §4.3, plus a
// terminal Disconnected when the reconnect budget is exhausted.
func (c *Client) Events() <-chan interface{} {
	return c.events
}

// Run connects and drives the client until ctx is cancelled or the
// reconnect budget is exhausted. It blocks; callers run it in its own
// goroutine.
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)

	attempt := 0
	retryCfg := retry.Config{
		MaxAttempts:  c.cfg.ReconnectAttempts,
		InitialDelay: c.cfg.ReconnectBase,
		MaxDelay:     c.cfg.ReconnectCap,
		Multiplier:   2.0,
		Jitter:       true,
	}

	err := retry.Do(ctx, retryCfg, func() error {
		attempt++
		if attempt > 1 {
			c.logger.Warn("aiclient: reconnecting", zap.Int("attempt", attempt))
		}
		return c.connectAndServe(ctx)
	})

	select {
	case <-c.closed:
		return // deliberate Close(), not a failure
	default:
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.events <- Disconnected{Fatal: true, Err: bridgeerr.Wrap(bridgeerr.TransportFailure, "aiclient.run", err)}
	}
}

// connectAndServe dials once and serves the connection until it closes. A
// nil return means the client was closed deliberately (Close or ctx
// cancellation); a non-nil return means the socket dropped and a reconnect
// should be attempted.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	dialURL := c.cfg.URL
	if c.cfg.Model != "" {
		if u, err := url.Parse(dialURL); err == nil {
			q := u.Query()
			q.Set("model", c.cfg.Model)
			u.RawQuery = q.Encode()
			dialURL = u.String()
		}
	}

	var conn *websocket.Conn
	err := c.cb.Execute(dialCtx, func() error {
		var dialErr error
		conn, _, dialErr = websocket.DefaultDialer.DialContext(dialCtx, dialURL, header)
		return dialErr
	})
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	c.events <- Opened{}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.dispatch(message)
		}
	}()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-pingTicker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("aiclient: malformed event", zap.Error(err))
		return
	}

	switch env.Type {
	case "session.created":
		var f struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		json.Unmarshal(message, &f)
		c.events <- SessionCreated{SessionID: f.Session.ID}

	case "session.updated":
		c.events <- SessionUpdated{}

	case "response.audio.delta":
		var f struct {
			ResponseID string `json:"response_id"`
			ItemID     string `json:"item_id"`
			Delta      string `json:"delta"`
		}
		json.Unmarshal(message, &f)
		c.events <- ResponseAudioDelta{ResponseID: f.ResponseID, ItemID: f.ItemID, Delta: f.Delta}

	case "response.audio.done":
		var f struct {
			ResponseID string `json:"response_id"`
			ItemID     string `json:"item_id"`
		}
		json.Unmarshal(message, &f)
		c.events <- ResponseAudioDone{ResponseID: f.ResponseID, ItemID: f.ItemID}

	case "response.audio_transcript.delta":
		var f struct {
			ResponseID string `json:"response_id"`
			Delta      string `json:"delta"`
		}
		json.Unmarshal(message, &f)
		c.events <- ResponseAudioTranscriptDelta{ResponseID: f.ResponseID, Delta: f.Delta}

	case "response.audio_transcript.done":
		var f struct {
			ResponseID string `json:"response_id"`
			Transcript string `json:"transcript"`
		}
		json.Unmarshal(message, &f)
		c.events <- ResponseAudioTranscriptDone{ResponseID: f.ResponseID, Transcript: f.Transcript}

	case "conversation.item.input_audio_transcription.completed":
		var f struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		json.Unmarshal(message, &f)
		c.events <- InputAudioTranscriptionCompleted{ItemID: f.ItemID, Transcript: f.Transcript}

	case "input_audio_buffer.speech_started":
		var f struct {
			ItemID       string `json:"item_id"`
			AudioStartMs int    `json:"audio_start_ms"`
		}
		json.Unmarshal(message, &f)
		c.events <- SpeechStarted{ItemID: f.ItemID, AudioStartMs: f.AudioStartMs}

	case "input_audio_buffer.speech_stopped":
		var f struct {
			ItemID string `json:"item_id"`
		}
		json.Unmarshal(message, &f)
		c.events <- SpeechStopped{ItemID: f.ItemID}

	case "error":
		var f struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.Unmarshal(message, &f)
		c.events <- ErrorEvent{
			Code:    f.Error.Code,
			Message: f.Error.Message,
			Fatal:   isFatalErrorCode(f.Error.Code),
		}

	default:
		c.events <- Unknown{Type: env.Type, Raw: json.RawMessage(message)}
	}
}

// SendSessionUpdate pushes the resolved configuration. The Session sends it
// each time the socket reports open, and again when custom parameters from
// the telephony start frame change the configuration.
func (c *Client) SendSessionUpdate(cfg domain.Configuration) error {
	session := map[string]interface{}{
		"instructions":         cfg.Instructions,
		"voice":                string(cfg.Voice),
		"input_audio_format":   "pcm16",
		"output_audio_format":  "pcm16",
		"turn_detection":       turnDetectionWire(cfg.TurnDetection),
	}
	if cfg.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]interface{}{
			"model": cfg.TranscriptionModel,
		}
	}
	if cfg.Model != "" {
		session["model"] = cfg.Model
	}

	return c.send(map[string]interface{}{
		"type":    "session.update",
		"session": session,
	})
}

func turnDetectionWire(td domain.TurnDetection) map[string]interface{} {
	switch td.Mode {
	case domain.TurnDetectionSemanticVAD:
		return map[string]interface{}{
			"type":            "semantic_vad",
			"eagerness":       td.Eagerness,
			"create_response": td.CreateResponse,
		}
	default:
		return map[string]interface{}{
			"type":                "server_vad",
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
			"create_response":     td.CreateResponse,
		}
	}
}

// SendAudioAppend forwards one base64 PCM16 24kHz frame, sent roughly every
// 20ms while the call has audio.
func (c *Client) SendAudioAppend(base64Audio string) error {
	return c.send(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64Audio,
	})
}

// SendTruncate tells the provider the current response was interrupted at
// audioEndMs into its playback; used on barge-in.
func (c *Client) SendTruncate(itemID string, contentIndex, audioEndMs int) error {
	return c.send(map[string]interface{}{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMs,
	})
}

// SendCommit, SendResponseCreate, and SendResponseCancel are only needed
// under semantic VAD, where the provider does not auto-commit the input
// buffer.
func (c *Client) SendCommit() error {
	return c.send(map[string]interface{}{"type": "input_audio_buffer.commit"})
}

func (c *Client) SendResponseCreate() error {
	return c.send(map[string]interface{}{"type": "response.create"})
}

func (c *Client) SendResponseCancel() error {
	return c.send(map[string]interface{}{"type": "response.cancel"})
}

func (c *Client) send(msg map[string]interface{}) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return NotConnected
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection, if any, and stops Run's reconnect
// loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.connMu.Unlock()
	})
	return err
}
