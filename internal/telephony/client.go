// Package telephony speaks the telephony provider's media-stream WebSocket
// protocol on behalf of one Session (§4.4). Unlike the AI client, the
// connection here is server-accepted: the provider dials in, and the gin
// handler upgrades the HTTP request before handing the resulting
// *websocket.Conn to NewClient.
package telephony

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/bridgeerr"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// outboundQueueBound caps frames queued before streamSid is known: 2s of
	// 20ms frames.
	outboundQueueBound = 100
)

// Connected mirrors the telephony provider's handshake frame.
type Connected struct {
	Protocol string
	Version  string
}

// Start carries the stream identifier and call metadata. It MUST be the
// first frame referencing a given call.
type Start struct {
	StreamSID        string
	CallSID          string
	Tracks           []string
	CustomParameters map[string]interface{}
}

// Media carries one inbound 20ms frame of base64 µ-law audio.
type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

// Mark acknowledges a previously sent outbound mark by name.
type Mark struct {
	StreamSID string
	Name      string
}

// Stop signals the call ended from the telephony side.
type Stop struct {
	StreamSID string
	CallSID   string
}

// DTMF is one received keypad digit.
type DTMF struct {
	StreamSID string
	Digit     string
}

// Closed is emitted once, terminally, when the read pump exits.
type Closed struct {
	Err error
}

// NotConnected is returned by Send* calls made after the client has closed.
var NotConnected = bridgeerr.New(bridgeerr.TransportFailure, "telephony.send")

// Client owns one server-accepted WebSocket to the telephony provider.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	events chan interface{}

	mu        sync.Mutex
	streamSID string
	// queue holds outbound frame builders queued before streamSid is known;
	// each is invoked with the real streamSid at flush time so the frame
	// that actually goes out never carries a blank one (§4.4).
	queue []func(streamSID string) map[string]interface{}

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an already-upgraded WebSocket connection.
func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger,
		events: make(chan interface{}, 256),
		closed: make(chan struct{}),
	}
}

// Events returns the channel of inbound events: Connected, Start, Media,
// Mark, Stop, DTMF, or a terminal Closed.
func (c *Client) Events() <-chan interface{} {
	return c.events
}

// StreamSID returns the stream identifier captured from the Start frame, or
// "" if none has arrived yet.
func (c *Client) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// Run drives the read pump and ping ticker until the connection closes or
// ctx is cancelled. It blocks; callers run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			messageType, message, err := c.conn.ReadMessage()
			if err != nil {
				c.events <- Closed{Err: bridgeerr.Wrap(bridgeerr.TransportFailure, "telephony.read", err)}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			c.dispatch(message)
		}
	}()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			<-readDone
			return
		case <-readDone:
			return
		case <-pingTicker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("telephony ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("telephony: malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case "connected":
		var f connectedFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed connected frame", zap.Error(err))
			return
		}
		c.events <- Connected{Protocol: f.Protocol, Version: f.Version}

	case "start":
		var f startFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed start frame", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.streamSID = f.Start.StreamSID
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, build := range queued {
			raw, err := json.Marshal(build(f.Start.StreamSID))
			if err != nil {
				c.logger.Warn("telephony: failed to marshal queued outbound frame", zap.Error(err))
				continue
			}
			c.writeJSON(raw)
		}

		c.events <- Start{
			StreamSID:        f.Start.StreamSID,
			CallSID:          f.Start.CallSID,
			Tracks:           f.Start.Tracks,
			CustomParameters: f.Start.CustomParameters,
		}

	case "media":
		var f mediaFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed media frame", zap.Error(err))
			return
		}
		c.events <- Media{
			StreamSID: f.StreamSID,
			Track:     f.Media.Track,
			Chunk:     f.Media.Chunk,
			Timestamp: f.Media.Timestamp,
			Payload:   f.Media.Payload,
		}

	case "mark":
		var f markFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed mark frame", zap.Error(err))
			return
		}
		c.events <- Mark{StreamSID: f.StreamSID, Name: f.Mark.Name}

	case "stop":
		var f stopFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed stop frame", zap.Error(err))
			return
		}
		c.events <- Stop{StreamSID: f.StreamSID, CallSID: f.Stop.CallSID}

	case "dtmf":
		var f dtmfFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("telephony: malformed dtmf frame", zap.Error(err))
			return
		}
		c.events <- DTMF{StreamSID: f.StreamSID, Digit: f.DTMF.Digit}

	default:
		c.logger.Debug("telephony: unknown event", zap.String("event", env.Event))
	}
}

// SendMedia plays a base64 µ-law payload to the caller. Before streamSid is
// known, the frame is queued (bounded, drop-oldest); once Start has been
// observed it is flushed immediately.
func (c *Client) SendMedia(payload string) error {
	return c.sendOrQueue(func(streamSID string) map[string]interface{} {
		return buildOutboundMedia(streamSID, payload)
	})
}

// SendMark requests an acknowledgement frame once name has finished playing.
func (c *Client) SendMark(name string) error {
	return c.sendOrQueue(func(streamSID string) map[string]interface{} {
		return buildOutboundMark(streamSID, name)
	})
}

// SendClear drops all outbound buffered audio at the provider, used on
// barge-in.
func (c *Client) SendClear() error {
	return c.sendOrQueue(func(streamSID string) map[string]interface{} {
		return buildOutboundClear(streamSID)
	})
}

// sendOrQueue either writes build's frame immediately, stamped with the
// already-known streamSid, or queues build itself so the real streamSid can
// be stamped in at flush time instead of being baked in as "" (§4.4).
func (c *Client) sendOrQueue(build func(streamSID string) map[string]interface{}) error {
	c.mu.Lock()
	if c.streamSID == "" {
		if len(c.queue) >= outboundQueueBound {
			c.logger.Warn("telephony: outbound queue overflow, dropping oldest frame")
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, build)
		c.mu.Unlock()
		return nil
	}
	streamSID := c.streamSID
	c.mu.Unlock()

	raw, err := json.Marshal(build(streamSID))
	if err != nil {
		return err
	}
	return c.writeJSON(raw)
}

func (c *Client) writeJSON(raw []byte) error {
	select {
	case <-c.closed:
		return NotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
