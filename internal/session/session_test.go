package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/aiclient"
	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/internal/registry"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
)

// testRig wires a Session to an in-process telephony server connection and
// an in-process AI provider server connection, the same way the real
// composition root does, but over httptest loopback sockets.
type testRig struct {
	sess    *Session
	telConn *websocket.Conn // the "client" side the test drives as the telephony provider
	cleanup func()
}

func newTestRig(t *testing.T, aiOnConnect func(conn *websocket.Conn)) *testRig {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var telServerConn *websocket.Conn
	telReady := make(chan struct{})
	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("telephony upgrade: %v", err)
			return
		}
		telServerConn = conn
		close(telReady)
		<-r.Context().Done()
	}))
	telURL := "ws" + strings.TrimPrefix(telSrv.URL, "http")
	telClientConn, _, err := websocket.DefaultDialer.Dial(telURL, nil)
	if err != nil {
		t.Fatalf("telephony dial: %v", err)
	}
	<-telReady

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("ai upgrade: %v", err)
			return
		}
		if aiOnConnect != nil {
			aiOnConnect(conn)
		}
		<-r.Context().Done()
	}))
	aiURL := "ws" + strings.TrimPrefix(aiSrv.URL, "http")

	logger := zap.NewNop()
	tel := telephony.NewClient(telServerConn, logger)
	ai := aiclient.New(aiclient.Config{URL: aiURL, APIKey: "test-key"}, logger)

	reg := registry.New(logger, nil)
	st := store.New(nil, logger)

	deps := Deps{Registry: reg, Store: st, Logger: logger, EventLogCap: 100, EarlyAudioBufferMs: 2000}
	timeouts := Timeouts{Configuring: 2 * time.Second, ReadyActive: 2 * time.Second, AISessionReady: 2 * time.Second}

	sess := New("call-1", domain.CallDirectionInbound, "+15555550100", domain.DefaultConfiguration(), tel, ai, timeouts, deps)
	reg.CreateIfAbsent(sess.CallID(), sess)

	cleanup := func() {
		telClientConn.Close()
		telSrv.Close()
		aiSrv.Close()
		st.Close(time.Second)
	}

	return &testRig{sess: sess, telConn: telClientConn, cleanup: cleanup}
}

func TestSession_HappyPathStateMachine(t *testing.T) {
	rig := newTestRig(t, func(conn *websocket.Conn) {
		// Read the session.update the Session sends on Opened, then reply.
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
	})
	defer rig.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sess.Run(ctx)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateReady }, "session never reached Ready")

	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ123","start":{"streamSid":"MZ123","callSid":"CA123","tracks":["inbound","outbound"]}}`))

	waitUntil(t, func() bool { return rig.sess.currentState() == StateActive }, "session never reached Active")
}

func TestSession_EarlyAudioBufferedAndReplayed(t *testing.T) {
	replayed := make(chan struct{}, 1)
	rig := newTestRig(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // session.update
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
		for i := 0; i < 5; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "input_audio_buffer.append") {
				select {
				case replayed <- struct{}{}:
				default:
				}
			}
		}
	})
	defer rig.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sess.Run(ctx)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateReady }, "session never reached Ready")

	// Media arrives before Start: must be buffered, not forwarded.
	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","streamSid":"","media":{"track":"inbound","payload":"//////////////////////////////////8="}}`))

	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ123","start":{"streamSid":"MZ123","callSid":"CA123","tracks":["inbound","outbound"]}}`))

	select {
	case <-replayed:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered early audio was never replayed after start")
	}
}

func TestSession_StopEndsSessionAndRemovesFromRegistry(t *testing.T) {
	rig := newTestRig(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
	})
	defer rig.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sess.Run(ctx)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateReady }, "session never reached Ready")

	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ123","stop":{"callSid":"CA123"}}`))

	select {
	case <-rig.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated after stop")
	}

	if rig.sess.EndReason() != domain.EndReasonTelephonyStop {
		t.Fatalf("end reason = %s, want %s", rig.sess.EndReason(), domain.EndReasonTelephonyStop)
	}
	if !rig.sess.IsEnded() {
		t.Fatal("IsEnded() = false after termination")
	}
}

func TestSession_ConfiguringTimeoutEndsSessionWithTimeoutReason(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var telServerConn *websocket.Conn
	telReady := make(chan struct{})
	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		telServerConn = conn
		close(telReady)
		<-r.Context().Done()
	}))
	defer telSrv.Close()
	telURL := "ws" + strings.TrimPrefix(telSrv.URL, "http")
	telClientConn, _, err := websocket.DefaultDialer.Dial(telURL, nil)
	if err != nil {
		t.Fatalf("telephony dial: %v", err)
	}
	defer telClientConn.Close()
	<-telReady

	logger := zap.NewNop()
	tel := telephony.NewClient(telServerConn, logger)
	// AI dial target deliberately unreachable: the socket never opens, and
	// the reconnect backoff outlasts the Configuring timeout so the budget
	// is not exhausted first; the session times out waiting to leave
	// Initializing.
	ai := aiclient.New(aiclient.Config{URL: "ws://127.0.0.1:1/never", ReconnectAttempts: 5, ReconnectBase: time.Second, ReconnectCap: time.Second}, logger)

	reg := registry.New(logger, nil)
	st := store.New(nil, logger)
	defer st.Close(time.Second)

	deps := Deps{Registry: reg, Store: st, Logger: logger, EventLogCap: 100}
	timeouts := Timeouts{Configuring: 100 * time.Millisecond, ReadyActive: time.Second, AISessionReady: time.Second}

	sess := New("call-timeout", domain.CallDirectionInbound, "+15555550100", domain.DefaultConfiguration(), tel, ai, timeouts, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated on configuring timeout")
	}
	if sess.EndReason() != domain.EndReasonTimeout {
		t.Fatalf("end reason = %s, want %s", sess.EndReason(), domain.EndReasonTimeout)
	}
}

func TestSession_StartCustomParamsResolveInstructionsAndResendSessionUpdate(t *testing.T) {
	updateCount := make(chan string, 4)
	rig := newTestRig(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			updateCount <- string(msg)
			if i == 0 {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
			}
		}
	})
	defer rig.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sess.Run(ctx)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateReady }, "session never reached Ready")

	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ123","start":{"streamSid":"MZ123","callSid":"CA123","tracks":["inbound","outbound"],"customParameters":{"persona_name":"Asha","tone":"friendly","customer_name":"Rahul"}}}`))

	waitUntil(t, func() bool { return rig.sess.currentState() == StateActive }, "session never reached Active")

	select {
	case <-updateCount: // initial session.update sent on Opened, before customParameters arrived
	case <-time.After(2 * time.Second):
		t.Fatal("session never sent the initial session.update")
	}

	select {
	case resent := <-updateCount:
		if !strings.Contains(resent, "Asha") {
			t.Fatalf("resent session.update = %s, want it to carry resolved instructions", resent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session never resent session.update after custom parameters arrived")
	}

	rig.sess.mu.Lock()
	instructions := rig.sess.cfg.Instructions
	rig.sess.mu.Unlock()
	if !strings.Contains(instructions, "Rahul") {
		t.Fatalf("session.cfg.Instructions = %q, want it to mention Rahul", instructions)
	}
}

func TestSession_StartBeforeSessionUpdatedBuffersUntilConfigured(t *testing.T) {
	allowUpdate := make(chan struct{})
	rig := newTestRig(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // initial session.update
		<-allowUpdate
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
	})
	defer rig.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sess.Run(ctx)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateConfiguring }, "session never reached Configuring")

	// The start frame races ahead of session.updated: the session must stay
	// on the early-audio path, not jump straight to Active.
	rig.telConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ123","start":{"streamSid":"MZ123","callSid":"CA123","tracks":["inbound","outbound"]}}`))

	time.Sleep(100 * time.Millisecond)
	if rig.sess.currentState() == StateActive {
		t.Fatal("session entered Active before session.updated was observed")
	}

	close(allowUpdate)

	waitUntil(t, func() bool { return rig.sess.currentState() == StateActive }, "session never reached Active once session.updated arrived")
}

func TestSession_AIReconnectResetsConfiguredBeforeResumingAudio(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var telServerConn *websocket.Conn
	telReady := make(chan struct{})
	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		telServerConn = conn
		close(telReady)
		<-r.Context().Done()
	}))
	defer telSrv.Close()
	telURL := "ws" + strings.TrimPrefix(telSrv.URL, "http")
	telClientConn, _, err := websocket.DefaultDialer.Dial(telURL, nil)
	if err != nil {
		t.Fatalf("telephony dial: %v", err)
	}
	defer telClientConn.Close()
	<-telReady

	var connNum int32
	closeFirst := make(chan struct{})
	allowSecondUpdated := make(chan struct{})
	sawAudioOnSecondConn := make(chan struct{}, 1)

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&connNum, 1) == 1 {
			conn.ReadMessage() // first session.update
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
			<-closeFirst
			conn.Close()
			return
		}

		// Reconnect: a fresh session.update must arrive before this
		// connection replies session.updated, and no audio must reach it
		// until it does.
		conn.ReadMessage()
		<-allowSecondUpdated
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "input_audio_buffer.append") {
				select {
				case sawAudioOnSecondConn <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer aiSrv.Close()
	aiURL := "ws" + strings.TrimPrefix(aiSrv.URL, "http")

	logger := zap.NewNop()
	tel := telephony.NewClient(telServerConn, logger)
	ai := aiclient.New(aiclient.Config{
		URL: aiURL, ReconnectAttempts: 3, ReconnectBase: 10 * time.Millisecond, ReconnectCap: 20 * time.Millisecond,
	}, logger)

	reg := registry.New(logger, nil)
	st := store.New(nil, logger)
	defer st.Close(time.Second)

	deps := Deps{Registry: reg, Store: st, Logger: logger, EventLogCap: 100, EarlyAudioBufferMs: 2000}
	timeouts := Timeouts{Configuring: 5 * time.Second, ReadyActive: 5 * time.Second, AISessionReady: 5 * time.Second}
	sess := New("call-reconnect", domain.CallDirectionInbound, "+15555550100", domain.DefaultConfiguration(), tel, ai, timeouts, deps)
	reg.CreateIfAbsent(sess.CallID(), sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	waitUntil(t, func() bool { return sess.currentState() == StateReady }, "session never reached Ready on first connect")

	telClientConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","tracks":["inbound","outbound"]}}`))
	waitUntil(t, func() bool { return sess.currentState() == StateActive }, "session never reached Active on first connect")

	// Drop the AI connection: the reconnecting client re-dials, and the
	// session must drop out of Active until the new socket's
	// session.updated is observed (§3).
	close(closeFirst)
	waitUntil(t, func() bool { return sess.currentState() != StateActive }, "session stayed Active across an AI reconnect")

	telClientConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//////////////////////////////////8="}}`))

	select {
	case <-sawAudioOnSecondConn:
		t.Fatal("audio reached the reconnected AI session before its session.updated was observed")
	case <-time.After(200 * time.Millisecond):
	}

	close(allowSecondUpdated)

	waitUntil(t, func() bool { return sess.currentState() == StateActive }, "session never returned to Active once the reconnected AI session was configured")

	select {
	case <-sawAudioOnSecondConn:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered audio was never replayed to the reconnected AI session")
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
