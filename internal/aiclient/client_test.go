package aiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

func newTestProvider(t *testing.T, onConnect func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		onConnect(conn)
	}))
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/never"}, zap.NewNop())
	if err := c.SendAudioAppend("AAAA"); err != NotConnected {
		t.Fatalf("SendAudioAppend before connect: %v, want NotConnected", err)
	}
}

func TestClient_SessionCreatedEvent(t *testing.T) {
	done := make(chan struct{})
	srv := newTestProvider(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"sess_123"}}`))
		<-done
	})
	defer srv.Close()
	defer close(done)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{URL: wsURL, ConnectTimeout: 2 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-c.Events():
		if _, ok := ev.(Opened); !ok {
			t.Fatalf("expected Opened first, got %T", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Opened")
	}

	select {
	case ev := <-c.Events():
		sc, ok := ev.(SessionCreated)
		if !ok {
			t.Fatalf("expected SessionCreated, got %T", ev)
		}
		if sc.SessionID != "sess_123" {
			t.Fatalf("SessionID = %q, want sess_123", sc.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SessionCreated")
	}
}

func TestClient_UnknownEventType(t *testing.T) {
	done := make(chan struct{})
	srv := newTestProvider(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"some.future.event","foo":"bar"}`))
		<-done
	})
	defer srv.Close()
	defer close(done)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{URL: wsURL, ConnectTimeout: 2 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-c.Events():
		if _, ok := ev.(Opened); !ok {
			t.Fatalf("expected Opened first, got %T", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Opened")
	}

	select {
	case ev := <-c.Events():
		u, ok := ev.(Unknown)
		if !ok {
			t.Fatalf("expected Unknown, got %T", ev)
		}
		if u.Type != "some.future.event" {
			t.Fatalf("Type = %q, want some.future.event", u.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Unknown event")
	}
}

func TestClient_FatalErrorEvent(t *testing.T) {
	done := make(chan struct{})
	srv := newTestProvider(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"code":"invalid_api_key","message":"bad key"}}`))
		<-done
	})
	defer srv.Close()
	defer close(done)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{URL: wsURL, ConnectTimeout: 2 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-c.Events():
		if _, ok := ev.(Opened); !ok {
			t.Fatalf("expected Opened first, got %T", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Opened")
	}

	select {
	case ev := <-c.Events():
		e, ok := ev.(ErrorEvent)
		if !ok {
			t.Fatalf("expected ErrorEvent, got %T", ev)
		}
		if !e.Fatal {
			t.Fatal("expected invalid_api_key to be fatal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ErrorEvent")
	}
}

func TestTurnDetectionWire_ServerVAD(t *testing.T) {
	wire := turnDetectionWire(domain.DefaultTurnDetection())
	if wire["type"] != "server_vad" {
		t.Fatalf("type = %v, want server_vad", wire["type"])
	}
	if wire["threshold"] != 0.5 {
		t.Fatalf("threshold = %v, want 0.5", wire["threshold"])
	}
}

func TestTurnDetectionWire_SemanticVAD(t *testing.T) {
	td := domain.TurnDetection{Mode: domain.TurnDetectionSemanticVAD, Eagerness: "high", CreateResponse: true}
	wire := turnDetectionWire(td)
	if wire["type"] != "semantic_vad" {
		t.Fatalf("type = %v, want semantic_vad", wire["type"])
	}
	if wire["eagerness"] != "high" {
		t.Fatalf("eagerness = %v, want high", wire["eagerness"])
	}
}
