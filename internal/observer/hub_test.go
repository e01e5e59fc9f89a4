package observer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = conn
		close(ready)
		<-r.Context().Done()
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-ready

	return serverConn, clientConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func TestHub_BroadcastDelivers(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	h := NewHub(4, 10, zap.NewNop())
	h.Attach("obs1", serverConn)

	ev := domain.Event{ID: "e1", Type: "session.created", Direction: domain.DirectionIncoming}
	h.Broadcast(ev)

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	var got domain.Event
	if err := clientConn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.ID != "e1" {
		t.Fatalf("ID = %q, want e1", got.ID)
	}
}

func TestHub_DropsOldestOnFullQueue(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	h := NewHub(2, 10, zap.NewNop())
	h.mu.Lock()
	h.observers["obs1"] = &observerConn{conn: serverConn, queue: make(chan domain.Event, 2), done: make(chan struct{})}
	h.mu.Unlock()

	for i := 0; i < 5; i++ {
		h.Broadcast(domain.Event{ID: "e"})
	}

	h.mu.Lock()
	oc := h.observers["obs1"]
	h.mu.Unlock()
	if len(oc.queue) > 2 {
		t.Fatalf("queue len = %d, want <= 2", len(oc.queue))
	}
}

func TestHub_DetachAfterMaxOverflows(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	h := NewHub(1, 2, zap.NewNop())
	h.mu.Lock()
	h.observers["obs1"] = &observerConn{conn: serverConn, queue: make(chan domain.Event, 1), done: make(chan struct{})}
	h.mu.Unlock()

	for i := 0; i < 6; i++ {
		h.Broadcast(domain.Event{ID: "e"})
	}

	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after repeated overflow", h.Count())
	}
}

func TestHub_Detach(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	h := NewHub(4, 10, zap.NewNop())
	h.Attach("obs1", serverConn)
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}

	h.Detach("obs1")
	time.Sleep(10 * time.Millisecond)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after Detach", h.Count())
	}
}
