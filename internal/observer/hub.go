// Package observer fans a Session's event stream out to zero or more
// control-plane WebSocket clients watching a call in real time (§4.7).
package observer

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

// DefaultQueueDepth and DefaultMaxOverflows mirror the TelephonyClient's
// backpressure policy for consistency across bounded queues in the system.
const (
	DefaultQueueDepth   = 256
	DefaultMaxOverflows = 10
)

// Hub fans out events for one Session to its attached observers. The zero
// value is not usable; construct with NewHub.
type Hub struct {
	logger       *zap.Logger
	queueDepth   int
	maxOverflows int

	mu        sync.Mutex
	observers map[string]*observerConn
}

type observerConn struct {
	conn      *websocket.Conn
	queue     chan domain.Event
	overflows int
	done      chan struct{}
}

// NewHub creates an empty Hub for one Session.
func NewHub(queueDepth, maxOverflows int, logger *zap.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if maxOverflows <= 0 {
		maxOverflows = DefaultMaxOverflows
	}
	return &Hub{
		logger:       logger,
		queueDepth:   queueDepth,
		maxOverflows: maxOverflows,
		observers:    make(map[string]*observerConn),
	}
}

// Attach registers conn as an observer under id and starts its write pump.
// Detach(id) or a send failure removes it.
func (h *Hub) Attach(id string, conn *websocket.Conn) {
	oc := &observerConn{
		conn:  conn,
		queue: make(chan domain.Event, h.queueDepth),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.observers[id] = oc
	h.mu.Unlock()

	go h.pump(id, oc)
}

// Detach removes and closes the observer under id, if present.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	oc, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()

	if ok {
		h.closeObserver(oc)
	}
}

// Broadcast pushes ev to every attached observer. Best-effort: a full queue
// drops the oldest entry rather than blocking the caller, which must never
// stall on a slow observer.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.Lock()
	targets := make([]*observerConn, 0, len(h.observers))
	for _, oc := range h.observers {
		targets = append(targets, oc)
	}
	h.mu.Unlock()

	for _, oc := range targets {
		select {
		case oc.queue <- ev:
			oc.overflows = 0
		default:
			select {
			case <-oc.queue:
			default:
			}
			select {
			case oc.queue <- ev:
			default:
			}
			oc.overflows++
			if oc.overflows >= h.maxOverflows {
				h.logger.Warn("observer dropped after repeated overflow")
				h.detachConn(oc)
			}
		}
	}
}

func (h *Hub) detachConn(target *observerConn) {
	h.mu.Lock()
	for id, oc := range h.observers {
		if oc == target {
			delete(h.observers, id)
			break
		}
	}
	h.mu.Unlock()
	h.closeObserver(target)
}

func (h *Hub) pump(id string, oc *observerConn) {
	defer func() {
		h.mu.Lock()
		if cur, ok := h.observers[id]; ok && cur == oc {
			delete(h.observers, id)
		}
		h.mu.Unlock()
		oc.conn.Close()
	}()

	for {
		select {
		case <-oc.done:
			return
		case ev, ok := <-oc.queue:
			if !ok {
				return
			}
			if err := oc.conn.WriteJSON(ev); err != nil {
				h.logger.Info("observer write failed, detaching", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) closeObserver(oc *observerConn) {
	select {
	case <-oc.done:
	default:
		close(oc.done)
	}
}

// Count reports the number of attached observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// CloseAll detaches and closes every observer, used during Session
// termination (§4.5 step 6). Best-effort; errors are not returned.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.observers
	h.observers = make(map[string]*observerConn)
	h.mu.Unlock()

	for _, oc := range all {
		h.closeObserver(oc)
	}
}
