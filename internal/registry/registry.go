// Package registry implements the process-wide call-id -> Session mapping
// (§4.6). Earlier revisions of this bridge kept that map as a package-level
// variable guarded by a package-level mutex; that pattern makes the
// registry impossible to scope per-process (tests, multiple listeners in
// one binary) and hides a shared-state dependency that every caller should
// see explicitly. Registry is instead an explicit struct, constructed once
// in the composition root and passed to whatever needs it.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

// Session is the minimal surface the registry needs from a call session;
// internal/session.Session satisfies it.
type Session interface {
	CallID() string
	IsEnded() bool
	RequestShutdown()
}

// Reservation holds the Configuration and call metadata precomputed for an
// outbound call before its media-stream WebSocket attaches (§9.1
// outbound-call precompute path). The control-plane ConnectCall handler
// reserves one under the telephony provider's call id as soon as the
// provider accepts the outbound-call request; MediaStream takes it back out
// once that call id's WebSocket actually connects, seeding the Session it
// constructs instead of falling back to process defaults.
type Reservation struct {
	Configuration domain.Configuration
	PeerNumber    string
	Direction     domain.CallDirection
	ReservedAt    time.Time
}

// Registry is the process-wide call-id -> Session map. The zero value is
// not usable; construct with New.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Session

	reservations map[string]Reservation

	// publisher, if set, is notified on create/remove for cross-replica
	// awareness (e.g. a Redis pub/sub channel). Optional.
	publisher Publisher
}

// Publisher is notified of session lifecycle transitions, used to keep
// other replicas' view of active calls current. Implementations must not
// block the registry; fire-and-forget.
type Publisher interface {
	PublishSessionCreated(callID string)
	PublishSessionRemoved(callID string)
}

// New creates an empty Registry. publisher may be nil.
func New(logger *zap.Logger, publisher Publisher) *Registry {
	return &Registry{
		logger:       logger,
		sessions:     make(map[string]Session),
		reservations: make(map[string]Reservation),
		publisher:    publisher,
	}
}

// Reserve precomputes metadata for callID ahead of the media-stream
// WebSocket attaching. Overwrites any existing reservation for the same
// call id.
func (r *Registry) Reserve(callID string, res Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[callID] = res
}

// TakeReservation removes and returns callID's reservation, if any.
func (r *Registry) TakeReservation(callID string) (Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[callID]
	if ok {
		delete(r.reservations, callID)
	}
	return res, ok
}

// CreateIfAbsent registers sess under callID unless an entry already
// exists, in which case it returns the existing Session and ok=false. This
// is the only creation path; it is exclusive per call id.
func (r *Registry) CreateIfAbsent(callID string, sess Session) (existing Session, ok bool) {
	r.mu.Lock()
	if cur, found := r.sessions[callID]; found {
		r.mu.Unlock()
		return cur, false
	}
	r.sessions[callID] = sess
	r.mu.Unlock()

	if r.publisher != nil {
		r.publisher.PublishSessionCreated(callID)
	}
	return sess, true
}

// Lookup returns the Session for callID, or nil if absent or already
// removed. Wait-free fast path: readers never block writers longer than a
// map read.
func (r *Registry) Lookup(callID string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove atomically removes callID's entry, if present. A Session in
// Ended is unreachable for new attachments the instant this returns.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	_, existed := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()

	if existed && r.publisher != nil {
		r.publisher.PublishSessionRemoved(callID)
	}
}

// Len reports the number of registered sessions, used by the status
// endpoint (§6).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot slice of every registered Session, used for
// graceful-shutdown fan-out.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
