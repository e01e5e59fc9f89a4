package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

type fakeSession struct {
	id    string
	ended bool
}

func (f *fakeSession) CallID() string  { return f.id }
func (f *fakeSession) IsEnded() bool   { return f.ended }
func (f *fakeSession) RequestShutdown() {}

func TestRegistry_CreateIfAbsent(t *testing.T) {
	r := New(zap.NewNop(), nil)

	s1 := &fakeSession{id: "call-1"}
	_, created := r.CreateIfAbsent("call-1", s1)
	if !created {
		t.Fatal("expected first CreateIfAbsent to create")
	}

	s2 := &fakeSession{id: "call-1"}
	existing, created := r.CreateIfAbsent("call-1", s2)
	if created {
		t.Fatal("expected second CreateIfAbsent to report existing")
	}
	if existing != s1 {
		t.Fatal("expected existing Session to be the first one registered")
	}
}

func TestRegistry_LookupAndRemove(t *testing.T) {
	r := New(zap.NewNop(), nil)
	s := &fakeSession{id: "call-1"}
	r.CreateIfAbsent("call-1", s)

	if r.Lookup("call-1") != s {
		t.Fatal("Lookup did not return the registered session")
	}

	r.Remove("call-1")
	if r.Lookup("call-1") != nil {
		t.Fatal("expected nil after Remove")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

type countingPublisher struct {
	created, removed int
}

func (p *countingPublisher) PublishSessionCreated(callID string) { p.created++ }
func (p *countingPublisher) PublishSessionRemoved(callID string) { p.removed++ }

func TestRegistry_PublisherNotifiedOnce(t *testing.T) {
	pub := &countingPublisher{}
	r := New(zap.NewNop(), pub)

	s := &fakeSession{id: "call-1"}
	r.CreateIfAbsent("call-1", s)
	r.CreateIfAbsent("call-1", s) // second call must not re-notify
	r.Remove("call-1")
	r.Remove("call-1") // second remove must not re-notify

	if pub.created != 1 {
		t.Fatalf("created notifications = %d, want 1", pub.created)
	}
	if pub.removed != 1 {
		t.Fatalf("removed notifications = %d, want 1", pub.removed)
	}
}

func TestRegistry_ReserveAndTake(t *testing.T) {
	r := New(zap.NewNop(), nil)

	cfg := domain.DefaultConfiguration()
	cfg.Instructions = "call Rahul about the refund"
	r.Reserve("CA123", Reservation{Configuration: cfg, PeerNumber: "+15555550100", Direction: domain.CallDirectionOutbound})

	res, ok := r.TakeReservation("CA123")
	if !ok {
		t.Fatal("expected reservation to be found")
	}
	if res.PeerNumber != "+15555550100" {
		t.Fatalf("PeerNumber = %q, want +15555550100", res.PeerNumber)
	}
	if res.Configuration.Instructions != "call Rahul about the refund" {
		t.Fatalf("Instructions = %q", res.Configuration.Instructions)
	}

	if _, ok := r.TakeReservation("CA123"); ok {
		t.Fatal("expected reservation to be consumed after first TakeReservation")
	}
}

func TestRegistry_TakeReservationAbsent(t *testing.T) {
	r := New(zap.NewNop(), nil)
	if _, ok := r.TakeReservation("missing"); ok {
		t.Fatal("expected no reservation for an unreserved call id")
	}
}
