package store

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
)

func TestStore_NilClientDropsWritesWithoutPanicking(t *testing.T) {
	s := New(nil, zap.NewNop())
	defer s.Close(time.Second)

	s.WriteEvent(domain.Event{ID: "e1", SessionID: "call-1", Type: "session.created"})
	s.WriteTranscriptItem("call-1", domain.TranscriptItem{ID: "t1", Speaker: domain.SpeakerUser, Text: "hi"})
}

func TestStore_CloseDrainsQueue(t *testing.T) {
	s := New(nil, zap.NewNop())
	for i := 0; i < 50; i++ {
		s.WriteEvent(domain.Event{ID: "e", SessionID: "call-1"})
	}
	s.Close(2 * time.Second)

	select {
	case <-s.done:
	default:
		t.Fatal("expected done channel closed after Close")
	}
}

func TestStore_OverflowDropsOldestWithoutBlocking(t *testing.T) {
	s := &Store{logger: zap.NewNop(), queue: make(chan writeJob, 2), done: make(chan struct{})}

	for i := 0; i < 10; i++ {
		s.enqueue(writeJob{collection: "x", document: map[string]interface{}{"i": i}})
	}

	if len(s.queue) > 2 {
		t.Fatalf("queue len = %d, want <= 2", len(s.queue))
	}
}
