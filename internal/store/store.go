// Package store is the asynchronous event/transcript sink (§3 storage
// representation). It wraps pkg/mongo's fluent query builder with OTel DB
// spans the same way the rest of this codebase instruments Mongo access,
// and exposes a bounded async write queue so Session bridging loops never
// block on a slow database.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/mongo"
	"github.com/troikatech/voicebridge/pkg/otel"
)

const (
	eventsCollection      = "session_events"
	transcriptsCollection = "session_transcripts"

	defaultQueueDepth = 1024
)

type writeJob struct {
	collection string
	document   map[string]interface{}
}

// Store asynchronously persists Events and TranscriptItems. Writes are
// enqueued on a bounded channel and drained by a single background worker;
// a full queue drops the oldest pending write rather than blocking the
// caller (§4.5 event fan-out).
type Store struct {
	client *mongo.Client
	logger *zap.Logger

	queue chan writeJob

	done chan struct{}
}

// New creates a Store backed by client and starts its background writer.
// client may be nil, in which case writes are silently dropped (persistence
// disabled).
func New(client *mongo.Client, log *zap.Logger) *Store {
	s := &Store{
		client: client,
		logger: log,
		queue:  make(chan writeJob, defaultQueueDepth),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for job := range s.queue {
		s.write(job)
	}
	close(s.done)
}

func (s *Store) write(job writeJob) {
	if s.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := otel.ExecuteInsert(ctx, job.collection, func() ([]byte, int64, error) {
		_, err := s.client.NewQuery(job.collection).Insert(ctx, job.document)
		if err != nil {
			return nil, 0, err
		}
		return nil, 1, nil
	})
	if err != nil {
		s.logger.Warn("store: write failed",
			zap.String("collection", job.collection), zap.Error(err))
	}
}

func (s *Store) enqueue(job writeJob) {
	select {
	case s.queue <- job:
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- job:
		default:
		}
		s.logger.Warn("store: write queue overflow, dropped oldest pending write")
	}
}

// WriteEvent enqueues an Event for persistence. No index on (session_id,
// timestamp) is created by this process; see EnsureIndexes.
func (s *Store) WriteEvent(ev domain.Event) {
	s.enqueue(writeJob{
		collection: eventsCollection,
		document: map[string]interface{}{
			"id":         ev.ID,
			"session_id": ev.SessionID,
			"timestamp":  ev.Timestamp,
			"type":       ev.Type,
			"direction":  string(ev.Direction),
			"payload":    ev.Payload,
		},
	})
}

// WriteTranscriptItem enqueues a finalised TranscriptItem for persistence.
func (s *Store) WriteTranscriptItem(sessionID string, item domain.TranscriptItem) {
	s.enqueue(writeJob{
		collection: transcriptsCollection,
		document: map[string]interface{}{
			"id":         item.ID,
			"session_id": sessionID,
			"speaker":    string(item.Speaker),
			"text":       item.Text,
			"offset_ms":  item.OffsetMs,
			"is_final":   item.IsFinal,
		},
	})
}

// EnsureIndexes creates no index. When a Mongo client is configured it
// logs that index management is left to deployment tooling.
func (s *Store) EnsureIndexes(ctx context.Context) {
	if s.client == nil {
		return
	}
	logger.Log.Info("store: index management is handled by deployment tooling, not at process startup")
}

// Close stops accepting new writes and waits for the queue to drain, up to
// the given timeout.
func (s *Store) Close(timeout time.Duration) {
	close(s.queue)
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}
