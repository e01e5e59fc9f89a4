// Package session implements the per-call orchestrator (§4.5): it wires one
// AIClient and one TelephonyClient together, runs the call's state
// machine, bridges audio in both directions, buffers early audio, fans
// events out to observers and storage, and drives the termination
// contract.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/aiclient"
	"github.com/troikatech/voicebridge/internal/domain"
	"github.com/troikatech/voicebridge/internal/observer"
	"github.com/troikatech/voicebridge/internal/recorder"
	"github.com/troikatech/voicebridge/internal/registry"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/bridgeerr"
	"github.com/troikatech/voicebridge/pkg/framebuffer"
)

// State is one node of the call state machine (§4.5).
type State string

const (
	StateInitializing State = "initializing"
	StateConfiguring  State = "configuring"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateEnded        State = "ended"
)

const (
	ulawFrameBytes = 160 // 20ms at 8kHz
	maxEventLogCap = 10000
)

// Timeouts bundles the per-state timeouts from §5, resolved from config at
// construction.
type Timeouts struct {
	Configuring    time.Duration
	ReadyActive    time.Duration
	AISessionReady time.Duration
}

// Deps bundles the shared collaborators a Session reports to. Registry and
// Store may be left nil to skip registration and persistence; recording
// runs only when RecorderEnabled is set.
type Deps struct {
	Registry *registry.Registry
	Store    *store.Store
	Logger   *zap.Logger

	EventLogCap        int
	EarlyAudioBufferMs int

	RecorderEnabled bool
	RecorderDir     string

	ObserverQueueDepth   int
	ObserverMaxOverflows int
}

// Session is the per-call orchestrator. Construct with New, then call Run
// in its own goroutine.
type Session struct {
	callID     string
	direction  domain.CallDirection
	peerNumber string
	createdAt  time.Time
	cfg        domain.Configuration

	tel *telephony.Client
	ai  *aiclient.Client

	observers *observer.Hub
	deps      Deps
	logger    *zap.Logger

	timeouts Timeouts

	rec *recorder.MixingRecorder

	cmdCh chan interface{}

	mu                sync.Mutex
	state             State
	userSpeaking      bool
	assistantSpeaking bool
	aiConfigured      bool
	telephonyStarted  bool

	eventLog   []domain.Event
	transcript []domain.TranscriptItem

	outSplitter *framebuffer.ChunkSplitter

	earlyAudio [][]byte

	assistantResponseID  string
	assistantItemID      string
	assistantAudioStart  time.Time
	pendingAssistantText string

	ended     atomic.Bool
	endReason domain.EndReason
	endOnce   sync.Once
	doneCh    chan struct{}
}

// New constructs a Session wired to its two upstream clients. tel must
// already be the server-accepted TelephonyClient; ai must not yet have
// Run called.
func New(callID string, direction domain.CallDirection, peerNumber string, cfg domain.Configuration,
	tel *telephony.Client, ai *aiclient.Client, timeouts Timeouts, deps Deps) *Session {

	eventCap := deps.EventLogCap
	if eventCap <= 0 || eventCap > maxEventLogCap {
		eventCap = maxEventLogCap
	}

	var rec *recorder.MixingRecorder
	if deps.RecorderEnabled {
		// The recording is mixed caller+assistant PCM16 at 24kHz (§4.8),
		// the AI provider's native rate, so neither side needs resampling
		// before it reaches the mixer.
		r, err := recorder.New(deps.RecorderDir, callID, 24000)
		if err != nil {
			deps.Logger.Warn("session: recorder disabled, failed to open file", zap.Error(err), zap.String("call_id", callID))
		} else {
			rec = recorder.NewMixingRecorder(r)
		}
	}

	return &Session{
		callID:      callID,
		direction:   direction,
		peerNumber:  peerNumber,
		createdAt:   time.Now(),
		cfg:         cfg,
		tel:         tel,
		ai:          ai,
		observers:   observer.NewHub(deps.ObserverQueueDepth, deps.ObserverMaxOverflows, deps.Logger),
		deps:        deps,
		logger:      deps.Logger,
		timeouts:    timeouts,
		rec:         rec,
		cmdCh:       make(chan interface{}, 16),
		state:       StateInitializing,
		outSplitter: framebuffer.NewChunkSplitter(ulawFrameBytes), // 160 PCM16 samples @ 8kHz per 20ms frame
		doneCh:      make(chan struct{}),
	}
}

// CallID satisfies registry.Session.
func (s *Session) CallID() string { return s.callID }

// IsEnded satisfies registry.Session.
func (s *Session) IsEnded() bool { return s.ended.Load() }

// Observers exposes the Hub so the API layer can attach/detach observer
// WebSockets for this call.
func (s *Session) Observers() *observer.Hub { return s.observers }

// UpdateConfig applies a new Configuration, permitted only before the
// Configuring -> Ready transition completes (§6 control-plane contract).
func (s *Session) UpdateConfig(cfg domain.Configuration) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateInitializing && state != StateConfiguring {
		return bridgeerr.New(bridgeerr.Configuration, fmt.Sprintf("session.UpdateConfig: rejected in state %s", state))
	}

	select {
	case s.cmdCh <- configUpdateCmd{cfg: cfg}:
		return nil
	case <-s.doneCh:
		return bridgeerr.New(bridgeerr.Configuration, "session.UpdateConfig: already ended")
	}
}

// RequestEnd asks the session to terminate as an explicit end request.
// Idempotent.
func (s *Session) RequestEnd() {
	s.requestEnd(domain.EndReasonExplicitRequest)
}

// RequestShutdown asks the session to terminate because the server is
// shutting down, distinct from an explicit per-call end request so
// scenario reporting (§5) can tell the two apart. Idempotent.
func (s *Session) RequestShutdown() {
	s.requestEnd(domain.EndReasonShutdown)
}

func (s *Session) requestEnd(reason domain.EndReason) {
	select {
	case s.cmdCh <- forceEndCmd{reason: reason}:
	case <-s.doneCh:
	default:
	}
}

type configUpdateCmd struct{ cfg domain.Configuration }
type forceEndCmd struct{ reason domain.EndReason }

// Run drives the Session's single state-mutation task until it ends. It
// blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.ai.Run(ctx)
	go s.tel.Run(ctx)

	s.transitionTo(StateInitializing)
	s.armStateTimeout(ctx, s.timeouts.Configuring, StateInitializing)

	aiEvents := s.ai.Events()
	telEvents := s.tel.Events()

	for {
		select {
		case <-ctx.Done():
			s.endSession(domain.EndReasonInternalError, "context cancelled")
			return

		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
			if s.ended.Load() {
				return
			}

		case ev, ok := <-aiEvents:
			if !ok {
				aiEvents = nil
				continue
			}
			s.handleAIEvent(ctx, ev)
			if s.ended.Load() {
				return
			}

		case ev, ok := <-telEvents:
			if !ok {
				telEvents = nil
				continue
			}
			s.handleTelephonyEvent(ctx, ev)
			if s.ended.Load() {
				return
			}
		}
	}
}

func (s *Session) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case configUpdateCmd:
		s.mu.Lock()
		s.cfg = c.cfg
		s.mu.Unlock()
		s.logger.Info("session: configuration updated", zap.String("call_id", s.callID))
	case forceEndCmd:
		reason := c.reason
		if reason == "" {
			reason = domain.EndReasonExplicitRequest
		}
		msg := "explicit end request"
		if reason == domain.EndReasonShutdown {
			msg = "server shutdown"
		}
		s.endSession(reason, msg)
	}
}

func (s *Session) armStateTimeout(ctx context.Context, d time.Duration, expectState State) {
	if d <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-s.doneCh:
		case <-t.C:
			s.mu.Lock()
			stillWaiting := s.state == expectState
			s.mu.Unlock()
			if stillWaiting {
				s.endSession(domain.EndReasonTimeout, fmt.Sprintf("timed out waiting to leave %s", expectState))
			}
		}
	}()
}

func (s *Session) transitionTo(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("session: state transition", zap.String("call_id", s.callID), zap.String("state", string(state)))
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
