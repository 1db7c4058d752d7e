// Package agent wires one monitored exam session: preflight, transport, aggregation and signal
// collection for students, or the presence model for proctors.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/aggregator"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/preflight"
	"github.com/aura-exam/proctor/internal/presence"
	"github.com/aura-exam/proctor/internal/signals"
	"github.com/aura-exam/proctor/internal/transport"
)

// ErrStopped is returned when the session has already ended.
var ErrStopped = errors.New("agent: session stopped")

// Store is the local violation log and fingerprint store.
type Store interface {
	aggregator.Log
	preflight.Store
}

// Callbacks are the presentation-layer hooks. Any of them may be nil.
type Callbacks struct {
	OnTally      func(models.Tally)
	OnWarning    func(reason string, count int)
	OnTerminate  func(reason string)
	OnReady      func()
	OnPresence   func(presence.Snapshot)
	OnConnection func(transport.State)
	OnAuthError  func()
}

// Options configures a Session. Env is required for student sessions.
type Options struct {
	Endpoint  transport.Endpoint
	SessionID string
	FullName  string
	Policy    config.Policy
	Bus       *host.Bus
	Env       host.Environment
	Clock     clock.Clock
	Store     Store
	Escalator aggregator.Escalator
	Dialer    *websocket.Dialer
	Logger    *zap.Logger
	Callbacks Callbacks
}

// Session is one participant's connection to an exam.
type Session struct {
	opts    Options
	logger  *zap.Logger
	channel *transport.Channel

	// student
	gate      *preflight.Gate
	agg       *aggregator.Aggregator
	collector *signals.Collector

	// proctor
	room *presence.Model

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// New builds the session components without touching the network.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Bus == nil {
		opts.Bus = host.NewBus()
	}
	ep := opts.Endpoint
	s := &Session{
		opts: opts,
		logger: opts.Logger.With(
			zap.String("exam_id", ep.ExamID),
			zap.String("user_id", ep.UserID),
			zap.String("role", ep.Role),
		),
	}
	s.channel = transport.New(transport.Options{
		Policy:        opts.Policy.Transport,
		Clock:         opts.Clock,
		Dialer:        opts.Dialer,
		Logger:        s.logger.Named("transport"),
		OnStateChange: opts.Callbacks.OnConnection,
		OnAuthError:   opts.Callbacks.OnAuthError,
	})

	if s.isStudent() {
		s.gate = preflight.New(opts.Bus, opts.Env, opts.Clock, opts.Store,
			preflight.Identity{ExamID: ep.ExamID, SubjectID: ep.UserID, SessionID: opts.SessionID},
			opts.Policy.Preflight, s.logger.Named("preflight"))

		s.agg = aggregator.New(aggregator.Session{
			ExamID:    ep.ExamID,
			SubjectID: ep.UserID,
			SessionID: opts.SessionID,
			FullName:  opts.FullName,
			UserAgent: opts.Env.Navigator().UserAgent,
			URL:       opts.Env.URL(),
		}, opts.Policy, opts.Clock, opts.Store, s.channel, opts.Escalator, aggregator.Callbacks{
			OnTally:     opts.Callbacks.OnTally,
			OnWarning:   opts.Callbacks.OnWarning,
			OnTerminate: s.terminated,
		}, s.logger.Named("aggregator"))
		s.collector = signals.New(opts.Bus, opts.Env, opts.Clock, s.agg, opts.Policy, s.logger.Named("signals"))
	} else {
		s.room = presence.New(opts.Clock, opts.Callbacks.OnPresence, s.logger.Named("presence"))
	}
	return s
}

func (s *Session) isStudent() bool {
	return s.opts.Endpoint.Role == models.RoleStudent
}

// Preflight runs the integrity checks. Proctor sessions have no checks and always pass.
func (s *Session) Preflight(ctx context.Context) preflight.Result {
	if s.gate == nil {
		return preflight.Result{Passed: true}
	}
	return s.gate.Run(ctx)
}

// Begin is the user gesture that starts the session. Students must have passed Preflight.
// A connection failure other than an authentication failure is not returned: the channel keeps
// reconnecting and queues outbound messages meanwhile.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.gate != nil {
		if err := s.gate.Activate(ctx); err != nil {
			return err
		}
		<-s.gate.Ready()
		if s.opts.Callbacks.OnReady != nil {
			s.opts.Callbacks.OnReady()
		}
	}
	if s.room != nil {
		s.room.Attach(s.channel)
	}

	if err := s.channel.Connect(ctx, s.opts.Endpoint); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrNoEndpoint) {
			return fmt.Errorf("connect: %w", err)
		}
		s.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.Start()
		ep := s.opts.Endpoint
		if err := s.channel.Send(models.StudentExamStart{
			Type:      models.MsgStudentExamStart,
			SubjectID: ep.UserID,
			ExamID:    ep.ExamID,
			SessionID: s.opts.SessionID,
			FullName:  s.opts.FullName,
			Timestamp: models.Millis(s.opts.Clock.Now()),
		}); err != nil {
			return err
		}
	}
	s.logger.Info("session started")
	return nil
}

// ReportAnswer announces answer progress to the proctors.
func (s *Session) ReportAnswer(answered, current int) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.channel.Send(models.StudentAnswerUpdate{
		Type:            models.MsgStudentAnswerUpdate,
		SubjectID:       s.opts.Endpoint.UserID,
		AnsweredCount:   answered,
		CurrentQuestion: current,
		Timestamp:       models.Millis(s.opts.Clock.Now()),
	})
}

// ReportActivity sends a generic activity ping.
func (s *Session) ReportActivity(activity string) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.channel.Send(models.StudentActivity{
		Type:      models.MsgStudentActivity,
		SubjectID: s.opts.Endpoint.UserID,
		Activity:  activity,
		Timestamp: models.Millis(s.opts.Clock.Now()),
	})
}

func (s *Session) active() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.started {
		return ErrStopped
	}
	return nil
}

// Tally returns the student's violation counters.
func (s *Session) Tally() models.Tally {
	if s.agg == nil {
		return models.Tally{}
	}
	return s.agg.Tally()
}

// Bus is the event bus the kiosk shell publishes to.
func (s *Session) Bus() *host.Bus { return s.opts.Bus }

// Channel exposes the transport, mainly for connection diagnostics.
func (s *Session) Channel() *transport.Channel { return s.channel }

// Presence returns the proctor room view; zero for student sessions.
func (s *Session) Presence() presence.Snapshot {
	if s.room == nil {
		return presence.Snapshot{}
	}
	return s.room.Snapshot()
}

func (s *Session) terminated(reason string) {
	s.logger.Warn("session terminated", zap.String("reason", reason))
	if s.opts.Callbacks.OnTerminate != nil {
		s.opts.Callbacks.OnTerminate(reason)
	}
	s.Stop()
}

// Stop ends the session: observers and lock-down are removed and the socket is closed.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		if s.collector != nil {
			s.collector.Stop()
		}
		if s.gate != nil {
			s.gate.Close()
		}
		s.channel.Disconnect()
		s.logger.Info("session stopped")
	})
}
