// Package supervisor keeps a subscribed event-socket session alive,
// reconnecting after every failure until its context is canceled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ucaas/esl-bridge/internal/esl"
)

// State is where the supervisor is in its connect cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateListening
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateListening:
		return "listening"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is an authenticated connection. *esl.Conn implements it.
type Session interface {
	Subscribe(mask string) error
	NextFrame() ([]byte, error)
	Close() error
}

// ConnectFunc opens and authenticates a new Session.
type ConnectFunc func(ctx context.Context) (Session, error)

// Dispatcher consumes parsed events in arrival order. *router.Router
// implements it.
type Dispatcher interface {
	Dispatch(evt esl.Event)
}

// ResyncFunc runs after every successful subscribe, before any event of the
// new session is dispatched.
type ResyncFunc func(ctx context.Context) error

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for state transitions and session failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithEventMask sets the subscription mask. Default "ALL".
func WithEventMask(mask string) Option {
	return func(s *Supervisor) { s.mask = mask }
}

// WithBackoff sets the reconnect delay policy.
func WithBackoff(b Backoff) Option {
	return func(s *Supervisor) { s.backoff = b }
}

// WithResync installs a hook run after each subscribe.
func WithResync(fn ResyncFunc) Option {
	return func(s *Supervisor) { s.resync = fn }
}

// WithSleep replaces the reconnect wait. fn reports false when ctx ended
// before d elapsed.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// Supervisor runs the Disconnected → Connecting → Subscribed → Listening
// cycle. State, Attempts and Frames are safe to call while Run is active.
type Supervisor struct {
	connect  ConnectFunc
	dispatch Dispatcher
	mask     string
	backoff  Backoff
	resync   ResyncFunc
	sleep    func(ctx context.Context, d time.Duration) bool
	log      zerolog.Logger

	state    atomic.Int32
	attempts atomic.Uint64
	frames   atomic.Uint64
	skipped  atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// New creates a Supervisor. Nothing happens until Run.
func New(connect ConnectFunc, dispatch Dispatcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		connect:  connect,
		dispatch: dispatch,
		mask:     "ALL",
		sleep:    wait,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Attempts returns how many connects have been tried.
func (s *Supervisor) Attempts() uint64 {
	return s.attempts.Load()
}

// Frames returns how many frames have been read across all sessions.
func (s *Supervisor) Frames() uint64 {
	return s.frames.Load()
}

// Skipped returns how many frames carried no event.
func (s *Supervisor) Skipped() uint64 {
	return s.skipped.Load()
}

// LastError returns the error that ended the most recent session or
// connect attempt, or nil.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.log.Info().Str("state", st.String()).Msg("supervisor state")
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Run supervises sessions until ctx is canceled. Canceling ctx closes the
// live session, which interrupts its blocking read. Run returns nil on
// cancellation; there is no other way out.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	for {
		err := s.runSession(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		s.fail(err)

		delay := s.backoff.Next()
		s.log.Warn().Err(err).Dur("retry_in", delay).Uint64("attempt", s.Attempts()).Msg("session ended, reconnecting")
		if !s.sleep(ctx, delay) {
			return nil
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context) error {
	s.setState(StateConnecting)
	s.attempts.Add(1)

	sess, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	if err := sess.Subscribe(s.mask); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.mask, err)
	}
	s.setState(StateSubscribed)

	if s.resync != nil {
		if err := s.resync(ctx); err != nil {
			s.log.Warn().Err(err).Msg("resync failed")
		}
	}

	s.setState(StateListening)
	first := true
	for {
		frame, err := sess.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed by switch: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		s.frames.Add(1)
		if first {
			s.backoff.Reset()
			first = false
		}

		evt, ok := esl.ParseFrame(frame)
		if !ok {
			s.skipped.Add(1)
			continue
		}
		s.dispatch.Dispatch(evt)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
