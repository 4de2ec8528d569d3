// Package router classifies switch events and hands them to the downstream
// sinks. Routing never fails: anything it does not understand is dropped.
package router

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ucaas/esl-bridge/internal/esl"
)

// Sink receives call records and live-status updates. Implementations must
// not block the caller for long; see sink.Dispatcher.
type Sink interface {
	Persist(kind string, fields map[string]string) error
	Broadcast(kind string, payload map[string]string) error
}

// RegistrationSink receives extension registration transitions.
type RegistrationSink interface {
	SetRegistration(extension string, registered bool) error
	ResetRegistrations(reason string) error
}

// ReasonShutdown tags the registration reset caused by a SHUTDOWN event.
const ReasonShutdown = "shutdown"

const (
	subclassRegister   = "sofia::register"
	subclassUnregister = "sofia::unregister"
)

const kindCount = int(esl.KindModuleUnload) + 1

// Router dispatches events one at a time, in the order they are given.
type Router struct {
	sink  Sink
	regs  RegistrationSink
	log   zerolog.Logger
	seen  [kindCount]atomic.Uint64
	total atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for trace output and sink failures.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New creates a Router delivering to sink and regs.
func New(sink Sink, regs RegistrationSink, opts ...Option) *Router {
	r := &Router{
		sink: sink,
		regs: regs,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch routes a single event.
func (r *Router) Dispatch(evt esl.Event) {
	kind := evt.Kind()
	r.seen[kind].Add(1)
	r.total.Add(1)

	switch kind {
	case esl.KindChannelCreate, esl.KindChannelAnswer, esl.KindDial:
		r.log.Debug().
			Str("event", evt.Name()).
			Str("uuid", evt.Get(esl.FieldUniqueID)).
			Str("destination", evt.Get("Caller-Destination-Number")).
			Msg("call progress")
	case esl.KindChannelState:
		r.handleChannelState(evt)
	case esl.KindRecordStop:
		r.persist(KindCallRecorded, evt.Fields())
	case esl.KindChannelHangupComplete:
		r.persist(KindHangupComplete, Snapshot(evt))
	case esl.KindCustom:
		r.handleCustom(evt)
	case esl.KindShutdown:
		r.log.Info().Msg("switch shutting down, resetting registrations")
		if err := r.regs.ResetRegistrations(ReasonShutdown); err != nil {
			r.log.Error().Err(err).Msg("resetting registrations")
		}
	case esl.KindHeartbeat, esl.KindModuleUnload, esl.KindUnknown:
	}
}

func (r *Router) handleChannelState(evt esl.Event) {
	r.persist(KindCallState, evt.Fields())
	if err := r.sink.Broadcast(BroadcastCallState, LiveStatus(evt)); err != nil {
		r.log.Error().Err(err).Str("kind", BroadcastCallState).Msg("broadcast failed")
	}
}

func (r *Router) handleCustom(evt esl.Event) {
	subclass := evt.Subclass()
	if subclass != subclassRegister && subclass != subclassUnregister {
		return
	}

	ext := registrationExtension(evt)
	if ext == "" {
		r.log.Debug().Str("subclass", subclass).Msg("registration event without extension")
		return
	}
	if err := r.regs.SetRegistration(ext, subclass == subclassRegister); err != nil {
		r.log.Error().Err(err).Str("extension", ext).Msg("updating registration")
	}
}

func (r *Router) persist(kind string, fields map[string]string) {
	if err := r.sink.Persist(kind, fields); err != nil {
		r.log.Error().Err(err).Str("kind", kind).Msg("persist failed")
	}
}

// Seen returns how many events of kind were dispatched.
func (r *Router) Seen(kind esl.Kind) uint64 {
	if int(kind) < 0 || int(kind) >= kindCount {
		return 0
	}
	return r.seen[kind].Load()
}

// Total returns the number of events dispatched.
func (r *Router) Total() uint64 {
	return r.total.Load()
}
