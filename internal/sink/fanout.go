package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Broadcast kinds emitted for registration changes.
const (
	BroadcastRegistration = "Registration"
	BroadcastResync       = "Resync"
)

// Store is the durable side of the pipeline.
type Store interface {
	SaveCallRecord(ctx context.Context, kind string, fields map[string]string) error
	SetRegistration(ctx context.Context, extension string, registered bool) error
	ResetRegistrations(ctx context.Context) error
}

// Broadcaster pushes a payload to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, kind string, payload map[string]string) error
}

// Fanout is the Target wired in production: records go to the store, live
// updates to every broadcaster. A failing broadcaster does not stop the
// rest.
type Fanout struct {
	store        Store
	broadcasters []Broadcaster
}

// NewFanout creates a Fanout. store may be nil when nothing is persisted.
func NewFanout(store Store, broadcasters ...Broadcaster) *Fanout {
	return &Fanout{store: store, broadcasters: broadcasters}
}

func (f *Fanout) Persist(ctx context.Context, kind string, fields map[string]string) error {
	if f.store == nil {
		return nil
	}
	if err := f.store.SaveCallRecord(ctx, kind, fields); err != nil {
		return fmt.Errorf("saving %s record: %w", kind, err)
	}
	return nil
}

func (f *Fanout) Broadcast(ctx context.Context, kind string, payload map[string]string) error {
	var errs []error
	for _, b := range f.broadcasters {
		if err := b.Broadcast(ctx, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetRegistration stores the transition and tells subscribers about it.
func (f *Fanout) SetRegistration(ctx context.Context, extension string, registered bool) error {
	var storeErr error
	if f.store != nil {
		if err := f.store.SetRegistration(ctx, extension, registered); err != nil {
			storeErr = fmt.Errorf("saving registration of %s: %w", extension, err)
		}
	}
	return errors.Join(storeErr, f.Broadcast(ctx, BroadcastRegistration, map[string]string{
		"key":        BroadcastRegistration,
		"extension":  extension,
		"registered": strconv.FormatBool(registered),
	}))
}

// ResetRegistrations marks every extension unregistered. reason is passed
// to subscribers so they can tell a switch shutdown from a reconnect.
func (f *Fanout) ResetRegistrations(ctx context.Context, reason string) error {
	var storeErr error
	if f.store != nil {
		if err := f.store.ResetRegistrations(ctx); err != nil {
			storeErr = fmt.Errorf("resetting registrations: %w", err)
		}
	}
	return errors.Join(storeErr, f.Broadcast(ctx, BroadcastResync, map[string]string{
		"key":        BroadcastResync,
		"registered": "false",
		"reason":     reason,
	}))
}
