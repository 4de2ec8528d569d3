package esl

import (
	"sort"
	"strconv"
)

// Kind identifies the event types the bridge reacts to. It is decoded once,
// when the event is parsed, so routing never compares raw names.
type Kind int

const (
	KindUnknown Kind = iota
	KindChannelCreate
	KindChannelAnswer
	KindChannelState
	KindRecordStop
	KindChannelHangupComplete
	KindDial
	KindHeartbeat
	KindCustom
	KindShutdown
	KindModuleUnload
)

var kindNames = map[string]Kind{
	"CHANNEL_CREATE":          KindChannelCreate,
	"CHANNEL_ANSWER":          KindChannelAnswer,
	"CHANNEL_STATE":           KindChannelState,
	"RECORD_STOP":             KindRecordStop,
	"CHANNEL_HANGUP_COMPLETE": KindChannelHangupComplete,
	"DIAL":                    KindDial,
	"HEARTBEAT":               KindHeartbeat,
	"CUSTOM":                  KindCustom,
	"SHUTDOWN":                KindShutdown,
	"MODULE_UNLOAD":           KindModuleUnload,
}

// KindOf maps an Event-Name value to its Kind. Unrecognised names map to
// KindUnknown.
func KindOf(name string) Kind {
	return kindNames[name]
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "UNKNOWN"
}

// Field names used across the bridge.
const (
	FieldEventName = "Event-Name"
	FieldSubclass  = "Event-Subclass"
	FieldUniqueID  = "Unique-ID"
)

// Event is one decoded event: a flat set of string fields plus the Kind
// derived from its Event-Name.
type Event struct {
	fields map[string]string
	kind   Kind
}

// NewEvent creates an Event from a slice of key-value pairs.
func NewEvent(kvs ...string) Event {
	fields := make(map[string]string, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		fields[kvs[i]] = kvs[i+1]
	}
	return newEvent(fields)
}

func newEvent(fields map[string]string) Event {
	return Event{fields: fields, kind: KindOf(fields[FieldEventName])}
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	return e.fields[key]
}

// Lookup returns the value for key and whether it was present.
func (e Event) Lookup(key string) (string, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// Name returns the Event-Name field.
func (e Event) Name() string {
	return e.fields[FieldEventName]
}

// Kind returns the decoded event type.
func (e Event) Kind() Kind {
	return e.kind
}

// Subclass returns the Event-Subclass field of CUSTOM events.
func (e Event) Subclass() string {
	return e.fields[FieldSubclass]
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// Len returns the number of fields.
func (e Event) Len() int {
	return len(e.fields)
}

// Fields returns a copy of all fields.
func (e Event) Fields() map[string]string {
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
