package router

import "github.com/ucaas/esl-bridge/internal/esl"

// Sink kinds passed to Persist.
const (
	KindCallState      = "call-state"
	KindCallRecorded   = "call-recorded"
	KindHangupComplete = "hangup-complete"
)

// Broadcast kinds.
const (
	BroadcastCallState = "CallState"
)

// hangupFields is the call accounting subset of CHANNEL_HANGUP_COMPLETE.
var hangupFields = []string{
	esl.FieldUniqueID,
	"Other-Leg-Unique-ID",
	"Call-Direction",
	"Answer-State",
	"Hangup-Cause",
	"Caller-Caller-ID-Name",
	"Caller-Caller-ID-Number",
	"Caller-Destination-Number",
	"Caller-Network-Addr",
	"Event-Date-Local",
	"Event-Date-Timestamp",
	"variable_sip_call_id",
	"variable_sip_from_user",
	"variable_sip_to_user",
	"variable_sip_hangup_disposition",
	"variable_sip_term_status",
	"variable_start_stamp",
	"variable_answer_stamp",
	"variable_end_stamp",
	"variable_duration",
	"variable_billsec",
	"variable_progresssec",
	"variable_answersec",
	"variable_waitsec",
	"variable_rtp_audio_in_mos",
	"variable_rtp_audio_in_packet_count",
	"variable_rtp_audio_in_skip_packet_count",
	"variable_rtp_audio_in_jitter_max_variance",
	"variable_rtp_audio_out_packet_count",
	"variable_record_seconds",
}

// CallLegSnapshot is the accounting view of a finished call leg. It holds
// only fields present on the source event.
type CallLegSnapshot map[string]string

// Snapshot projects a hangup-complete event.
func Snapshot(evt esl.Event) CallLegSnapshot {
	snap := make(CallLegSnapshot, len(hangupFields))
	for _, key := range hangupFields {
		if v, ok := evt.Lookup(key); ok {
			snap[key] = v
		}
	}
	return snap
}

// AnswerState is the Answer-State of a CHANNEL_STATE event.
type AnswerState string

const (
	AnswerRinging  AnswerState = "ringing"
	AnswerAnswered AnswerState = "answered"
	AnswerHangup   AnswerState = "hangup"
)

// projectedField maps a source field to its key in a live-status payload.
type projectedField struct {
	from string
	to   string
}

var (
	fieldAnswerState = projectedField{"Answer-State", "Answer-State"}
	fieldUniqueID    = projectedField{esl.FieldUniqueID, "uuid"}
	fieldDirection   = projectedField{"Call-Direction", "direction"}
	fieldOrigin      = projectedField{"Caller-Caller-ID-Number", "origin"}
	fieldCause       = projectedField{"Hangup-Cause", "hangup_cause"}
	fieldTimestamp   = projectedField{"Event-Date-Local", "timestamp"}
)

var (
	callProgressFields = []projectedField{fieldAnswerState, fieldUniqueID, fieldDirection, fieldOrigin, fieldTimestamp}
	hangupStateFields  = []projectedField{fieldAnswerState, fieldUniqueID, fieldDirection, fieldOrigin, fieldCause, fieldTimestamp}
	otherStateFields   = []projectedField{fieldAnswerState, fieldUniqueID, fieldTimestamp}
)

// LiveStatus builds the UI payload for a CHANNEL_STATE event. The field set
// depends on the Answer-State; absent source fields are left out.
func LiveStatus(evt esl.Event) map[string]string {
	payload := map[string]string{"key": BroadcastCallState}

	var fields []projectedField
	withNumbers := true
	switch AnswerState(evt.Get("Answer-State")) {
	case AnswerRinging, AnswerAnswered:
		fields = callProgressFields
	case AnswerHangup:
		fields = hangupStateFields
	default:
		fields = otherStateFields
		withNumbers = false
	}

	for _, f := range fields {
		if v, ok := evt.Lookup(f.from); ok {
			payload[f.to] = v
		}
	}
	if withNumbers {
		if dest, ok := destination(evt); ok {
			payload["destination"] = dest
		}
	}
	return payload
}

// destination prefers the bridged leg's number over the dialled one.
func destination(evt esl.Event) (string, bool) {
	if v, ok := evt.Lookup("Other-Leg-Destination-Number"); ok {
		return v, true
	}
	return evt.Lookup("Caller-Destination-Number")
}

// registrationExtension returns the extension a sofia register event is
// about.
func registrationExtension(evt esl.Event) string {
	if v := evt.Get("from-user"); v != "" {
		return v
	}
	return evt.Get("username")
}
