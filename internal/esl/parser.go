package esl

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// MaxFrameSize bounds a single frame. A peer that streams more than this
// without a blank line is not speaking the event protocol.
const MaxFrameSize = 1 << 20

var (
	lfDelim   = []byte("\n\n")
	crlfDelim = []byte("\r\n\r\n")
)

// indexDelim returns the position and width of the first frame delimiter
// in data, or -1.
func indexDelim(data []byte) (int, int) {
	lf := bytes.Index(data, lfDelim)
	crlf := bytes.Index(data, crlfDelim)
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, len(lfDelim)
	default:
		return crlf, len(crlfDelim)
	}
}

// ScanFrames is a bufio.SplitFunc that yields blank-line delimited frames.
// Empty frames (consecutive delimiters) are returned as empty tokens and
// left for the caller to skip.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, width := indexDelim(data); i >= 0 {
		return i + width, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ParseFrame extracts the JSON payload between the first '{' and the last
// '}' of a frame and decodes it. Frames without a payload, with an
// undecodable payload, or without an Event-Name yield false.
func ParseFrame(frame []byte) (Event, bool) {
	open := bytes.IndexByte(frame, '{')
	end := bytes.LastIndexByte(frame, '}')
	if open < 0 || end < 0 || end < open {
		return Event{}, false
	}

	// Some switch builds quote JSON with single quotes.
	payload := bytes.ReplaceAll(frame[open:end+1], []byte("'"), []byte(`"`))

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Event{}, false
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := stringify(v); ok {
			fields[k] = s
		}
	}
	if fields[FieldEventName] == "" {
		return Event{}, false
	}
	return newEvent(fields), true
}

// stringify flattens a decoded JSON value. Nulls are dropped so a missing
// value is never confused with an empty one.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// Parser turns raw socket reads into Events. A frame split across reads is
// held back until its delimiter arrives.
type Parser struct {
	pending []byte
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse consumes one chunk of stream data and returns the events completed
// by it, in arrival order.
func (p *Parser) Parse(chunk []byte) []Event {
	p.pending = append(p.pending, chunk...)

	var events []Event
	for {
		advance, frame, _ := ScanFrames(p.pending, false)
		if advance == 0 {
			break
		}
		if evt, ok := ParseFrame(frame); ok {
			events = append(events, evt)
		}
		p.pending = p.pending[advance:]
	}

	if len(p.pending) > MaxFrameSize {
		p.pending = nil
	} else if len(p.pending) > 0 {
		p.pending = append([]byte(nil), p.pending...)
	} else {
		p.pending = nil
	}
	return events
}

// Flush treats whatever is buffered as a final frame, as at end of stream.
func (p *Parser) Flush() []Event {
	rest := p.pending
	p.pending = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if evt, ok := ParseFrame(rest); ok {
		return []Event{evt}
	}
	return nil
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (p *Parser) Pending() int {
	return len(p.pending)
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	p := NewParser()
	events := p.Parse(data)
	return append(events, p.Flush()...)
}
