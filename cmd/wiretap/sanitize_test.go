package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fiorix/go-eventsocket/eventsocket"

	"github.com/ucaas/esl-bridge/internal/esl"
)

func frame(body string) string {
	return "Content-Length: " + strconv.Itoa(len(body)) + "\nContent-Type: text/event-json\n\n" + body
}

const handshake = "Content-Type: auth/request\n\nContent-Type: command/reply\nReply-Text: +OK accepted\n\n"

func TestSanitizeRedactsAndReframes(t *testing.T) {
	body := `{"Event-Name": "CUSTOM", "Event-Subclass": "sofia::register", "network-ip": "203.0.113.7", ` +
		`"Caller-Caller-ID-Number": "+14155550123", "variable_sip_auth_password": "hunter2", "from-user": "1003", ` +
		`"FreeSWITCH-IPv4": "127.0.0.1"}`
	capture := handshake + frame(body) + frame(`{"Event-Name": "HEARTBEAT"}`)

	out := sanitize(capture)

	if strings.Contains(out, "hunter2") {
		t.Error("password survived sanitizing")
	}
	if strings.Contains(out, "203.0.113.7") || !strings.Contains(out, "10.0.0.1") {
		t.Error("remote IP not replaced")
	}
	if !strings.Contains(out, `"FreeSWITCH-IPv4": "127.0.0.1"`) {
		t.Error("localhost should be preserved")
	}
	if strings.Contains(out, "4155550123") || !strings.Contains(out, "15550001234") {
		t.Error("caller number not replaced")
	}
	if !strings.HasPrefix(out, handshake) {
		t.Error("handshake should be untouched")
	}

	events := esl.ParseBytes([]byte(out))
	if len(events) != 2 {
		t.Fatalf("expected 2 events after sanitizing, got %d", len(events))
	}
	if events[0].Get("from-user") != "1003" {
		t.Errorf("extension should be kept, got %q", events[0].Get("from-user"))
	}
	if events[0].Get("variable_sip_auth_password") != "REDACTED" {
		t.Errorf("expected REDACTED, got %q", events[0].Get("variable_sip_auth_password"))
	}

	// Content-Length must match the rewritten body.
	for _, part := range strings.Split(out, "Content-Length: ")[1:] {
		n, err := strconv.Atoi(part[:strings.IndexByte(part, '\n')])
		if err != nil {
			t.Fatal(err)
		}
		body := part[strings.Index(part, "\n\n")+2:]
		if n != len(body) {
			t.Errorf("Content-Length %d does not match body length %d", n, len(body))
		}
	}
}

func TestSanitizeFileKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.raw")
	original := handshake + frame(`{"Event-Name": "CHANNEL_CREATE", "Caller-Network-Addr": "198.51.100.20"}`)
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := sanitizeFile(path); err != nil {
		t.Fatalf("sanitizeFile: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(bak) != original {
		t.Error("backup differs from original")
	}
	got, _ := os.ReadFile(path)
	if strings.Contains(string(got), "198.51.100.20") {
		t.Error("IP survived sanitizing")
	}
}

func TestWriteEventRoundTrips(t *testing.T) {
	evt := &eventsocket.Event{
		Header: eventsocket.EventHeader{
			"Event-Name":   "CHANNEL_STATE",
			"Answer-State": "ringing",
			"Unique-ID":    "u1",
		},
		Body: "hello",
	}
	var buf bytes.Buffer
	if err := writeEvent(&buf, evt); err != nil {
		t.Fatalf("writeEvent: %v", err)
	}

	events := esl.ParseBytes(buf.Bytes())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind() != esl.KindChannelState || events[0].Get("Answer-State") != "ringing" {
		t.Errorf("unexpected event %v", events[0].Fields())
	}
	if events[0].Get("_body") != "hello" {
		t.Errorf("expected body to be kept, got %q", events[0].Get("_body"))
	}
}

func TestHeaderString(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"ringing", "ringing", true},
		{[]string{"a", "b"}, "a, b", true},
		{42, "42", true},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := headerString(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("headerString(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSummarizeFixture(t *testing.T) {
	var buf bytes.Buffer
	if err := summarize(&buf, filepath.Join("..", "..", "testdata", "fixtures", "call-flow.raw")); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "12 events") {
		t.Errorf("expected 12 events in summary:\n%s", out)
	}
	if !strings.Contains(out, "CUSTOM sofia::register") {
		t.Errorf("expected subclass in summary:\n%s", out)
	}
}
