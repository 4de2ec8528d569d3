package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ucaas/esl-bridge/internal/config"
	"github.com/ucaas/esl-bridge/internal/esl"
	"github.com/ucaas/esl-bridge/internal/publisher"
	"github.com/ucaas/esl-bridge/internal/router"
	"github.com/ucaas/esl-bridge/internal/sink"
	"github.com/ucaas/esl-bridge/internal/store"
)

const password = "ClueCon"

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), name))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return data
}

// eventsOnly strips the recorded handshake so a fake switch can replay it
// after doing its own.
func eventsOnly(t *testing.T, data []byte) []byte {
	t.Helper()
	i := bytes.Index(data, []byte("Content-Length:"))
	if i < 0 {
		t.Fatal("fixture has no events")
	}
	return data[i:]
}

// runPipeline pushes a fixture through router, dispatcher and fanout into a
// real store and a mock MQTT publisher.
func runPipeline(t *testing.T, fixture string) (*publisher.MockPublisher, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bridge.db"), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := publisher.NewMockPublisher()
	d := sink.NewDispatcher(sink.NewFanout(st, publisher.NewBroadcaster(mock, "freeswitch")), sink.Options{Logger: zerolog.Nop()})
	rt := router.New(d, d)

	for _, evt := range esl.ParseBytes(readFixture(t, fixture)) {
		rt.Dispatch(evt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("draining dispatcher: %v", err)
	}
	if d.Failed() != 0 || d.Dropped() != 0 {
		t.Fatalf("expected clean dispatch, failed=%d dropped=%d", d.Failed(), d.Dropped())
	}
	return mock, st
}

func parsePayload(t *testing.T, msg publisher.Message) map[string]string {
	t.Helper()
	fields, err := msg.Fields()
	if err != nil {
		t.Fatal(err)
	}
	return fields
}

func TestPipelineCallFlow(t *testing.T) {
	mock, st := runPipeline(t, "call-flow.raw")
	msgs := mock.Messages()

	wantTopics := []string{
		"freeswitch/callstate",
		"freeswitch/callstate",
		"freeswitch/registration",
		"freeswitch/callstate",
		"freeswitch/registration",
		"freeswitch/resync",
	}
	if topics := mock.Topics(); strings.Join(topics, ",") != strings.Join(wantTopics, ",") {
		t.Fatalf("expected topics %v, got %v", wantTopics, topics)
	}

	ringing := parsePayload(t, msgs[0])
	assertPayloadField(t, ringing, "key", "CallState")
	assertPayloadField(t, ringing, "Answer-State", "ringing")
	assertPayloadField(t, ringing, "destination", "1001")
	assertPayloadField(t, ringing, "uuid", "a1b2c3d4-0001-4000-8000-000000000001")

	hangup := parsePayload(t, msgs[3])
	assertPayloadField(t, hangup, "Answer-State", "hangup")
	assertPayloadField(t, hangup, "hangup_cause", "NORMAL_CLEARING")

	registered := parsePayload(t, msgs[2])
	assertPayloadField(t, registered, "extension", "1003")
	assertPayloadField(t, registered, "registered", "true")
	unregistered := parsePayload(t, msgs[4])
	assertPayloadField(t, unregistered, "registered", "false")
	resync := parsePayload(t, msgs[5])
	assertPayloadField(t, resync, "reason", router.ReasonShutdown)

	ctx := context.Background()
	regs, err := st.Registrations(ctx)
	if err != nil {
		t.Fatalf("registrations: %v", err)
	}
	if len(regs) != 1 || regs["1003"] {
		t.Errorf("expected 1003 unregistered after shutdown, got %v", regs)
	}

	counts := map[string]int{}
	records, err := st.CallRecords(ctx, "")
	if err != nil {
		t.Fatalf("call records: %v", err)
	}
	for _, rec := range records {
		counts[rec.Kind]++
	}
	want := map[string]int{"call-state": 3, "call-recorded": 1, "hangup-complete": 1}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("expected %d %s records, got %d", n, kind, counts[kind])
		}
	}

	snapshots, _ := st.CallRecords(ctx, "hangup-complete")
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 hangup snapshot, got %d", len(snapshots))
	}
	snap := snapshots[0].Fields
	if snap["variable_billsec"] != "16" || snap["Hangup-Cause"] != "NORMAL_CLEARING" {
		t.Errorf("unexpected snapshot %v", snap)
	}
	for k, v := range snap {
		if v == "" {
			t.Errorf("snapshot field %s has an empty placeholder", k)
		}
	}
}

// fakeSwitch speaks just enough of the event socket protocol to
// authenticate a client and replay a capture to the first connection.
type fakeSwitch struct {
	ln      net.Listener
	events  []byte
	release chan struct{}
	conns   atomic.Int32
}

func startFakeSwitch(t *testing.T, events []byte) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSwitch{ln: ln, events: events, release: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSwitch) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSwitch) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		n := s.conns.Add(1)
		go s.handle(nc, n == 1)
	}
}

func (s *fakeSwitch) handle(nc net.Conn, replay bool) {
	defer nc.Close()
	r := bufio.NewReader(nc)

	io.WriteString(nc, "Content-Type: auth/request\n\n")
	if readCommand(r) != "auth "+password {
		io.WriteString(nc, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
		return
	}
	io.WriteString(nc, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

	if !strings.HasPrefix(readCommand(r), "event json ") {
		return
	}
	io.WriteString(nc, "Content-Type: command/reply\nReply-Text: +OK event listener enabled json\n\n")

	if !replay {
		io.Copy(io.Discard, r)
		return
	}
	<-s.release
	nc.Write(s.events)
}

func readCommand(r *bufio.Reader) string {
	var first string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return first
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if first != "" {
				return first
			}
			continue
		}
		if first == "" {
			first = line
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestBridgeEndToEnd(t *testing.T) {
	fs := startFakeSwitch(t, eventsOnly(t, readFixture(t, "call-flow.raw")))

	cfg := config.Default()
	cfg.FreeSWITCH.Port = fs.port()
	cfg.FreeSWITCH.Password = password
	cfg.Reconnect.Delay = 20 * time.Millisecond
	cfg.Reconnect.MaxDelay = 20 * time.Millisecond
	cfg.Store.Path = filepath.Join(t.TempDir(), "bridge.db")

	b, err := newBridge(cfg, zerolog.Nop(), publisher.NewMockPublisher())
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.serve(ctx, ln) }()

	var health healthResponse
	waitFor(t, "listening", func() bool {
		return getJSON(t, base+"/healthz", &health) == http.StatusOK
	})
	if health.State != "listening" || health.Attempts != 1 {
		t.Errorf("unexpected health %+v", health)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+cfg.HTTP.WSPath, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer ws.Close()
	waitFor(t, "subscriber", func() bool { return b.hub.Len() == 1 })

	close(fs.release)

	// The resync of the first session may or may not reach the subscriber,
	// depending on when it connected.
	var keys []string
	var last map[string]string
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(keys) < 6 {
		var msg map[string]string
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("reading websocket after %v: %v", keys, err)
		}
		if len(keys) == 0 && msg["key"] == sink.BroadcastResync && msg["reason"] == reasonReconnect {
			continue
		}
		keys = append(keys, msg["key"])
		last = msg
	}
	if last["reason"] != router.ReasonShutdown {
		t.Errorf("expected the final resync to carry reason %q, got %v", router.ReasonShutdown, last)
	}
	want := []string{"CallState", "CallState", "Registration", "CallState", "Registration", "Resync"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, keys)
	}

	// The switch hangs up after the capture; the bridge must come back.
	waitFor(t, "reconnect", func() bool {
		return b.supervisor.Attempts() >= 2 && fs.conns.Load() >= 2
	})

	var regs map[string]bool
	waitFor(t, "registrations", func() bool {
		getJSON(t, base+"/registrations", &regs)
		_, ok := regs["1003"]
		return ok
	})
	if regs["1003"] {
		t.Errorf("expected 1003 unregistered, got %v", regs)
	}

	var calls []callResponse
	waitFor(t, "call records", func() bool {
		return getJSON(t, base+"/calls", &calls) == http.StatusOK && len(calls) == 5
	})
	var hangups []callResponse
	getJSON(t, base+"/calls?kind=hangup-complete", &hangups)
	if len(hangups) != 1 || hangups[0].Fields["Hangup-Cause"] != "NORMAL_CLEARING" {
		t.Errorf("unexpected hangup records %+v", hangups)
	}
	if hangups[0].UniqueID != "a1b2c3d4-0001-4000-8000-000000000001" {
		t.Errorf("unexpected unique id %q", hangups[0].UniqueID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func TestBridgeRejectedPassword(t *testing.T) {
	fs := startFakeSwitch(t, nil)

	cfg := config.Default()
	cfg.FreeSWITCH.Port = fs.port()
	cfg.FreeSWITCH.Password = "wrong"
	cfg.Reconnect.Delay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 10 * time.Millisecond
	cfg.Store.Path = filepath.Join(t.TempDir(), "bridge.db")

	b, err := newBridge(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.serve(ctx, ln) }()

	waitFor(t, "retries", func() bool { return b.supervisor.Attempts() >= 3 })

	var health healthResponse
	if status := getJSON(t, "http://"+ln.Addr().String()+"/healthz", &health); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while unauthenticated, got %d", status)
	}
	if !strings.Contains(health.LastError, "auth") {
		t.Errorf("expected auth failure in last_error, got %q", health.LastError)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func assertPayloadField(t *testing.T, p map[string]string, key, expected string) {
	t.Helper()
	if v, ok := p[key]; !ok {
		t.Errorf("missing field %q", key)
	} else if v != expected {
		t.Errorf("expected %s=%q, got %q", key, expected, v)
	}
}
