// Command wiretap records a live FreeSWITCH event stream into a fixture
// file, and sanitizes or summarizes existing captures.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fiorix/go-eventsocket/eventsocket"
	"github.com/spf13/pflag"

	"github.com/ucaas/esl-bridge/internal/esl"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("wiretap", pflag.ContinueOnError)
	host := flagSet.String("host", "127.0.0.1", "FreeSWITCH event socket host")
	port := flagSet.Int("port", 8021, "FreeSWITCH event socket port")
	password := flagSet.String("password", "", "event socket password")
	mask := flagSet.String("events", "ALL", "event subscription mask")
	outDir := flagSet.String("outdir", "testdata/captures", "output directory for captures")
	limit := flagSet.Int("count", 0, "stop after this many events (0 = until interrupted)")
	sanitize := flagSet.String("sanitize", "", "sanitize a capture file in place (keeps .bak)")
	summary := flagSet.String("summary", "", "print the events a capture decodes to")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	switch {
	case *sanitize != "":
		if err := sanitizeFile(*sanitize); err != nil {
			return fmt.Errorf("sanitize: %w", err)
		}
		fmt.Println("sanitized:", *sanitize)
		return nil
	case *summary != "":
		return summarize(os.Stdout, *summary)
	}

	if *password == "" {
		flagSet.Usage()
		return fmt.Errorf("--password is required")
	}
	return capture(net.JoinHostPort(*host, strconv.Itoa(*port)), *password, *mask, *outDir, *limit)
}

func capture(addr, password, mask, outDir string, limit int) error {
	fmt.Printf("connecting to %s...\n", addr)
	h, err := eventsocket.Dial(addr, password)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer h.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()
	fmt.Printf("writing to %s\n", filename)

	io.WriteString(f, "Content-Type: auth/request\n\nContent-Type: command/reply\nReply-Text: +OK accepted\n\n")

	reply, err := h.Send("event json " + mask)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	fmt.Fprintf(f, "Content-Type: command/reply\nReply-Text: %s\n\n", reply.Get("Reply-Text"))

	// Closing the socket unblocks ReadEvent on interrupt.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		h.Close()
	}()

	fmt.Println("streaming events (ctrl+c to stop)...")
	n := 0
	for limit == 0 || n < limit {
		evt, err := h.ReadEvent()
		if err != nil {
			fmt.Printf("stopped after %d events: %v\n", n, err)
			return nil
		}
		if evt.Get(esl.FieldEventName) == "" {
			continue
		}
		if err := writeEvent(f, evt); err != nil {
			return err
		}
		n++
	}
	fmt.Printf("captured %d events\n", n)
	return nil
}

// writeEvent appends evt in the framing the switch itself uses for
// text/event-json, so captures replay byte-compatibly.
func writeEvent(w io.Writer, evt *eventsocket.Event) error {
	fields := make(map[string]string, len(evt.Header)+1)
	for k, v := range evt.Header {
		if s, ok := headerString(v); ok {
			fields[k] = s
		}
	}
	if evt.Body != "" {
		fields["_body"] = evt.Body
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", evt.Get(esl.FieldEventName), err)
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\nContent-Type: text/event-json\n\n%s", len(body), body)
	return err
}

// headerString flattens a header value. Repeated headers arrive as a
// []string.
func headerString(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []string:
		return strings.Join(v, ", "), true
	default:
		return fmt.Sprint(v), true
	}
}

func summarize(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	events := esl.ParseBytes(data)
	counts := map[string]int{}
	for i, evt := range events {
		name := evt.Name()
		if sub := evt.Subclass(); sub != "" {
			name += " " + sub
		}
		counts[evt.Kind().String()]++
		fmt.Fprintf(w, "%4d  %-28s %s\n", i+1, name, evt.Get(esl.FieldUniqueID))
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "\n%d events\n", len(events))
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
	}
	return nil
}
