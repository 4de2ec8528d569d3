package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAuthFailed     = errors.New("esl: authentication rejected")
	ErrClosed         = errors.New("esl: connection closed")
	ErrInvalidCommand = errors.New("esl: command contains \\r or \\n")
	ErrInvalidMask    = errors.New("esl: invalid event mask")
)

// State is the authentication state of a Conn.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Options configures a connection to the switch.
type Options struct {
	Host     string
	Port     int
	Password string

	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	// ReadTimeout bounds the wait for the next frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Conn is an authenticated event socket connection. Only the goroutine
// that owns it reads from it; writes are serialised.
type Conn struct {
	opts    Options
	nc      net.Conn
	reader  *bufio.Reader
	scanner *bufio.Scanner

	state     atomic.Int32
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the switch and authenticates. It returns only after the
// switch accepted the password. Dial and the handshake are bounded by
// ConnectTimeout and AuthTimeout; cancelling ctx aborts both.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", opts.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr(), err)
	}
	return handshake(ctx, nc, opts)
}

// NewConn authenticates over an already established transport.
func NewConn(ctx context.Context, nc net.Conn, opts Options) (*Conn, error) {
	return handshake(ctx, nc, opts)
}

func handshake(ctx context.Context, nc net.Conn, opts Options) (*Conn, error) {
	c := &Conn{opts: opts, nc: nc, reader: bufio.NewReader(nc)}
	c.state.Store(int32(StateAuthenticating))

	// The auth deadline goes first so a cancellation cannot be overwritten.
	if opts.AuthTimeout > 0 {
		nc.SetDeadline(time.Now().Add(opts.AuthTimeout))
	}
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	if err := c.authenticate(); err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("authenticating: %w", ctx.Err())
		}
		return nil, err
	}
	nc.SetDeadline(time.Time{})

	c.scanner = bufio.NewScanner(c.reader)
	c.scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	c.scanner.Split(ScanFrames)
	c.state.Store(int32(StateAuthenticated))
	return c, nil
}

// authenticate sends the password and reads lines until the reply carries
// OK or ERR, whichever shows up first.
func (c *Conn) authenticate() error {
	if _, err := fmt.Fprintf(c.nc, "auth %s\n\n", c.opts.Password); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var seen strings.Builder
	for {
		line, err := c.reader.ReadString('\n')
		seen.WriteString(line)
		switch authVerdict(seen.String()) {
		case verdictOK:
			return nil
		case verdictERR:
			return fmt.Errorf("%w: %s", ErrAuthFailed, strings.TrimSpace(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reading auth reply: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("reading auth reply: %w", err)
		}
	}
}

type verdict int

const (
	verdictPending verdict = iota
	verdictOK
	verdictERR
)

func authVerdict(reply string) verdict {
	ok := strings.Index(reply, "OK")
	bad := strings.Index(reply, "ERR")
	switch {
	case bad >= 0 && (ok < 0 || bad < ok):
		return verdictERR
	case ok >= 0:
		return verdictOK
	default:
		return verdictPending
	}
}

// State reports the connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Subscribe asks for events matching mask, e.g. "ALL" or
// "CHANNEL_STATE CUSTOM sofia::register". No reply is awaited.
func (c *Conn) Subscribe(mask string) error {
	mask = strings.TrimSpace(mask)
	if mask == "" || strings.ContainsAny(mask, "\r\n") {
		return ErrInvalidMask
	}
	return c.SendCommand("event json " + mask)
}

// SendCommand writes one command followed by the frame delimiter.
func (c *Conn) SendCommand(cmd string) error {
	if strings.ContainsAny(cmd, "\r\n") {
		return ErrInvalidCommand
	}
	if c.State() == StateClosed {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.opts.WriteTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := io.WriteString(c.nc, cmd+"\n\n"); err != nil {
		c.Close()
		return fmt.Errorf("sending %q: %w", firstWord(cmd), err)
	}
	return nil
}

// NextFrame blocks until a complete frame arrives. It returns io.EOF when
// the switch closed the stream cleanly; any other failure is wrapped. Either
// way the connection is closed afterwards.
func (c *Conn) NextFrame() ([]byte, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	if c.opts.ReadTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	if c.scanner.Scan() {
		return c.scanner.Bytes(), nil
	}

	err := c.scanner.Err()
	wasClosed := c.State() == StateClosed
	c.Close()
	switch {
	case err == nil:
		return nil, io.EOF
	case wasClosed:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("reading frame: %w", err)
	}
}

// Close closes the socket. It is safe to call more than once and from
// another goroutine to interrupt a blocked NextFrame.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
