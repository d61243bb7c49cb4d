// Package stream manages persistent websocket subscriptions.
//
// A Session owns one logical subscription (candles, positions, mark prices)
// and walks the state machine
//
//	Connecting → Open → Closing → Closed
//
// On Closed the close code decides what happens next: 1005 is terminal,
// 4004 (idle timeout) stops without retrying, anything else reconnects
// immediately on a brand-new connection with the current parameter set.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes with special meaning.
const (
	CodeTerminal = websocket.CloseNoStatusReceived // 1005: operator-initiated stop
	CodeIdle     = 4004                            // no data within the server's idle window
	codeAbnormal = websocket.CloseAbnormalClosure  // 1006: dropped without a close frame
)

// CloseKind classifies why a session closed.
type CloseKind int

const (
	CloseTransient CloseKind = iota
	CloseTerminal
	CloseIdle
)

func (k CloseKind) String() string {
	switch k {
	case CloseTerminal:
		return "terminal"
	case CloseIdle:
		return "idle"
	default:
		return "transient"
	}
}

// Classify maps a close code to its CloseKind.
func Classify(code int) CloseKind {
	switch code {
	case CodeTerminal:
		return CloseTerminal
	case CodeIdle:
		return CloseIdle
	default:
		return CloseTransient
	}
}

// ErrNotOpen is returned when writing to a session that is not Open.
var ErrNotOpen = errors.New("stream: session not open")

// Conn is the subset of *websocket.Conn a Session needs.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a new Conn. Every call must return a fresh connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials real websocket connections with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config describes one logical subscription.
type Config struct {
	// Name identifies the session in logs, e.g. "alpha/candles".
	Name string
	URL  string

	// Args returns the current parameter set. It is evaluated on every
	// (re)connect, so it may track a changing instrument list.
	Args func() []Arg

	// OnMessage receives every data envelope in delivery order. Errors and
	// panics are reported through OnHandlerError and never close the session.
	OnMessage func(Envelope) error

	// OnReconnect is called after a transient close, before redialing.
	OnReconnect func(code int, reason string)
	// OnTerminal is called once when the session ends with code 1005
	// (including a local Close).
	OnTerminal func(code int)
	// OnIdle is called once when the server closes for inactivity (4004).
	OnIdle func()
	// OnHandlerError reports OnMessage failures and exchange error events.
	OnHandlerError func(err error)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(from, to State)

	// DialRetryDelay is the initial wait after a failed dial. Defaults to 1s.
	DialRetryDelay time.Duration
	// MaxDialRetryDelay caps the dial backoff. Defaults to 30s.
	MaxDialRetryDelay time.Duration
	// PingInterval sends a text "ping" keepalive. Zero disables it.
	PingInterval time.Duration
}

func (c *Config) defaults() {
	if c.DialRetryDelay == 0 {
		c.DialRetryDelay = time.Second
	}
	if c.MaxDialRetryDelay == 0 {
		c.MaxDialRetryDelay = 30 * time.Second
	}
	if c.Args == nil {
		c.Args = func() []Arg { return nil }
	}
}

// Session is a self-healing subscription over successive connections.
type Session struct {
	cfg    Config
	dialer Dialer

	mu       sync.Mutex
	state    State
	conn     Conn
	args     []Arg // last subscribed parameter set
	cancel   context.CancelFunc
	stopped  bool
	started  bool
	kind     CloseKind
	attempts int

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a Session. Nothing is dialed until Run.
func New(cfg Config, dialer Dialer) *Session {
	cfg.defaults()
	return &Session{
		cfg:    cfg,
		dialer: dialer,
		state:  StateClosed,
		done:   make(chan struct{}),
	}
}

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connects returns how many connections have been opened so far.
func (s *Session) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start runs the session in its own goroutine.
func (s *Session) Start(ctx context.Context) {
	go s.Run(ctx)
}

// dialBackOff doubles the wait between failed dials from DialRetryDelay up
// to MaxDialRetryDelay, with jitter, and never gives up.
func (s *Session) dialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.DialRetryDelay
	b.MaxInterval = s.cfg.MaxDialRetryDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run drives the session until a terminal or idle close, or until ctx is
// cancelled / Close is called. It returns the final CloseKind.
func (s *Session) Run(ctx context.Context) CloseKind {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("stream: session " + s.cfg.Name + " started twice")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	stopped := s.stopped
	s.mu.Unlock()
	defer cancel()
	defer close(s.done)

	if stopped {
		return s.finish(CloseTerminal, CodeTerminal)
	}

	redial := s.dialBackOff()
	for {
		if ctx.Err() != nil {
			return s.finish(CloseTerminal, CodeTerminal)
		}

		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(CloseTerminal, CodeTerminal)
			}
			delay := redial.NextBackOff()
			log.Printf("[stream] %s dial failed (%v), retrying in %s", s.cfg.Name, err, delay)
			select {
			case <-ctx.Done():
				return s.finish(CloseTerminal, CodeTerminal)
			case <-time.After(delay):
			}
			continue
		}
		redial.Reset()

		code, reason := s.serve(ctx, conn)
		s.setState(StateClosed)

		if ctx.Err() != nil {
			// Local stop. Behaves exactly like a 1005 from the server.
			code = CodeTerminal
		}

		switch kind := Classify(code); kind {
		case CloseTerminal, CloseIdle:
			return s.finish(kind, code)
		default:
			log.Printf("[stream] %s closed (code=%d %s), reconnecting", s.cfg.Name, code, reason)
			if s.cfg.OnReconnect != nil {
				s.cfg.OnReconnect(code, reason)
			}
		}
	}
}

// Close stops the session. The open connection (if any) is closed and
// no reconnect is attempted. Safe to call more than once and before Run.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopped = true
	wasOpen := s.state == StateOpen
	if wasOpen {
		s.state = StateClosing
	}
	cancel := s.cancel
	s.mu.Unlock()
	if wasOpen && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(StateOpen, StateClosing)
	}
	if cancel != nil {
		cancel()
	}
}

// Send writes v on the open connection. Writing before the session reaches
// Open is a programming error and fails fast with ErrNotOpen.
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Refresh re-evaluates Args and, when the session is open, unsubscribes the
// removed arguments and subscribes the added ones on the live connection.
// A closed session picks up the new set on its next connect.
func (s *Session) Refresh() error {
	next := s.cfg.Args()

	s.mu.Lock()
	prev := s.args
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open {
		return nil
	}

	added, removed := diffArgs(prev, next)
	if len(removed) > 0 {
		if err := s.Send(Request{Op: OpUnsubscribe, Args: removed}); err != nil {
			return fmt.Errorf("stream: %s unsubscribe: %w", s.cfg.Name, err)
		}
	}
	if len(added) > 0 {
		if err := s.Send(Request{Op: OpSubscribe, Args: added}); err != nil {
			return fmt.Errorf("stream: %s subscribe: %w", s.cfg.Name, err)
		}
	}

	s.mu.Lock()
	s.args = next
	s.mu.Unlock()
	return nil
}

// Kind returns the CloseKind Run finished with. Only meaningful after Done.
func (s *Session) Kind() CloseKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// serve runs one connection: subscribe, then read until the connection
// closes. Returns the close code and reason.
func (s *Session) serve(ctx context.Context, conn Conn) (int, string) {
	args := s.cfg.Args()

	s.mu.Lock()
	s.conn = conn
	s.attempts++
	s.mu.Unlock()
	s.setState(StateOpen)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Subscribing is the first write on every new connection.
	if err := s.Send(Request{Op: OpSubscribe, Args: args}); err != nil {
		log.Printf("[stream] %s subscribe failed: %v", s.cfg.Name, err)
		return codeAbnormal, err.Error()
	}
	s.mu.Lock()
	s.args = args
	s.mu.Unlock()
	log.Printf("[stream] %s open, subscribed %d args", s.cfg.Name, len(args))

	connDone := make(chan struct{})
	defer close(connDone)

	// Async context watcher: closes the connection when ctx is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"))
			s.writeMu.Unlock()
			conn.Close()
		case <-connDone:
		}
	}()

	if s.cfg.PingInterval > 0 {
		go s.keepalive(conn, connDone)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.setState(StateClosing)
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return codeAbnormal, err.Error()
		}
		s.dispatch(raw)
	}
}

func (s *Session) keepalive(conn Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch decodes one frame and hands data envelopes to OnMessage.
// A bad message is reported and skipped; it never ends the session.
func (s *Session) dispatch(raw []byte) {
	if string(raw) == "pong" {
		return
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.reportErr(fmt.Errorf("%s: decode: %w", s.cfg.Name, err))
		return
	}
	switch env.Event {
	case "":
	case "error":
		s.reportErr(fmt.Errorf("%s: exchange error %s: %s", s.cfg.Name, env.Code, env.Msg))
		return
	default:
		// subscribe / unsubscribe acks
		return
	}
	if s.cfg.OnMessage == nil || len(env.Data) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.reportErr(fmt.Errorf("%s: handler panic: %v", s.cfg.Name, r))
		}
	}()
	if err := s.cfg.OnMessage(env); err != nil {
		s.reportErr(fmt.Errorf("%s: %w", s.cfg.Name, err))
	}
}

func (s *Session) reportErr(err error) {
	log.Printf("[stream] %v", err)
	if s.cfg.OnHandlerError != nil {
		s.cfg.OnHandlerError(err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	from := s.state
	s.state = st
	s.mu.Unlock()
	if from != st && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, st)
	}
}

func (s *Session) finish(kind CloseKind, code int) CloseKind {
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
	s.setState(StateClosed)

	log.Printf("[stream] %s finished (%s, code=%d)", s.cfg.Name, kind, code)
	switch kind {
	case CloseTerminal:
		if s.cfg.OnTerminal != nil {
			s.cfg.OnTerminal(code)
		}
	case CloseIdle:
		if s.cfg.OnIdle != nil {
			s.cfg.OnIdle()
		}
	}
	return kind
}
