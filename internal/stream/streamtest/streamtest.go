// Package streamtest provides in-memory stream.Conn / stream.Dialer fakes.
package streamtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"campaign-engine/internal/stream"
)

type frame struct {
	data []byte
	err  error
}

// Conn is a fake websocket connection. Frames pushed with Push/CloseWith
// are returned by ReadMessage in order; writes are recorded.
type Conn struct {
	URL string

	mu     sync.Mutex
	writes [][]byte
	in     chan frame
	closed chan struct{}
	once   sync.Once
	wrote  chan struct{}
}

// NewConn creates an idle fake connection.
func NewConn(url string) *Conn {
	return &Conn{
		URL:    url,
		in:     make(chan frame, 256),
		closed: make(chan struct{}),
		wrote:  make(chan struct{}, 256),
	}
}

func (c *Conn) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("streamtest: write on closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return websocket.TextMessage, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("streamtest: use of closed connection")
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues v (marshalled to JSON, or raw if []byte/string) for ReadMessage.
func (c *Conn) Push(v interface{}) {
	var b []byte
	switch t := v.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	default:
		b, _ = json.Marshal(v)
	}
	c.in <- frame{data: b}
}

// CloseWith makes the next ReadMessage fail with a websocket close code.
func (c *Conn) CloseWith(code int, text string) {
	c.in <- frame{err: &websocket.CloseError{Code: code, Text: text}}
}

// Drop makes the next ReadMessage fail with a non-close network error.
func (c *Conn) Drop() {
	c.in <- frame{err: errors.New("streamtest: connection reset")}
}

// Writes returns a copy of every frame written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Requests decodes the written subscribe/unsubscribe requests.
func (c *Conn) Requests() []stream.Request {
	var out []stream.Request
	for _, w := range c.Writes() {
		var r stream.Request
		if json.Unmarshal(w, &r) == nil && r.Op != "" {
			out = append(out, r)
		}
	}
	return out
}

// Dialer hands out a new Conn on every Dial and publishes it on Dialed.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	err   error

	Dialed chan *Conn
}

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{Dialed: make(chan *Conn, 64)}
}

// FailWith makes subsequent dials fail with err (nil restores success).
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	c := NewConn(url)
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.Dialed <- c:
	default:
	}
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// ConnsTo returns connections dialed to url.
func (d *Dialer) ConnsTo(url string) []*Conn {
	var out []*Conn
	for _, c := range d.Conns() {
		if c.URL == url {
			out = append(out, c)
		}
	}
	return out
}
