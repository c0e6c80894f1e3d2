package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SendWait bounds how long Send may block on a plain TCP connection before
// reporting a partial send. TLS and websocket streams cannot resume a timed out
// write, so they block for up to WriteTimeout instead and a timeout is an error.
var (
	SendWait     = 50 * time.Millisecond
	WriteTimeout = 10 * time.Second
)

const chunkSize = 512

// Options for Dial.
type Options struct {
	Network            string // tcp, tls, ws or wss
	Address            string // host:port
	Path               string // websocket request path
	InsecureSkipVerify bool
}

// Conn is a non-blocking byte stream to the broker.
// Send and Fill must be called from one goroutine.
type Conn struct {
	c       net.Conn
	partial bool // short writes allowed
	in      chan chunk
	buf     []byte // leftover from the last chunk
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

type chunk struct {
	b   []byte
	err error
}

// Dial connects to the broker over the configured network.
func Dial(ctx context.Context, o Options) (*Conn, error) {
	var (
		nc  net.Conn
		err error
	)

	switch o.Network {
	case "tcp", "":
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", o.Address)
	case "tls":
		d := tls.Dialer{Config: tlsConfig(o)}
		nc, err = d.DialContext(ctx, "tcp", o.Address)
	case "ws", "wss":
		nc, err = dialWebsocket(ctx, o)
	default:
		return nil, errors.New("unsupported network " + o.Network)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"network": o.Network,
		"address": o.Address,
	}).Info("Connected to broker")

	return newConn(nc, o.Network == "tcp" || o.Network == ""), nil
}

func tlsConfig(o Options) *tls.Config {
	host, _, _ := net.SplitHostPort(o.Address)
	return &tls.Config{ServerName: host, InsecureSkipVerify: o.InsecureSkipVerify}
}

func newConn(nc net.Conn, partial bool) *Conn {
	c := &Conn{c: nc, partial: partial, in: make(chan chunk, 8), done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		b := make([]byte, chunkSize)
		n, err := c.c.Read(b)
		if n > 0 && !c.push(chunk{b: b[:n]}) {
			return
		}
		if err != nil {
			c.push(chunk{err: err})
			return
		}
	}
}

func (c *Conn) push(ch chunk) bool {
	select {
	case c.in <- ch:
		return true
	case <-c.done:
		return false
	}
}

// Send writes as much of b as the connection accepts.
// On plain TCP a write deadline hit is a partial send, not an error.
func (c *Conn) Send(b []byte) (int, error) {
	wait := WriteTimeout
	if c.partial {
		wait = SendWait
	}
	if err := c.c.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}

	n, err := c.c.Write(b)
	if err != nil && c.partial && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Fill copies received bytes into buf, waiting at most wait for some to arrive.
// It returns 0 with no error when nothing arrived in time.
func (c *Conn) Fill(buf []byte, wait time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if len(c.buf) == 0 {
		if c.err != nil {
			return 0, c.err
		}

		var (
			ch chunk
			ok bool
		)
		if wait <= 0 {
			select {
			case ch, ok = <-c.in:
			default:
				return 0, nil
			}
		} else {
			t := time.NewTimer(wait)
			select {
			case ch, ok = <-c.in:
				t.Stop()
			case <-t.C:
				return 0, nil
			}
		}

		switch {
		case !ok:
			c.err = io.EOF
			return 0, c.err
		case ch.err != nil:
			c.err = ch.err
			return 0, c.err
		}
		c.buf = ch.b
	}

	n := copy(buf, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.c.Close()
	})
	return err
}
