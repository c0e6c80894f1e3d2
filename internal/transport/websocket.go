package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

func dialWebsocket(ctx context.Context, o Options) (net.Conn, error) {
	scheme := "ws"
	if o.Network == "wss" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: o.Address, Path: o.Path}

	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"mqtt"}, // [MQTT-6.0.0-3]
	}
	if o.Network == "wss" {
		d.TLSClientConfig = tlsConfig(o)
	}

	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if conn.Subprotocol() != "mqtt" { // [MQTT-6.0.0-4]
		conn.Close()
		return nil, errors.New("websocket server did not accept sub protocol 'mqtt'")
	}

	return &wsConn{Conn: conn}, nil
}

var errTextFrame = errors.New("websocket: received text message, MQTT requires binary")

// wsConn carries the MQTT byte stream in binary websocket messages.
// Each Write is one message; reads run across message boundaries.
type wsConn struct {
	*websocket.Conn
	msg io.Reader // current inbound message, nil between messages
}

func (c *wsConn) Write(p []byte) (int, error) {
	w, err := c.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(p)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *wsConn) nextMessage() error {
	mt, r, err := c.NextReader()
	if err != nil {
		return err
	}
	if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
		return errTextFrame
	}
	c.msg = r
	return nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if c.msg == nil {
			if err := c.nextMessage(); err != nil {
				return 0, err
			}
		}
		n, err := c.msg.Read(p)
		if errors.Is(err, io.EOF) {
			c.msg = nil
			if n == 0 {
				continue // empty or fully read message
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	return errors.Join(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}
