package client

import (
	"errors"

	"github.com/RoanBrand/gomqttc/internal/codec"
	"github.com/RoanBrand/gomqttc/internal/model"
	"github.com/RoanBrand/gomqttc/internal/queue"
	log "github.com/sirupsen/logrus"
)

// DefaultResponseTimeout is the number of seconds to wait for an acknowledgement before resending.
const DefaultResponseTimeout = 30

// Sender is the non-blocking byte-send primitive. It returns how many bytes
// were accepted, which may be fewer than len(b).
type Sender interface {
	Send(b []byte) (int, error)
}

// PublishHandler is called with every inbound PUBLISH. Topic and payload
// are only valid for the duration of the call.
type PublishHandler func(p *codec.Publish)

// Client is a single-owner MQTT client engine over caller supplied send and receive buffers.
// It is not safe for concurrent use.
type Client struct {
	mq     *queue.Queue
	rx     []byte
	rxCurr int
	tx     Sender
	onPub  PublishHandler
	resp   codec.Response
	pid    pidGenerator

	responseTimeout uint32
	keepAlive       uint16
	lastSend        uint32
	timeouts        uint32
	sendOffset      int // resume point in the message being sent

	err       error // latched
	healthy   bool  // last Sync succeeded
	started   bool  // startup handshake finished
	connackRx bool
	subackRx  bool

	log *log.Entry
}

func New(sendBuf, recvBuf []byte, tx Sender, onPub PublishHandler) (*Client, error) {
	if sendBuf == nil || recvBuf == nil || tx == nil {
		return nil, model.ErrNullArgument
	}

	mq, err := queue.New(sendBuf)
	if err != nil {
		return nil, err
	}

	return &Client{
		mq:              mq,
		rx:              recvBuf,
		tx:              tx,
		onPub:           onPub,
		responseTimeout: DefaultResponseTimeout,
		err:             model.ErrConnectNotCalled,
		log:             log.WithField("client", ""),
	}, nil
}

// SetResponseTimeout sets the acknowledgement timeout in seconds.
func (c *Client) SetResponseTimeout(s uint32) { c.responseTimeout = s }

// SetStarted marks the startup handshake as finished, which enables keep-alive pings.
func (c *Client) SetStarted(started bool) { c.started = started }

func (c *Client) Started() bool { return c.started }

// Err returns the latched error, if any.
func (c *Client) Err() error { return c.err }

// Healthy reports whether the last Sync returned without error.
func (c *Client) Healthy() bool { return c.healthy }

// ConnackReceived reports whether a CONNACK arrived since the last Connect.
func (c *Client) ConnackReceived() bool { return c.connackRx }

// SubackReceived reports whether a SUBACK arrived since the last Subscribe.
func (c *Client) SubackReceived() bool { return c.subackRx }

func (c *Client) Timeouts() uint32 { return c.timeouts }

// RecvBuf is where the transport must place inbound bytes before calling Sync.
func (c *Client) RecvBuf() []byte { return c.rx[c.rxCurr:] }

// Pending counts queued messages that are not yet complete.
func (c *Client) Pending() int {
	n := 0
	for i := 0; i < c.mq.Len(); i++ {
		if c.mq.At(i).State != queue.Complete {
			n++
		}
	}
	return n
}

// Flushed reports whether every queued message has been sent in full.
func (c *Client) Flushed() bool {
	if c.sendOffset != 0 {
		return false
	}
	for i := 0; i < c.mq.Len(); i++ {
		if c.mq.At(i).State == queue.Unsent {
			return false
		}
	}
	return true
}

// Stats is a snapshot for status reporting.
type Stats struct {
	Timeouts   uint32
	Queued     int
	Pending    int
	QueueFree  int
	SendOffset int
	Err        error
	Healthy    bool
	Started    bool
}

func (c *Client) Stats() Stats {
	return Stats{
		Timeouts:   c.timeouts,
		Queued:     c.mq.Len(),
		Pending:    c.Pending(),
		QueueFree:  c.mq.Free(),
		SendOffset: c.sendOffset,
		Err:        c.err,
		Healthy:    c.healthy,
		Started:    c.started,
	}
}

// fail latches err. Repeats of the latched error are not logged again.
func (c *Client) fail(err error) error {
	if c.err != err {
		c.log.WithError(err).Error("MQTT client error")
	}
	c.err = err
	return err
}

// enqueue packs r into the send queue, compacting once if there is no room.
func (c *Client) enqueue(r codec.Request, packetID uint16) error {
	if c.err != nil && c.err != model.ErrSendBufferFull {
		return c.err
	}

	n, err := r.Pack(c.mq.Tail())
	if errors.Is(err, codec.ErrIncomplete) {
		c.mq.Compact()
		if n, err = r.Pack(c.mq.Tail()); errors.Is(err, codec.ErrIncomplete) {
			return c.fail(model.ErrSendBufferFull)
		}
	}
	if err != nil {
		return c.fail(err)
	}

	m := c.mq.Register(n)
	m.ControlType, m.PacketID = r.ControlType(), packetID
	c.err = nil

	if log.IsLevelEnabled(log.DebugLevel) {
		c.log.WithFields(log.Fields{
			"type":     m.ControlType,
			"packetID": packetID,
			"size":     n,
		}).Debug("Queued packet")
	}
	return nil
}

// Connect queues a CONNECT request and clears the initial connect-not-called state.
func (c *Client) Connect(r *codec.ConnectRequest) error {
	if r == nil {
		return model.ErrNullArgument
	}

	c.keepAlive = r.KeepAlive
	c.connackRx = false
	c.log = log.WithField("client", r.ClientID)
	if c.err == model.ErrConnectNotCalled {
		c.err = nil
	}

	return c.enqueue(r, 0)
}

// Publish queues a QoS 0 PUBLISH. Only the retain bit of flags is honoured.
func (c *Client) Publish(topic string, payload []byte, flags uint8) error {
	pid := c.pid.next(c.mq)
	return c.enqueue(&codec.PublishRequest{Topic: topic, Payload: payload, Flags: flags, PacketID: pid}, pid)
}

// Subscribe queues a SUBSCRIBE for one topic filter at QoS 0.
func (c *Client) Subscribe(topic string) error {
	pid := c.pid.next(c.mq)
	c.subackRx = false
	return c.enqueue(&codec.SubscribeRequest{Topic: topic, PacketID: pid}, pid)
}

func (c *Client) Ping() error {
	return c.enqueue(codec.PingRequest{}, 0)
}

func (c *Client) Disconnect() error {
	return c.enqueue(codec.DisconnectRequest{}, 0)
}
