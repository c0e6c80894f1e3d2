package client

import (
	"errors"

	"github.com/RoanBrand/gomqttc/internal/codec"
	"github.com/RoanBrand/gomqttc/internal/model"
	"github.com/RoanBrand/gomqttc/internal/queue"
	log "github.com/sirupsen/logrus"
)

// Sync runs one step of the engine at time now (seconds, monotonic).
// received is the number of bytes the transport placed into RecvBuf since
// the last call; 0 means no inbound data.
//
// At most one inbound packet is handled, then queued messages that are unsent
// or timed out are (re)sent, then a keep-alive ping is queued if one is due.
func (c *Client) Sync(now uint32, received int) error {
	if received > 0 {
		if err := c.recv(received); err != nil {
			c.healthy = false
			return err
		}
	}

	err := c.send(now)
	c.healthy = err == nil
	return err
}

func (c *Client) recv(n int) error {
	if n > len(c.rx)-c.rxCurr {
		return c.fail(model.ErrBufferTooSmall)
	}
	c.rxCurr += n

	r := &c.resp
	if _, err := codec.UnpackResponse(c.rx[:c.rxCurr], r); err != nil {
		if errors.Is(err, codec.ErrIncomplete) {
			if c.rxCurr == len(c.rx) {
				return c.fail(model.ErrBufferTooSmall)
			}
			return nil // wait for the rest
		}
		if err == model.ErrResponseInvalidControlType {
			// a broker must not send anything else to a QoS 0 client
			err = model.ErrMalformedResponse
		}
		return c.fail(err)
	}

	err := c.handle(r)

	// one inbound packet at a time, so the whole buffer is consumed
	c.rxCurr = 0
	return err
}

func (c *Client) handle(r *codec.Response) error {
	switch r.Header.Type {
	case model.CONNACK:
		c.connackRx = true
		m := c.mq.Find(model.CONNECT, nil)
		if m == nil {
			return c.fail(model.ErrAckOfUnknown)
		}
		m.State = queue.Complete

		c.log.WithFields(log.Fields{
			"returnCode":     r.Connack.ReturnCode,
			"sessionPresent": r.Connack.SessionPresent,
		}).Debug("Got CONNACK packet")

		switch r.Connack.ReturnCode {
		case model.ConnackAccepted:
		case model.ConnackRefusedIdentifierRejected:
			return c.fail(model.ErrConnectClientIDRefused)
		default:
			return c.fail(model.ErrConnectionRefused)
		}
	case model.PUBLISH:
		if log.IsLevelEnabled(log.DebugLevel) {
			c.log.WithFields(log.Fields{
				"topic":   string(r.Publish.Topic),
				"payload": string(r.Publish.Payload),
			}).Debug("Got PUBLISH packet")
		}
		if c.onPub != nil {
			c.onPub(&r.Publish)
		}
	case model.SUBACK:
		c.subackRx = true
		m := c.mq.Find(model.SUBSCRIBE, &r.Suback.PacketID)
		if m == nil {
			return c.fail(model.ErrAckOfUnknown)
		}
		m.State = queue.Complete

		c.log.WithFields(log.Fields{
			"packetID": r.Suback.PacketID,
		}).Debug("Got SUBACK packet")

		if r.Suback.ReturnCodes[0] == model.SubackFailure {
			return c.fail(model.ErrSubscribeFailed)
		}
	case model.PINGRESP:
		m := c.mq.Find(model.PINGREQ, nil)
		if m == nil {
			return c.fail(model.ErrAckOfUnknown)
		}
		m.State = queue.Complete
	}

	return nil
}

func (c *Client) send(now uint32) error {
	if c.err != nil && c.err != model.ErrSendBufferFull {
		return c.err
	}

loop:
	for i := 0; i < c.mq.Len(); i++ {
		m := c.mq.At(i)
		switch m.State {
		case queue.Unsent:
		case queue.AwaitingAck:
			if now <= m.Sent+c.responseTimeout {
				continue
			}
			// resend from the first byte, partial progress is dropped
			c.timeouts++
			c.sendOffset = 0
			c.log.WithFields(log.Fields{
				"type":     m.ControlType,
				"packetID": m.PacketID,
				"timeouts": c.timeouts,
			}).Debug("Acknowledgement timed out, resending")
		default:
			continue
		}

		b := c.mq.Bytes(m)
		n, err := c.tx.Send(b[c.sendOffset:])
		if err != nil {
			return c.fail(&model.SendError{Err: err})
		}

		c.sendOffset += n
		if c.sendOffset < len(b) {
			break loop // partial, continue on next Sync
		}
		c.sendOffset = 0

		c.lastSend = now
		m.Sent = now

		switch m.ControlType {
		case model.PUBLISH, model.DISCONNECT:
			m.State = queue.Complete
		case model.CONNECT, model.SUBSCRIBE, model.PINGREQ:
			m.State = queue.AwaitingAck
		default:
			return c.fail(model.ErrMalformedRequest)
		}
	}

	if c.err == model.ErrSendBufferFull && c.Flushed() {
		c.err = nil
	}

	// ping at about 3/4 of the keep-alive period
	if c.started && c.keepAlive > 0 && now > c.lastSend+uint32(c.keepAlive)*3/4 {
		if c.mq.Find(model.PINGREQ, nil) == nil {
			if err := c.Ping(); err != nil {
				return err
			}
		}
	}

	return nil
}
