package codec

import (
	"encoding/binary"

	"github.com/RoanBrand/gomqttc/internal/model"
)

// Request is an outbound control packet that can be packed into a send buffer.
// Pack returns the number of bytes written, ErrIncomplete if buf is too small,
// or a model.Error.
type Request interface {
	ControlType() model.ControlType
	Pack(buf []byte) (int, error)
}

// ConnectRequest always carries a will. User name and password are sent when non-empty.
type ConnectRequest struct {
	ClientID    string
	WillTopic   string
	WillMessage []byte
	UserName    string
	Password    string
	Flags       uint8 // clean session and will QoS bits; will, user and password bits are derived
	KeepAlive   uint16
}

func (r *ConnectRequest) ControlType() model.ControlType { return model.CONNECT }

// RemainingLength of the packet, with the connect flags it will carry.
func (r *ConnectRequest) RemainingLength() (uint32, uint8) {
	flags := r.Flags &^ (model.ConnectReserved | model.ConnectUserName | model.ConnectPassword)
	flags |= model.ConnectWillFlag | model.ConnectWillRetain

	l := uint32(10) // variable header
	l += 2 + uint32(len(r.ClientID))
	l += 2 + uint32(len(r.WillTopic))
	l += 2 + uint32(len(r.WillMessage))
	if r.UserName != "" {
		flags |= model.ConnectUserName
		l += 2 + uint32(len(r.UserName))
	}
	if r.Password != "" {
		flags |= model.ConnectPassword
		l += 2 + uint32(len(r.Password))
	}
	return l, flags
}

func (r *ConnectRequest) Pack(buf []byte) (int, error) {
	if !fitsU16(r.ClientID, r.WillTopic, r.UserName, r.Password) || len(r.WillMessage) > 0xFFFF {
		return 0, model.ErrMalformedRequest
	}

	rl, flags := r.RemainingLength()
	h := FixedHeader{Type: model.CONNECT, RemainingLength: rl}
	n, err := PackFixedHeader(buf, &h)
	if err != nil {
		return 0, err
	}

	n += putString(buf[n:], model.ProtocolName)
	buf[n], buf[n+1] = model.ProtocolLevel, flags
	binary.BigEndian.PutUint16(buf[n+2:], r.KeepAlive)
	n += 4

	n += putString(buf[n:], r.ClientID)
	n += putString(buf[n:], r.WillTopic)
	n += putBytes(buf[n:], r.WillMessage)
	if flags&model.ConnectUserName > 0 {
		n += putString(buf[n:], r.UserName)
	}
	if flags&model.ConnectPassword > 0 {
		n += putString(buf[n:], r.Password)
	}
	return n, nil
}

// PublishRequest is a QoS 0 publish. PacketID tracks the message in the queue only,
// it is not written to the wire.
type PublishRequest struct {
	Topic    string
	Payload  []byte
	Flags    uint8
	PacketID uint16
}

func (r *PublishRequest) ControlType() model.ControlType { return model.PUBLISH }

func (r *PublishRequest) Pack(buf []byte) (int, error) {
	if !fitsU16(r.Topic) {
		return 0, model.ErrMalformedRequest
	}

	// QoS 0 only, so no DUP [MQTT-3.3.1-2]
	h := FixedHeader{
		Type:            model.PUBLISH,
		Flags:           r.Flags &^ (model.PublishDup | model.PublishQoSMask),
		RemainingLength: 2 + uint32(len(r.Topic)) + uint32(len(r.Payload)),
	}
	n, err := PackFixedHeader(buf, &h)
	if err != nil {
		return 0, err
	}

	n += putString(buf[n:], r.Topic)
	n += copy(buf[n:], r.Payload)
	return n, nil
}

// SubscribeRequest subscribes to one topic filter at QoS 0.
type SubscribeRequest struct {
	Topic    string
	PacketID uint16
}

func (r *SubscribeRequest) ControlType() model.ControlType { return model.SUBSCRIBE }

func (r *SubscribeRequest) Pack(buf []byte) (int, error) {
	if !fitsU16(r.Topic) {
		return 0, model.ErrMalformedRequest
	}

	h := FixedHeader{
		Type:            model.SUBSCRIBE,
		Flags:           0x02, // [MQTT-3.8.1-1]
		RemainingLength: 2 + 2 + uint32(len(r.Topic)) + 1,
	}
	n, err := PackFixedHeader(buf, &h)
	if err != nil {
		return 0, err
	}

	binary.BigEndian.PutUint16(buf[n:], r.PacketID)
	n += 2
	n += putString(buf[n:], r.Topic)
	buf[n] = 0 // requested QoS
	return n + 1, nil
}

type PingRequest struct{}

func (PingRequest) ControlType() model.ControlType { return model.PINGREQ }

func (PingRequest) Pack(buf []byte) (int, error) {
	return PackFixedHeader(buf, &FixedHeader{Type: model.PINGREQ})
}

type DisconnectRequest struct{}

func (DisconnectRequest) ControlType() model.ControlType { return model.DISCONNECT }

func (DisconnectRequest) Pack(buf []byte) (int, error) {
	return PackFixedHeader(buf, &FixedHeader{Type: model.DISCONNECT})
}

func fitsU16(strs ...string) bool {
	for _, s := range strs {
		if len(s) > 0xFFFF {
			return false
		}
	}
	return true
}
