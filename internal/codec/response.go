package codec

import (
	"encoding/binary"

	"github.com/RoanBrand/gomqttc/internal/model"
)

type Connack struct {
	SessionPresent bool
	ReturnCode     model.ConnackCode
}

// Publish is an inbound application message. Topic and Payload alias the
// buffer passed to UnpackResponse.
type Publish struct {
	Dup     bool
	QoS     uint8
	Retain  bool
	Topic   []byte
	Payload []byte
}

type Suback struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Response is one decoded inbound packet. Only the body matching Header.Type is set.
type Response struct {
	Header  FixedHeader
	Connack Connack
	Publish Publish
	Suback  Suback
}

// UnpackResponse decodes one packet from the start of buf.
// Returns ErrIncomplete while the packet is not fully present.
func UnpackResponse(buf []byte, r *Response) (int, error) {
	n, err := UnpackFixedHeader(buf, &r.Header)
	if err != nil {
		return 0, err
	}

	body := buf[n : n+int(r.Header.RemainingLength)]
	switch r.Header.Type {
	case model.CONNACK:
		err = unpackConnack(r, body)
	case model.PUBLISH:
		err = unpackPublish(r, body)
	case model.SUBACK:
		err = unpackSuback(r, body)
	case model.PINGRESP:
		if r.Header.RemainingLength != 0 {
			err = model.ErrMalformedResponse
		}
	default:
		return 0, model.ErrResponseInvalidControlType
	}
	if err != nil {
		return 0, err
	}

	return n + len(body), nil
}

func unpackConnack(r *Response, body []byte) error {
	if r.Header.RemainingLength != 2 {
		return model.ErrMalformedResponse
	}
	if body[0]&0xFE != 0 {
		return model.ErrConnackForbiddenFlags
	}
	if body[1] > byte(model.ConnackRefusedNotAuthorized) {
		return model.ErrConnackForbiddenCode
	}

	r.Connack.SessionPresent = body[0] == 1
	r.Connack.ReturnCode = model.ConnackCode(body[1])
	return nil
}

func unpackPublish(r *Response, body []byte) error {
	p, f := &r.Publish, r.Header.Flags
	p.Dup = f&model.PublishDup > 0
	p.QoS = (f & model.PublishQoSMask) >> 1
	p.Retain = f&model.PublishRetain > 0

	if r.Header.RemainingLength < 4 {
		return model.ErrMalformedResponse
	}

	tLen := int(binary.BigEndian.Uint16(body))
	if 2+tLen > len(body) {
		return model.ErrMalformedResponse
	}
	p.Topic = body[2 : 2+tLen]
	p.Payload = body[2+tLen:]
	return nil
}

func unpackSuback(r *Response, body []byte) error {
	if r.Header.RemainingLength < 3 {
		return model.ErrMalformedResponse
	}

	r.Suback.PacketID = binary.BigEndian.Uint16(body)
	r.Suback.ReturnCodes = body[2:]
	return nil
}
