package codec

import (
	"encoding/binary"
	"errors"

	"github.com/RoanBrand/gomqttc/internal/model"
)

// ErrIncomplete is returned when the buffer does not hold enough space (packing)
// or enough bytes (unpacking). It is not fatal: retry with more room or more data.
var ErrIncomplete = errors.New("mqtt: incomplete buffer")

// FixedHeader is the envelope shared by every control packet.
type FixedHeader struct {
	Type            model.ControlType
	Flags           uint8
	RemainingLength uint32
}

// Validate checks the type and flags against the required-flags tables.
func (h *FixedHeader) Validate() error {
	if !h.Type.Valid() {
		return model.ErrControlForbiddenType
	}
	if !h.Type.FlagsAllowed(h.Flags) {
		return model.ErrControlInvalidFlags
	}
	return nil
}

// LengthToNumberOfVariableLengthBytes returns how many bytes l takes as a remaining length.
func LengthToNumberOfVariableLengthBytes(l uint32) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}

// EncodeRemainingLength writes l, 7 bits at a time low-order first, into buf.
func EncodeRemainingLength(buf []byte, l uint32) (int, error) {
	if l > model.MaxRemainingLength {
		return 0, model.ErrInvalidRemainingLength
	}

	i := 0
	for {
		if i == len(buf) {
			return 0, ErrIncomplete
		}
		eb := byte(l % 128)
		l /= 128
		if l > 0 {
			eb |= 128
		}
		buf[i] = eb
		i++
		if l == 0 {
			return i, nil
		}
	}
}

// DecodeRemainingLength reads a remaining length from the start of buf.
// A fifth continuation byte is ErrInvalidRemainingLength.
func DecodeRemainingLength(buf []byte) (uint32, int, error) {
	var l uint32
	for i, shift := 0, 0; ; i, shift = i+1, shift+7 {
		if shift == 28 {
			return 0, 0, model.ErrInvalidRemainingLength
		}
		if i == len(buf) {
			return 0, 0, ErrIncomplete
		}

		l |= uint32(buf[i]&127) << shift
		if buf[i]&128 == 0 {
			return l, i + 1, nil
		}
	}
}

// PackFixedHeader writes h into buf and reports the header size.
// Returns ErrIncomplete if buf cannot also hold the remaining length bytes.
func PackFixedHeader(buf []byte, h *FixedHeader) (int, error) {
	if err := h.Validate(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}

	buf[0] = byte(h.Type)<<4 | h.Flags&0x0F
	n, err := EncodeRemainingLength(buf[1:], h.RemainingLength)
	if err != nil {
		return 0, err
	}
	n++

	if uint32(len(buf)-n) < h.RemainingLength {
		return 0, ErrIncomplete
	}
	return n, nil
}

// UnpackFixedHeader parses the fixed header at the start of buf into h.
// Returns ErrIncomplete until the whole packet is present in buf.
func UnpackFixedHeader(buf []byte, h *FixedHeader) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}

	h.Type, h.Flags = model.ControlType(buf[0]>>4), buf[0]&0x0F

	l, n, err := DecodeRemainingLength(buf[1:])
	if err != nil {
		return 0, err
	}
	h.RemainingLength = l
	n++

	if err = h.Validate(); err != nil {
		return 0, err
	}

	if uint32(len(buf)-n) < h.RemainingLength {
		return 0, ErrIncomplete
	}
	return n, nil
}

func putString(buf []byte, s string) int {
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	return 2 + copy(buf[2:], s)
}

func putBytes(buf []byte, b []byte) int {
	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	return 2 + copy(buf[2:], b)
}
