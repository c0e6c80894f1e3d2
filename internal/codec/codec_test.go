package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/RoanBrand/gomqttc/internal/model"
)

func TestVariableLengthEncoding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		l uint32
		e []byte
	}{
		{0, []byte{0}},
		{127, []byte{127}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	buf := make([]byte, 4)
	for _, c := range cases {
		n, err := EncodeRemainingLength(buf, c.l)
		if err != nil {
			t.Fatal(c.l, err)
		}
		if !bytes.Equal(buf[:n], c.e) {
			t.Fatal(c.l, buf[:n])
		}
		if LengthToNumberOfVariableLengthBytes(c.l) != n {
			t.Fatal(c.l, n)
		}
	}

	if _, err := EncodeRemainingLength(buf, model.MaxRemainingLength+1); err != model.ErrInvalidRemainingLength {
		t.Fatal(err)
	}
	if _, err := EncodeRemainingLength(buf[:1], 128); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4)
	check := func(l uint32) {
		n, err := EncodeRemainingLength(buf, l)
		if err != nil {
			t.Fatal(l, err)
		}
		got, m, err := DecodeRemainingLength(buf[:n])
		if err != nil {
			t.Fatal(l, err)
		}
		if got != l || m != n {
			t.Fatal(l, got, n, m)
		}
	}

	for l := uint32(0); l < 20000; l++ {
		check(l)
	}
	for l := uint32(20000); l <= model.MaxRemainingLength; l += 9973 {
		check(l)
	}
	for _, l := range []uint32{2097151, 2097152, model.MaxRemainingLength - 1, model.MaxRemainingLength} {
		check(l)
	}
}

func TestDecodeRemainingLengthErrors(t *testing.T) {
	t.Parallel()

	if _, _, err := DecodeRemainingLength([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}); err != model.ErrInvalidRemainingLength {
		t.Fatal(err)
	}
	if _, _, err := DecodeRemainingLength([]byte{0xFF, 0xFF}); err != ErrIncomplete {
		t.Fatal(err)
	}
	if _, _, err := DecodeRemainingLength(nil); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestFixedHeaderRules(t *testing.T) {
	t.Parallel()

	allowed := func(ct, flags uint8) bool {
		switch ct {
		case 0, 15:
			return false
		case 3: // PUBLISH
			return true
		case 6, 8, 10: // PUBREL, SUBSCRIBE, UNSUBSCRIBE
			return flags == 2
		default:
			return flags == 0
		}
	}

	var h FixedHeader
	for b := 0; b < 256; b++ {
		ct, flags := uint8(b>>4), uint8(b&0x0F)
		n, err := UnpackFixedHeader([]byte{byte(b), 0}, &h)

		if allowed(ct, flags) {
			if err != nil || n != 2 {
				t.Fatalf("%#02x rejected: %v", b, err)
			}
			if h.Type != model.ControlType(ct) || h.Flags != flags || h.RemainingLength != 0 {
				t.Fatalf("%#02x decoded as %+v", b, h)
			}
			continue
		}

		if ct == 0 || ct == 15 {
			if err != model.ErrControlForbiddenType {
				t.Fatalf("%#02x: %v", b, err)
			}
		} else if err != model.ErrControlInvalidFlags {
			t.Fatalf("%#02x: %v", b, err)
		}

		if _, err := PackFixedHeader(make([]byte, 2), &FixedHeader{Type: model.ControlType(ct), Flags: flags}); err == nil {
			t.Fatalf("%#02x packed", b)
		}
	}
}

func TestUnpackFixedHeaderIncomplete(t *testing.T) {
	t.Parallel()

	var h FixedHeader
	if _, err := UnpackFixedHeader(nil, &h); err != ErrIncomplete {
		t.Fatal(err)
	}
	if _, err := UnpackFixedHeader([]byte{0x30}, &h); err != ErrIncomplete {
		t.Fatal(err)
	}
	if _, err := UnpackFixedHeader([]byte{0x30, 5, 0, 1}, &h); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestPackConnect(t *testing.T) {
	t.Parallel()

	r := ConnectRequest{
		ClientID:    "abc",
		WillTopic:   "t/will",
		WillMessage: []byte("bye"),
		Flags:       model.ConnectCleanSession | model.ConnectReserved,
		KeepAlive:   60,
	}

	rl, _ := r.RemainingLength()
	if rl != 10+(3+2)+(6+2)+(2+3) {
		t.Fatal(rl)
	}

	buf := make([]byte, 64)
	n, err := r.Pack(buf)
	if err != nil {
		t.Fatal(err)
	}

	e := []byte{
		0x10, 28,
		0, 4, 'M', 'Q', 'T', 'T', 4, 0x26, 0, 60,
		0, 3, 'a', 'b', 'c',
		0, 6, 't', '/', 'w', 'i', 'l', 'l',
		0, 3, 'b', 'y', 'e',
	}
	if !bytes.Equal(buf[:n], e) {
		t.Fatalf("got % x", buf[:n])
	}

	r.UserName, r.Password = "user", "pass"
	n, err = r.Pack(buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf[1] != 28+6+6 || buf[9] != 0x26|model.ConnectUserName|model.ConnectPassword {
		t.Fatalf("got % x", buf[:n])
	}
	if !bytes.Equal(buf[n-12:n], []byte{0, 4, 'u', 's', 'e', 'r', 0, 4, 'p', 'a', 's', 's'}) {
		t.Fatalf("got % x", buf[:n])
	}

	if _, err = r.Pack(buf[:n-1]); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestPackPublish(t *testing.T) {
	t.Parallel()

	r := PublishRequest{
		Topic:    "a/b",
		Payload:  []byte("hello"),
		Flags:    model.PublishDup | model.PublishRetain | 0x02,
		PacketID: 77,
	}
	buf := make([]byte, 16)
	n, err := r.Pack(buf)
	if err != nil {
		t.Fatal(err)
	}

	e := []byte{0x31, 10, 0, 3, 'a', '/', 'b', 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(buf[:n], e) {
		t.Fatalf("got % x", buf[:n])
	}

	if _, err = r.Pack(buf[:n-1]); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestPackSubscribePingDisconnect(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 16)
	n, err := (&SubscribeRequest{Topic: "x/#", PacketID: 0x1234}).Pack(buf)
	if err != nil {
		t.Fatal(err)
	}
	e := []byte{0x82, 8, 0x12, 0x34, 0, 3, 'x', '/', '#', 0}
	if !bytes.Equal(buf[:n], e) {
		t.Fatalf("got % x", buf[:n])
	}

	n, err = PingRequest{}.Pack(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0xC0, 0}) {
		t.Fatal(err, buf[:n])
	}

	n, err = DisconnectRequest{}.Pack(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0xE0, 0}) {
		t.Fatal(err, buf[:n])
	}

	if _, err = (PingRequest{}).Pack(buf[:1]); err != ErrIncomplete {
		t.Fatal(err)
	}
	if _, err = (PingRequest{}).Pack(nil); err != ErrIncomplete {
		t.Fatal(err)
	}
}

func TestUnpackConnack(t *testing.T) {
	t.Parallel()

	var r Response
	n, err := UnpackResponse([]byte{0x20, 2, 1, 2}, &r)
	if err != nil || n != 4 {
		t.Fatal(n, err)
	}
	if r.Header.Type != model.CONNACK || !r.Connack.SessionPresent || r.Connack.ReturnCode != model.ConnackRefusedIdentifierRejected {
		t.Fatalf("%+v", r)
	}

	cases := []struct {
		in  []byte
		err error
	}{
		{[]byte{0x20, 2, 2, 0}, model.ErrConnackForbiddenFlags},
		{[]byte{0x20, 2, 0, 6}, model.ErrConnackForbiddenCode},
		{[]byte{0x20, 3, 0, 0, 0}, model.ErrMalformedResponse},
		{[]byte{0x21, 2, 0, 0}, model.ErrControlInvalidFlags},
		{[]byte{0x20, 2, 0}, ErrIncomplete},
	}
	for _, c := range cases {
		if _, err := UnpackResponse(c.in, &r); !errors.Is(err, c.err) {
			t.Fatalf("% x: %v", c.in, err)
		}
	}
}

func TestUnpackPublish(t *testing.T) {
	t.Parallel()

	in := []byte{0x31, 8, 0, 3, 'a', '/', 'b', 'o', 'n', '!'}
	var r Response
	n, err := UnpackResponse(in, &r)
	if err != nil || n != len(in) {
		t.Fatal(n, err)
	}
	p := &r.Publish
	if string(p.Topic) != "a/b" || string(p.Payload) != "on!" || !p.Retain || p.Dup || p.QoS != 0 {
		t.Fatalf("%+v", p)
	}

	if _, err = UnpackResponse([]byte{0x30, 3, 0, 1, 'a'}, &r); err != model.ErrMalformedResponse {
		t.Fatal(err)
	}
	if _, err = UnpackResponse([]byte{0x30, 4, 0, 9, 'a', 'b'}, &r); err != model.ErrMalformedResponse {
		t.Fatal(err)
	}
}

func TestUnpackSubackAndPingresp(t *testing.T) {
	t.Parallel()

	var r Response
	n, err := UnpackResponse([]byte{0x90, 4, 0xAB, 0xCD, 0x00, 0x80}, &r)
	if err != nil || n != 6 {
		t.Fatal(n, err)
	}
	if r.Suback.PacketID != 0xABCD || !bytes.Equal(r.Suback.ReturnCodes, []byte{0, 0x80}) {
		t.Fatalf("%+v", r.Suback)
	}
	if _, err = UnpackResponse([]byte{0x90, 2, 0, 1}, &r); err != model.ErrMalformedResponse {
		t.Fatal(err)
	}

	n, err = UnpackResponse([]byte{0xD0, 0}, &r)
	if err != nil || n != 2 || r.Header.Type != model.PINGRESP {
		t.Fatal(n, err)
	}

	if _, err = UnpackResponse([]byte{0x40, 2, 0, 1}, &r); err != model.ErrResponseInvalidControlType {
		t.Fatal(err)
	}
}
