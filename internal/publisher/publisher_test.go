package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RoanBrand/gomqttc/internal/config"
	"github.com/RoanBrand/gomqttc/internal/metrics"
	"github.com/RoanBrand/gomqttc/internal/model"
	"github.com/RoanBrand/gomqttc/internal/sensor"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers the client's packets the way a broker would.
type fakeBroker struct {
	mu        sync.Mutex
	in        []byte
	got       []packets.ControlPacket
	closed    bool
	connack   byte
	noConnack bool
	suback    byte
	stalled   bool // accept no bytes
}

func (b *fakeBroker) stall(on bool) {
	b.mu.Lock()
	b.stalled = on
	b.mu.Unlock()
}

func (b *fakeBroker) Send(p []byte) (int, error) {
	b.mu.Lock()
	stalled := b.stalled
	b.mu.Unlock()
	if stalled {
		return 0, nil
	}

	cp, err := packets.ReadPacket(bytes.NewReader(p))
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, cp)

	switch req := cp.(type) {
	case *packets.ConnectPacket:
		if !b.noConnack {
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = b.connack
			b.write(ack)
		}
	case *packets.SubscribePacket:
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = req.MessageID
		ack.ReturnCodes = []byte{b.suback}
		b.write(ack)
	case *packets.PingreqPacket:
		b.write(packets.NewControlPacket(packets.Pingresp))
	}
	return len(p), nil
}

// write must be called with mu held.
func (b *fakeBroker) write(cp packets.ControlPacket) {
	var buf bytes.Buffer
	cp.Write(&buf)
	b.in = append(b.in, buf.Bytes()...)
}

func (b *fakeBroker) inject(topic, payload string) {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = []byte(payload)

	b.mu.Lock()
	b.write(pub)
	b.mu.Unlock()
}

func (b *fakeBroker) Fill(buf []byte, wait time.Duration) (int, error) {
	b.mu.Lock()
	n := copy(buf, b.in)
	b.in = b.in[n:]
	b.mu.Unlock()

	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) publishes(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, cp := range b.got {
		if p, ok := cp.(*packets.PublishPacket); ok && p.TopicName == topic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

func (b *fakeBroker) received() []packets.ControlPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]packets.ControlPacket(nil), b.got...)
}

type fakeSensors struct {
	mu       sync.Mutex
	readings []sensor.Reading
	changed  bool
	scans    int
}

func (f *fakeSensors) Scan() ([]sensor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return append([]sensor.Reading(nil), f.readings...), nil
}

func (f *fakeSensors) Changed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.changed
	f.changed = false
	return c
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.Client.ID = "node1"
	c.Topics.Base = "node1"
	c.Will.Topic = "node1/availability"
	c.Sensors.Interval = config.Duration(time.Hour)
	return c
}

func newTestPublisher(t *testing.T, b *fakeBroker, src *fakeSensors) *Publisher {
	t.Helper()
	dial := func(context.Context) (Transport, error) { return b, nil }
	p := New(testConfig(t), dial, src, metrics.New(prometheus.NewRegistry()))
	clk := &fakeClock{t: time.Unix(1000, 0), step: 10 * time.Millisecond}
	p.Now = clk.Now
	return p
}

func TestSession(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	src := &fakeSensors{
		readings: []sensor.Reading{
			{ID: "28-000000000001", Raw: 0x191},
			{ID: "28-000000000002", Err: errors.New("gone")},
		},
		changed: true,
	}
	p := newTestPublisher(t, b, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(b.publishes("node1/temp/28-000000000002")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	got := b.received()
	connect, ok := got[0].(*packets.ConnectPacket)
	require.True(t, ok)
	require.Equal(t, "node1", connect.ClientIdentifier)
	require.True(t, connect.WillFlag)
	require.True(t, connect.WillRetain)
	require.Equal(t, "node1/availability", connect.WillTopic)
	require.Equal(t, []byte("offline"), connect.WillMessage)
	require.EqualValues(t, 60, connect.Keepalive)

	sub, ok := got[1].(*packets.SubscribePacket)
	require.True(t, ok)
	require.Equal(t, []string{"node1/cmd"}, sub.Topics)

	online, ok := got[2].(*packets.PublishPacket)
	require.True(t, ok)
	require.Equal(t, "node1/availability", online.TopicName)
	require.True(t, online.Retain)
	require.Equal(t, "online", string(online.Payload))

	require.Equal(t, []string{"28-000000000001,28-000000000002"}, b.publishes("node1/sensors"))
	require.Equal(t, []string{" 025.1"}, b.publishes("node1/temp/28-000000000001"))
	require.Equal(t, []string{sensor.Missing}, b.publishes("node1/temp/28-000000000002"))

	st := p.Status()
	require.True(t, st.Connected)
	require.True(t, st.Started)
	require.Equal(t, " 025.1", st.Readings["28-000000000001"])

	// command forces a publish before the interval
	b.inject("node1/cmd", "state")
	require.Eventually(t, func() bool {
		return len(b.publishes("node1/temp/28-000000000001")) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, b.publishes("node1/sensors"), 1)

	cancel()
	require.NoError(t, <-done)

	got = b.received()
	_, ok = got[len(got)-1].(*packets.DisconnectPacket)
	require.True(t, ok)
	require.True(t, b.closed)
	require.False(t, p.Status().Connected)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSendBufferFullDropsReadings(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	src := &fakeSensors{}
	for i := 1; i <= sensor.MaxSensors; i++ {
		src.readings = append(src.readings, sensor.Reading{ID: fmt.Sprintf("28-00000000000%d", i), Raw: 0x191})
	}
	p := newTestPublisher(t, b, src)

	s, err := p.newSession(b)
	require.NoError(t, err)
	require.NoError(t, s.startup(context.Background()))

	b.stall(true)
	require.NoError(t, s.publishReadings())

	published := counterValue(t, p.m.Published)
	dropped := counterValue(t, p.m.Dropped)
	require.Positive(t, dropped)
	require.EqualValues(t, sensor.MaxSensors, published+dropped)
	require.Empty(t, b.publishes("node1/temp/28-000000000001"))
	require.Equal(t, model.ErrSendBufferFull, s.c.Err())

	// the session carries on once the broker accepts bytes again
	b.stall(false)
	for !s.c.Flushed() {
		require.NoError(t, s.step())
	}
	require.NoError(t, s.c.Err())
	require.Len(t, b.publishes("node1/temp/28-000000000001"), 1)

	require.NoError(t, s.publishReadings())
	require.EqualValues(t, dropped, counterValue(t, p.m.Dropped))
	require.EqualValues(t, published+sensor.MaxSensors, counterValue(t, p.m.Published))
	for !s.c.Flushed() {
		require.NoError(t, s.step())
	}
	require.Len(t, b.publishes("node1/temp/28-000000000001"), 2)
	require.Len(t, b.publishes("node1/temp/28-000000000005"), 1)
}

func TestConnectionRefused(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connack: 5}
	p := newTestPublisher(t, b, &fakeSensors{})

	err := p.Run(context.Background())
	require.ErrorIs(t, err, model.ErrConnectionRefused)
	require.False(t, p.Stats().Healthy)
	require.True(t, b.closed)
}

func TestSubscribeRefused(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{suback: model.SubackFailure}
	p := newTestPublisher(t, b, &fakeSensors{})

	err := p.Run(context.Background())
	require.ErrorIs(t, err, model.ErrSubscribeFailed)
}

func TestConnackTimeout(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{noConnack: true}
	p := newTestPublisher(t, b, &fakeSensors{})
	clk := &fakeClock{t: time.Unix(1000, 0), step: time.Second}
	p.Now = clk.Now

	err := p.Run(context.Background())
	require.ErrorContains(t, err, "timed out waiting for CONNACK")

	n := 0
	for _, cp := range b.received() {
		if _, ok := cp.(*packets.ConnectPacket); ok {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestDialError(t *testing.T) {
	t.Parallel()

	dial := func(context.Context) (Transport, error) { return nil, errors.New("no route") }
	p := New(testConfig(t), dial, &fakeSensors{}, metrics.New(prometheus.NewRegistry()))
	require.ErrorContains(t, p.Run(context.Background()), "no route")
}

func TestNextFrame(t *testing.T) {
	t.Parallel()

	s := &session{}
	require.Nil(t, s.nextFrame(64))

	s.pending = []byte{0x20}
	require.Nil(t, s.nextFrame(64))

	// two packets back to back, the second one split
	s.pending = []byte{0x20, 2, 0, 0, 0xD0, 0, 0x90, 3, 0}
	require.Equal(t, []byte{0x20, 2, 0, 0}, s.nextFrame(64))
	require.Equal(t, []byte{0xD0, 0}, s.nextFrame(64))
	require.Nil(t, s.nextFrame(64))
	s.pending = append(s.pending, 1, 0)
	require.Equal(t, []byte{0x90, 3, 0, 1, 0}, s.nextFrame(64))
	require.Empty(t, s.pending)

	// oversized packet is cut at the receive buffer size
	s.pending = make([]byte, 40)
	s.pending[0], s.pending[1] = 0x30, 100
	require.Len(t, s.nextFrame(32), 32)
}
