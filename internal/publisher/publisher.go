package publisher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/RoanBrand/gomqttc/internal/client"
	"github.com/RoanBrand/gomqttc/internal/codec"
	"github.com/RoanBrand/gomqttc/internal/config"
	"github.com/RoanBrand/gomqttc/internal/metrics"
	"github.com/RoanBrand/gomqttc/internal/model"
	"github.com/RoanBrand/gomqttc/internal/sensor"
	log "github.com/sirupsen/logrus"
)

// PollWait is how long one engine step waits for inbound bytes.
var PollWait = 100 * time.Millisecond

const (
	onlineMessage = "online"
	stateCommand  = "state"
)

// Transport is a connected, non-blocking byte stream to the broker.
type Transport interface {
	client.Sender
	Fill(buf []byte, wait time.Duration) (int, error)
	Close() error
}

// Dialer opens a new Transport for each session.
type Dialer func(ctx context.Context) (Transport, error)

// Readings is a source of temperature readings.
type Readings interface {
	Scan() ([]sensor.Reading, error)
	Changed() bool
}

// Status is a goroutine safe snapshot for the status endpoint.
type Status struct {
	client.Stats
	Connected bool
	Since     time.Time
	Readings  map[string]string
}

// Publisher runs MQTT sessions that publish sensor readings.
type Publisher struct {
	cfg  *config.Config
	dial Dialer
	src  Readings
	m    *metrics.Metrics

	// Now is the clock used for engine time. Default time.Now.
	Now func() time.Time

	mu     sync.RWMutex
	status Status
}

func New(cfg *config.Config, dial Dialer, src Readings, m *metrics.Metrics) *Publisher {
	return &Publisher{
		cfg:  cfg,
		dial: dial,
		src:  src,
		m:    m,
		Now:  time.Now,
	}
}

// Stats returns the engine snapshot of the current or last session.
func (p *Publisher) Stats() client.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Stats
}

func (p *Publisher) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	s.Readings = make(map[string]string, len(p.status.Readings))
	for k, v := range p.status.Readings {
		s.Readings[k] = v
	}
	return s
}

// Run runs one session until ctx is cancelled, which disconnects cleanly and
// returns nil, or until the session fails.
func (p *Publisher) Run(ctx context.Context) error {
	t, err := p.dial(ctx)
	if err != nil {
		p.m.Sessions.WithLabelValues("dial_error").Inc()
		return err
	}
	defer t.Close()

	s, err := p.newSession(t)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.status.Connected, p.status.Since = true, p.Now()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.status.Connected = false
		p.mu.Unlock()
	}()

	if err = s.startup(ctx); err == nil {
		err = s.loop(ctx)
	}

	if err != nil {
		if ctx.Err() != nil {
			p.m.Sessions.WithLabelValues("stopped").Inc()
			return nil
		}
		p.m.Sessions.WithLabelValues("error").Inc()
		return err
	}
	p.m.Sessions.WithLabelValues("stopped").Inc()
	return nil
}

type session struct {
	p     *Publisher
	t     Transport
	c     *client.Client
	start time.Time
	force bool // publish readings on the next step
	log   *log.Entry

	rbuf    []byte
	pending []byte // received, not yet handed to the engine
}

func (p *Publisher) newSession(t Transport) (*session, error) {
	s := &session{
		p:     p,
		t:     t,
		start: p.Now(),
		log:   log.WithField("client", p.cfg.Client.ID),
		rbuf:  make([]byte, p.cfg.Client.RecvBuffer),
	}

	cl := &p.cfg.Client
	c, err := client.New(make([]byte, cl.SendBuffer), make([]byte, cl.RecvBuffer), t, s.onPublish)
	if err != nil {
		return nil, err
	}
	c.SetResponseTimeout(cl.ResponseTimeout)
	s.c = c
	return s, nil
}

// now is engine time, whole seconds since the session started.
func (s *session) now() uint32 {
	return uint32(s.p.Now().Sub(s.start) / time.Second)
}

// step hands at most one inbound packet to the engine and runs it once.
// It waits up to PollWait for bytes when no whole packet is pending.
func (s *session) step() error {
	room := len(s.c.RecvBuf())
	f := s.nextFrame(room)
	if f == nil {
		n, err := s.t.Fill(s.rbuf, PollWait)
		if err != nil {
			return err
		}
		s.pending = append(s.pending, s.rbuf[:n]...)
		f = s.nextFrame(room)
	}

	received := copy(s.c.RecvBuf(), f)
	err := s.c.Sync(s.now(), received)

	s.p.mu.Lock()
	s.p.status.Stats = s.c.Stats()
	s.p.mu.Unlock()
	return err
}

// nextFrame splits the first packet off s.pending. A packet larger than room
// is cut at room bytes and rejected by the engine. Returns nil while more
// bytes are needed.
func (s *session) nextFrame(room int) []byte {
	if len(s.pending) == 0 {
		return nil
	}

	need := len(s.pending) // invalid length, let the engine reject it
	l, n, err := codec.DecodeRemainingLength(s.pending[1:])
	switch {
	case err == nil:
		need = 1 + n + int(l)
	case errors.Is(err, codec.ErrIncomplete):
		return nil
	}
	if need > room {
		need = room
	}
	if need > len(s.pending) {
		return nil
	}

	f := s.pending[:need]
	s.pending = s.pending[need:]
	return f
}

// await steps the engine until done reports true or the response timeout passes.
func (s *session) await(ctx context.Context, what string, done func() bool) error {
	deadline := s.now() + s.p.cfg.Client.ResponseTimeout
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.now() > deadline {
			return errors.New("timed out waiting for " + what)
		}
		if err := s.step(); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) startup(ctx context.Context) error {
	cfg := s.p.cfg

	r := &codec.ConnectRequest{
		ClientID:    cfg.Client.ID,
		WillTopic:   cfg.Will.Topic,
		WillMessage: []byte(cfg.Will.Message),
		UserName:    cfg.Client.User,
		Password:    cfg.Client.Password,
		KeepAlive:   uint16(cfg.Client.KeepAlive),
	}
	if cfg.Client.CleanSession {
		r.Flags = model.ConnectCleanSession
	}

	if err := s.c.Connect(r); err != nil {
		return err
	}
	if err := s.await(ctx, "CONNACK", s.c.ConnackReceived); err != nil {
		return err
	}

	if err := s.c.Subscribe(cfg.CommandTopic()); err != nil {
		return err
	}
	if err := s.await(ctx, "SUBACK", s.c.SubackReceived); err != nil {
		return err
	}

	if err := s.c.Publish(cfg.Will.Topic, []byte(onlineMessage), model.PublishRetain); err != nil {
		return err
	}
	s.c.SetStarted(true)

	s.log.WithFields(log.Fields{
		"broker":  cfg.Broker.Address,
		"command": cfg.CommandTopic(),
	}).Info("MQTT session started")
	return nil
}

func (s *session) loop(ctx context.Context) error {
	interval := s.p.cfg.Sensors.Interval.Std()
	next := s.p.Now()

	for {
		if ctx.Err() != nil {
			return s.disconnect()
		}

		if now := s.p.Now(); s.force || !now.Before(next) {
			s.force = false
			next = now.Add(interval)
			if err := s.publishReadings(); err != nil {
				return err
			}
		}

		if err := s.step(); err != nil {
			return err
		}
	}
}

func (s *session) publishReadings() error {
	cfg := s.p.cfg
	fahrenheit := cfg.Sensors.Unit == "F"

	readings, err := s.p.src.Scan()
	if err != nil {
		s.p.m.SensorErrors.Inc()
		s.log.WithError(err).Warn("Sensor scan failed")
		return nil
	}

	if s.p.src.Changed() {
		ids := make([]string, len(readings))
		for i := range readings {
			ids[i] = readings[i].ID
		}
		if err = s.publish(cfg.Topics.Base+"/sensors", strings.Join(ids, ","), model.PublishRetain); err != nil {
			return err
		}
	}

	values := make(map[string]string, len(readings))
	for _, r := range readings {
		if r.Err != nil {
			s.p.m.SensorErrors.Inc()
		}
		v := r.Text(fahrenheit)
		values[r.ID] = v
		if err = s.publish(cfg.Topics.Base+"/temp/"+r.ID, v, 0); err != nil {
			return err
		}
	}

	s.p.mu.Lock()
	s.p.status.Readings = values
	s.p.mu.Unlock()
	return nil
}

// publish queues a message. If the send buffer is still full after one
// engine step the message is dropped.
func (s *session) publish(topic, payload string, flags uint8) error {
	err := s.c.Publish(topic, []byte(payload), flags)
	if err == model.ErrSendBufferFull {
		if err = s.step(); err != nil {
			return err
		}
		err = s.c.Publish(topic, []byte(payload), flags)
	}

	switch err {
	case nil:
		s.p.m.Published.Inc()
		return nil
	case model.ErrSendBufferFull:
		s.p.m.Dropped.Inc()
		s.log.WithField("topic", topic).Warn("Send buffer full, dropping message")
		return nil
	}
	return err
}

func (s *session) onPublish(pub *codec.Publish) {
	if string(pub.Topic) != s.p.cfg.CommandTopic() {
		return
	}
	s.p.m.Commands.Inc()

	switch cmd := strings.TrimSpace(string(pub.Payload)); cmd {
	case stateCommand:
		s.force = true
	default:
		s.log.WithField("command", cmd).Warn("Unknown command")
	}
}

// disconnect queues DISCONNECT and sends it within one response timeout.
func (s *session) disconnect() error {
	if err := s.c.Disconnect(); err != nil {
		return err
	}

	deadline := s.now() + s.p.cfg.Client.ResponseTimeout
	for !s.c.Flushed() {
		if s.now() > deadline {
			return errors.New("timed out sending DISCONNECT")
		}
		if err := s.step(); err != nil {
			return err
		}
	}

	s.log.Info("MQTT session closed")
	return nil
}
