package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const minBufferSize = 32

type Config struct {
	// Broker to connect to. Network is one of tcp, tls, ws or wss. Default tcp.
	// Address is "host:port". A missing port gets the network's default:
	// 1883 (tcp), 8883 (tls), 80 (ws), 443 (wss).
	Broker struct {
		Network            string `json:"network" yaml:"network"`
		Address            string `json:"address" yaml:"address"`
		Path               string `json:"path" yaml:"path"` // websocket only, default /mqtt
		InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	} `json:"broker" yaml:"broker"`

	Client struct {
		// ID is generated if empty.
		ID       string `json:"id" yaml:"id"`
		User     string `json:"user" yaml:"user"`
		Password string `json:"password" yaml:"password"`

		// Keep Alive in s sent in CONNECT. Default 60s. Set to -1 to disable.
		KeepAlive int `json:"keep_alive" yaml:"keep_alive"`
		// Acknowledgement timeout in s before CONNECT, SUBSCRIBE and PINGREQ are resent. Default 30s.
		ResponseTimeout uint32 `json:"response_timeout" yaml:"response_timeout"`

		// Send and receive buffer sizes in bytes. Default 140 each.
		SendBuffer int `json:"send_buffer" yaml:"send_buffer"`
		RecvBuffer int `json:"recv_buffer" yaml:"recv_buffer"`

		CleanSession bool `json:"clean_session" yaml:"clean_session"`
	} `json:"client" yaml:"client"`

	// Will is published by the broker if the connection drops.
	// Default topic "<base>/availability", message "offline".
	Will struct {
		Topic   string `json:"topic" yaml:"topic"`
		Message string `json:"message" yaml:"message"`
	} `json:"will" yaml:"will"`

	// Topics: readings go to "<base>/temp/<sensor id>", the sensor list to
	// "<base>/sensors" and commands are read from "<base>/cmd".
	// Base defaults to the client ID.
	Topics struct {
		Base string `json:"base" yaml:"base"`
	} `json:"topics" yaml:"topics"`

	Sensors struct {
		Dir      string   `json:"dir" yaml:"dir"`           // default /sys/bus/w1/devices
		Unit     string   `json:"unit" yaml:"unit"`         // C or F, default C
		Interval Duration `json:"interval" yaml:"interval"` // default 30s
	} `json:"sensors" yaml:"sensors"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file"`
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`

	// Status optionally specifies an address for the status and metrics HTTP server.
	// If empty, it is not started.
	Status struct {
		Address string `json:"address" yaml:"address"`
	} `json:"status" yaml:"status"`
}

// Duration accepts "30s" style strings or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) set(s string) error {
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal([]byte(s), &secs); err != nil {
		return errors.New("invalid duration " + s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.set(strings.Trim(string(b), `"`))
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.set(n.Value)
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := new(Config)
	c.validate()
	return c
}

func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.New("error opening config file: " + err.Error())
	}

	defer f.Close()

	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(c)
	default:
		err = json.NewDecoder(f).Decode(c)
	}
	if err != nil {
		return errors.New("error reading config file: " + err.Error())
	}

	return c.validate()
}

func (c *Config) validate() error {
	b := &c.Broker
	if b.Network == "" {
		b.Network = "tcp"
	}
	b.Network = strings.ToLower(b.Network)

	var port string
	switch b.Network {
	case "tcp":
		port = ":1883"
	case "tls":
		port = ":8883"
	case "ws":
		port = ":80"
	case "wss":
		port = ":443"
	default:
		return errors.New("invalid broker network " + b.Network + ", must be tcp, tls, ws or wss")
	}
	if !strings.Contains(b.Address, ":") {
		if b.Address == "" {
			b.Address = "localhost"
		}
		b.Address += port
	}
	if b.Path == "" && (b.Network == "ws" || b.Network == "wss") {
		b.Path = "/mqtt"
	}

	cl := &c.Client
	if cl.ID == "" {
		cl.ID = "gomqttc-" + uuid.NewString()[:8]
	}
	switch {
	case cl.KeepAlive == 0:
		cl.KeepAlive = 60
	case cl.KeepAlive < 0:
		cl.KeepAlive = 0
	case cl.KeepAlive > 0xFFFF:
		return errors.New("invalid keep_alive, must be at most 65535s")
	}
	if cl.ResponseTimeout == 0 {
		cl.ResponseTimeout = 30
	}
	if cl.SendBuffer == 0 {
		cl.SendBuffer = 140
	}
	if cl.RecvBuffer == 0 {
		cl.RecvBuffer = 140
	}
	if cl.SendBuffer < minBufferSize || cl.RecvBuffer < minBufferSize {
		return errors.New("invalid send_buffer and/or recv_buffer, must be at least 32 bytes")
	}

	if c.Topics.Base == "" {
		c.Topics.Base = cl.ID
	}
	c.Topics.Base = strings.TrimSuffix(c.Topics.Base, "/")
	if c.Will.Topic == "" {
		c.Will.Topic = c.Topics.Base + "/availability"
	}
	if c.Will.Message == "" {
		c.Will.Message = "offline"
	}

	s := &c.Sensors
	if s.Dir == "" {
		s.Dir = "/sys/bus/w1/devices"
	}
	switch strings.ToUpper(s.Unit) {
	case "", "C":
		s.Unit = "C"
	case "F":
		s.Unit = "F"
	default:
		return errors.New("invalid sensors unit " + s.Unit + ", must be C or F")
	}
	if s.Interval <= 0 {
		s.Interval = Duration(30 * time.Second)
	}

	return nil
}

// CommandTopic is where commands for this client are received.
func (c *Config) CommandTopic() string { return c.Topics.Base + "/cmd" }
