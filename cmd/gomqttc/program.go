package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoanBrand/gomqttc/internal/config"
	"github.com/RoanBrand/gomqttc/internal/metrics"
	"github.com/RoanBrand/gomqttc/internal/publisher"
	"github.com/RoanBrand/gomqttc/internal/sensor"
	"github.com/RoanBrand/gomqttc/internal/transport"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

type program struct {
	configFlag string
	execDir    string

	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	conf, err := p.loadConfig()
	if err != nil {
		return err
	}
	if err = setupLogging(conf); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dial := func(ctx context.Context) (publisher.Transport, error) {
		return transport.Dial(ctx, transport.Options{
			Network:            conf.Broker.Network,
			Address:            conf.Broker.Address,
			Path:               conf.Broker.Path,
			InsecureSkipVerify: conf.Broker.InsecureSkipVerify,
		})
	}
	pub := publisher.New(conf, dial, sensor.NewSource(conf.Sensors.Dir), m)
	m.Watch(pub)

	var ln net.Listener
	if conf.Status.Address != "" {
		if ln, err = net.Listen("tcp", conf.Status.Address); err != nil {
			return err
		}
	}

	base, cancel := context.WithCancel(context.Background())
	p.cancel, p.done = cancel, make(chan error, 1)

	g, ctx := errgroup.WithContext(base)
	g.Go(func() error {
		runSessions(ctx, pub)
		return nil
	})
	if ln != nil {
		srv := &http.Server{
			Handler:           newStatusRouter(pub, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.WithField("address", ln.Addr().String()).Info("Starting status server")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	go func() {
		err := g.Wait()
		if err != nil && base.Err() == nil {
			log.WithError(err).Fatal("gomqttc stopped")
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	log.Info("Shutting down gomqttc")
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func (p *program) loadConfig() (*config.Config, error) {
	conf := new(config.Config)

	path := p.configFlag
	if path == "" {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if toTry := filepath.Join(p.execDir, name); fileExists(toTry) {
				path = toTry
				break
			}
		}
	}
	if path == "" {
		log.Infoln("No config file specified or found. Using defaults.")
		return config.Default(), nil
	}

	if err := conf.LoadFromFile(path); err != nil {
		return nil, err
	}
	log.Infoln("Using config file:", path)
	return conf, nil
}

func setupLogging(conf *config.Config) error {
	if conf.Log.File != "" {
		f, err := os.OpenFile(conf.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if conf.Log.Level != "" {
		switch strings.ToLower(conf.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + conf.Log.Level)
		}
	}
	return nil
}

// runSessions runs publisher sessions until ctx is done, backing off after failures.
func runSessions(ctx context.Context, pub *publisher.Publisher) {
	backoff := minBackoff
	for {
		started := time.Now()
		err := pub.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		log.WithFields(log.Fields{
			"retry_in": backoff.String(),
		}).WithError(err).Warn("MQTT session ended")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
