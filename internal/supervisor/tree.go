// Package supervisor runs long-lived services under a suture tree.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Config tunes restart behaviour.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig mirrors suture's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups the sync workers and the HTTP surfaces under one root so a
// crashing worker is restarted without taking the listeners down.
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	servers *suture.Supervisor
}

// New builds a Tree named name; zero config fields take defaults.
func New(name string, cfg Config, logger zerolog.Logger) *Tree {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = EventHook(logger)

	root := suture.New(name, rootSpec)
	workers := suture.New("workers", spec)
	servers := suture.New("servers", spec)
	root.Add(workers)
	root.Add(servers)

	return &Tree{root: root, workers: workers, servers: servers}
}

// AddWorker supervises a background loop.
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddServer supervises a listener.
func (t *Tree) AddServer(svc suture.Service) suture.ServiceToken {
	return t.servers.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// EventHook logs supervisor events through zerolog.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		level := zerolog.WarnLevel
		switch e.Type() {
		case suture.EventTypeServicePanic:
			level = zerolog.ErrorLevel
		case suture.EventTypeResume:
			level = zerolog.InfoLevel
		}
		logger.WithLevel(level).
			Fields(e.Map()).
			Int("event_type", int(e.Type())).
			Msg(e.String())
	}
}
