// Package broker coordinates load-test campaign runs: it leases node
// collections, brings them to readiness, launches workloads and keeps the
// authoritative record of every run.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/plan"
)

// RunStore persists finalized runs. Saving failures are logged, never fatal:
// losing history must not take down a live campaign.
type RunStore interface {
	Save(run Run) error
}

type Config struct {
	Logger *slog.Logger `json:"-"`
	Store  RunStore     `json:"-"`

	// NodeImage is the VM image nodes boot from, resolved per region.
	NodeImage string `json:"node-image"`

	// ResultsDir is the local directory run results are collected into.
	// Empty disables result collection.
	ResultsDir string `json:"results-dir"`

	// MinReadyFraction is the share of a step's requested nodes that must
	// reach readiness for the step to launch.
	MinReadyFraction float64 `json:"min-ready-fraction"`

	BringUpDeadline    time.Duration `json:"bring-up-deadline"`
	BringUpWorkers     int           `json:"bring-up-workers"`
	MonitorInterval    time.Duration `json:"monitor-interval"`
	PruneAfterFailures int           `json:"prune-after-failures"`
	StatsdPort         int           `json:"statsd-port"`

	// FailFast aborts the remaining steps of a run as soon as one fails.
	FailFast bool `json:"fail-fast"`

	Drivers map[pipeline.Kind]pipeline.DriverConfig `json:"-"`
}

func Validate(config Config) error {
	if config.MinReadyFraction <= 0 || config.MinReadyFraction > 1 {
		return fmt.Errorf("min ready fraction must be within (0, 1]")
	}
	if config.BringUpDeadline <= 0 {
		return fmt.Errorf("bring-up deadline must be positive")
	}
	if config.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if config.PruneAfterFailures < 1 {
		return fmt.Errorf("prune-after-failures must be at least 1")
	}
	return nil
}

// DefaultConfig returns the tuning a fresh deployment starts from.
func DefaultConfig() Config {
	return Config{
		NodeImage:          "coreos-stable",
		MinReadyFraction:   0.5,
		BringUpDeadline:    5 * time.Minute,
		MonitorInterval:    5 * time.Second,
		PruneAfterFailures: 2,
		StatsdPort:         8125,
	}
}

// Broker is the registry of runs, active and finished.
type Broker struct {
	pool     Allocator
	launcher Launcher
	drivers  DriverFactory
	config   Config
	log      *slog.Logger

	ctx      context.Context
	shutdown context.CancelFunc

	mu          sync.Mutex
	runs        map[namegen.ID]*coordinator
	subscribers map[chan Event]struct{}
}

func New(pool Allocator, launcher Launcher, drivers DriverFactory, config Config) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		pool:     pool,
		launcher: launcher,
		drivers:  drivers,
		config:   config,
		log:      config.Logger,

		ctx:      ctx,
		shutdown: cancel,

		runs:        make(map[namegen.ID]*coordinator),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Trigger validates the plan and starts its run asynchronously, returning
// the run id immediately.
func (b *Broker) Trigger(p *plan.Plan) (namegen.ID, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}

	c := newCoordinator(p, b.pool, b.launcher, b.drivers, b.config, b.publish)

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("broker is shutting down")
	}
	b.runs[c.run.ID] = c
	b.mu.Unlock()

	c.start(b.ctx)
	go b.persistWhenDone(c)

	return c.run.ID, nil
}

// Status returns the current snapshot of a run.
func (b *Broker) Status(id namegen.ID) (Run, error) {
	b.mu.Lock()
	c, ok := b.runs[id]
	b.mu.Unlock()
	if !ok {
		return Run{}, fmt.Errorf("unknown run '%s'", id)
	}
	return c.Snapshot(), nil
}

// List returns a snapshot of every known run, newest first.
func (b *Broker) List() []Run {
	b.mu.Lock()
	coordinators := lo.Values(b.runs)
	b.mu.Unlock()

	runs := lo.Map(coordinators, func(c *coordinator, _ int) Run {
		return c.Snapshot()
	})
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

// Abort cancels a run. Aborting a run already in a terminal state is
// acknowledged without effect.
func (b *Broker) Abort(id namegen.ID) error {
	b.mu.Lock()
	c, ok := b.runs[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run '%s'", id)
	}
	c.Abort()
	return nil
}

// Shutdown aborts every active run and blocks until their teardown
// finishes.
func (b *Broker) Shutdown() {
	b.shutdown()

	b.mu.Lock()
	coordinators := lo.Values(b.runs)
	b.mu.Unlock()

	for _, c := range coordinators {
		<-c.done
	}
}

// Subscribe returns a channel of run events and an unsubscribe function.
// Slow subscribers lose events rather than stalling runs.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	channel := make(chan Event, 128)

	b.mu.Lock()
	b.subscribers[channel] = struct{}{}
	b.mu.Unlock()

	return channel, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[channel]; ok {
			delete(b.subscribers, channel)
			close(channel)
		}
	}
}

func (b *Broker) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel := range b.subscribers {
		select {
		case channel <- event:
		default:
		}
	}
}

func (b *Broker) persistWhenDone(c *coordinator) {
	<-c.done
	if b.config.Store == nil {
		return
	}
	if err := b.config.Store.Save(c.Snapshot()); err != nil {
		b.log.Error("Failed to persist run record", "run", c.run.ID, "error", err)
	}
}
