package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loadops/stampede/pool"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Workers bounds concurrent node bring-ups per collection.
	Workers int `json:"workers"`
	// Drivers overrides per-kind timing; kinds without an entry use the
	// package default.
	Drivers map[Kind]DriverConfig `json:"drivers"`
}

func (c Config) driverConfig(kind Kind) DriverConfig {
	if dc, ok := c.Drivers[kind]; ok {
		if dc.Interval == 0 {
			dc.Interval = defaultDriverConfig.Interval
		}
		if dc.Timeout == 0 {
			dc.Timeout = defaultDriverConfig.Timeout
		}
		return dc
	}
	return defaultDriverConfig
}

// Pipeline drives the capability state machines of a single node. It runs
// independently of every other node's pipeline: a bad machine only ever
// poisons itself.
type Pipeline struct {
	node    *pool.Node
	drivers map[Kind]Driver
	config  Config
	log     *slog.Logger

	mu   sync.Mutex
	caps map[Kind]*Capability
}

func New(node *pool.Node, drivers map[Kind]Driver, config Config) *Pipeline {
	caps := make(map[Kind]*Capability, len(drivers))
	for _, kind := range bringUpOrder {
		if _, ok := drivers[kind]; ok {
			caps[kind] = &Capability{Kind: kind, Status: StatusPending}
		}
	}

	return &Pipeline{
		node:    node,
		drivers: drivers,
		config:  config,
		log:     config.Logger.With("node", node.Name),
		caps:    caps,
	}
}

// State returns a copy of the capability state for kind.
func (p *Pipeline) State(kind Kind) Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cap, ok := p.caps[kind]; ok {
		return *cap
	}
	return Capability{Kind: kind, Status: StatusPending}
}

// Ready reports whether every capability of this pipeline is ready.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cap := range p.caps {
		if cap.Status != StatusReady {
			return false
		}
	}
	return true
}

// Failed reports whether any capability of this pipeline has failed.
func (p *Pipeline) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cap := range p.caps {
		if cap.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (p *Pipeline) setStatus(kind Kind, status Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cap := p.caps[kind]
	cap.Status = status
	cap.Err = err
}

// depsReady checks that every declared dependency present in this pipeline
// is ready. Dependencies without a driver are considered satisfied: a step
// without a resolver still gets its workload.
func (p *Pipeline) depsReady(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dep := range dependencies[kind] {
		if cap, ok := p.caps[dep]; ok && cap.Status != StatusReady {
			return false
		}
	}
	return true
}

// Run advances the node through every capability in dependency order. The
// first failure marks all downstream kinds failed, flags the node
// unresponsive, and returns the causing error.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, kind := range bringUpOrder {
		driver, ok := p.drivers[kind]
		if !ok {
			continue
		}

		if !p.depsReady(kind) {
			// Unreachable while bringUpOrder is topological; guards
			// against a future edit breaking the DAG.
			err := fmt.Errorf("capability %s started before its dependencies", kind)
			p.poison(kind, err)
			return err
		}

		if err := p.bringUp(ctx, kind, driver); err != nil {
			p.poison(kind, err)
			p.node.SetStatus(pool.NodeStatusUnresponsive)
			return err
		}
	}
	return nil
}

func (p *Pipeline) bringUp(ctx context.Context, kind Kind, driver Driver) error {
	dc := p.config.driverConfig(kind)
	log := p.log.With("capability", kind)

	p.setStatus(kind, StatusStarting, nil)
	log.Debug("Starting capability")

	ctx, cancel := context.WithTimeout(ctx, dc.Timeout)
	defer cancel()

	if err := driver.Start(ctx, p.node); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &BringUpTimeoutError{Kind: kind, Node: p.node.Name.String(), Timeout: dc.Timeout}
		} else if ctx.Err() == nil {
			err = &CapabilityError{Kind: kind, Node: p.node.Name.String(), Err: err}
		}
		p.setStatus(kind, StatusFailed, err)
		return err
	}

	// Poll the readiness probe on a fixed interval until it succeeds, the
	// overall capability timeout elapses, or the probe reports a permanent
	// failure. An ordinary probe error just means "not ready yet".
	for {
		err := driver.Probe(ctx, p.node)
		if err == nil {
			p.setStatus(kind, StatusReady, nil)
			log.Debug("Capability ready")
			return nil
		}

		if IsPermanent(err) {
			failure := &CapabilityError{Kind: kind, Node: p.node.Name.String(), Err: errors.Unwrap(err)}
			p.setStatus(kind, StatusFailed, failure)
			return failure
		}

		if cause := ctx.Err(); cause != nil {
			if errors.Is(cause, context.DeadlineExceeded) {
				err = &BringUpTimeoutError{Kind: kind, Node: p.node.Name.String(), Timeout: dc.Timeout}
			} else {
				err = cause
			}
			p.setStatus(kind, StatusFailed, err)
			return err
		}

		p.mu.Lock()
		p.caps[kind].Retries++
		p.mu.Unlock()
		log.Debug("Capability not ready yet, will probe again", "error", err, "interval", dc.Interval)

		select {
		case <-time.After(dc.Interval):
		case <-ctx.Done():
		}
	}
}

// poison marks every kind downstream of failed as failed too, so their state
// never reports pending for a bring-up that cannot happen.
func (p *Pipeline) poison(failed Kind, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	poisoned := map[Kind]bool{failed: true}
	for _, kind := range bringUpOrder {
		cap, ok := p.caps[kind]
		if !ok || poisoned[kind] {
			continue
		}
		for _, dep := range dependencies[kind] {
			if poisoned[dep] {
				poisoned[kind] = true
				if cap.Status == StatusPending || cap.Status == StatusStarting {
					cap.Status = StatusFailed
					cap.Err = fmt.Errorf("upstream capability %s failed: %w", failed, cause)
				}
				break
			}
		}
	}
}
