package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/plan"
	"github.com/loadops/stampede/pool"
)

// Allocator leases and releases node collections. *pool.Pool implements it.
type Allocator interface {
	Allocate(ctx context.Context, req pool.AllocateRequest) (*pool.Collection, error)
	Release(collection *pool.Collection)
	ReleaseNode(node *pool.Node)
}

// Launcher drives workload containers on ready nodes. *remote.Workload
// implements it.
type Launcher interface {
	EnsureImage(ctx context.Context, node *pool.Node, step plan.Step) error
	Start(ctx context.Context, node *pool.Node, step plan.Step, vals map[string]string) error
	Running(ctx context.Context, node *pool.Node, step plan.Step) (bool, error)
	Stop(ctx context.Context, node *pool.Node, step plan.Step) error
	CaptureLogs(node *pool.Node, step plan.Step) error
	SaveResults(node *pool.Node, step plan.Step, dir string) error
}

// DriverFactory builds the capability drivers a step's nodes are brought up
// with. The resolver records map logical DNS names to the private addresses
// answering for them, across all of the run's collections.
type DriverFactory interface {
	Drivers(runID namegen.ID, step plan.Step, records map[string][]string) map[pipeline.Kind]pipeline.Driver
}

// coordinator owns one run from trigger to finalization. Each step executes
// on its own timeline goroutine; the run context is the single abort signal
// propagating into allocations, bring-ups and monitor loops.
type coordinator struct {
	run      *Run
	plan     *plan.Plan
	pool     Allocator
	launcher Launcher
	drivers  DriverFactory
	config   Config
	log      *slog.Logger
	publish  func(Event)

	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
}

func newCoordinator(p *plan.Plan, pool Allocator, launcher Launcher, drivers DriverFactory, config Config, publish func(Event)) *coordinator {
	run := newRun(p)
	return &coordinator{
		run:      run,
		plan:     p,
		pool:     pool,
		launcher: launcher,
		drivers:  drivers,
		config:   config,
		log:      config.Logger.With("run", run.ID),
		publish:  publish,
		done:     make(chan struct{}),
	}
}

// Snapshot returns a copy of the run record safe to hand out.
func (c *coordinator) Snapshot() Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := *c.run
	run.Steps = append([]StepRecord(nil), c.run.Steps...)
	return run
}

// Abort cancels the run context. Aborting a finished run is a no-op.
func (c *coordinator) Abort() {
	c.mu.Lock()
	terminal := c.run.State.Terminal()
	c.mu.Unlock()
	if terminal {
		return
	}
	c.cancel()
}

func (c *coordinator) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	go func() {
		defer close(c.done)
		defer cancel()
		c.execute(ctx)
	}()
}

func (c *coordinator) execute(ctx context.Context) {
	c.mu.Lock()
	c.run.State = RunStateRunning
	c.run.StartedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("Run started", "plan", c.plan.Name, "steps", len(c.plan.Steps))
	c.publish(EventRunStarted{Run: c.run.ID, Plan: c.plan.Name})

	// Abort from FailFast must not look like an external abort.
	stepCtx, failFast := context.WithCancel(ctx)
	defer failFast()

	collections := c.allocate(stepCtx)
	records := c.resolverRecords(collections)

	var wg sync.WaitGroup
	for i, step := range c.plan.Steps {
		collection := collections[i]
		if collection == nil {
			continue // allocation already failed the step
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runStep(stepCtx, i, step, collection, records); err != nil && c.config.FailFast {
				c.log.Warn("Step failed, aborting remaining steps", "step", step.Name, "error", err)
				failFast()
			}
		}()
	}
	wg.Wait()

	c.finalizeRun(ctx)
}

// allocate leases every step's collection concurrently and returns them
// indexed by step. A step whose allocation failed gets a nil entry and a
// finalized failed record.
func (c *coordinator) allocate(ctx context.Context) []*pool.Collection {
	collections := make([]*pool.Collection, len(c.plan.Steps))

	var wg sync.WaitGroup
	for i, step := range c.plan.Steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collection, err := c.pool.Allocate(ctx, pool.AllocateRequest{
				Region:    step.InstanceRegion,
				Type:      step.InstanceType,
				Image:     c.config.NodeImage,
				Count:     step.InstanceCount,
				NodeDelay: step.NodeDelay,
			})
			if err != nil {
				if collection != nil {
					c.pool.Release(collection)
				}
				c.log.Error("Failed to allocate collection", "step", step.Name, "error", err)
				c.finalizeStep(i, lo.Ternary(errors.Is(err, context.Canceled), StepStateAborted, StepStateFailed), err)
				return
			}

			c.mu.Lock()
			c.run.Steps[i].Collection = collection.Name
			c.run.Steps[i].State = StepStateAllocated
			c.mu.Unlock()
			collections[i] = collection
		}()
	}
	wg.Wait()

	return collections
}

// resolverRecords maps each step's logical DNS name to the private addresses
// of its collection, so any workload in the run can address any collection
// by name.
func (c *coordinator) resolverRecords(collections []*pool.Collection) map[string][]string {
	records := make(map[string][]string)
	for i, step := range c.plan.Steps {
		if step.DNSName == "" || collections[i] == nil {
			continue
		}
		records[step.DNSName] = lo.Map(collections[i].Nodes(), func(node *pool.Node, _ int) string {
			return node.PrivateIP
		})
	}
	return records
}

func (c *coordinator) runStep(ctx context.Context, index int, step plan.Step, collection *pool.Collection, records map[string][]string) (err error) {
	log := c.log.With("step", step.Name, "collection", collection.Name)
	defer c.pool.Release(collection)
	defer func() {
		if err != nil {
			state := lo.Ternary(ctx.Err() != nil, StepStateAborted, StepStateFailed)
			if c.finalizeStep(index, state, err) && state == StepStateFailed {
				c.publish(EventStepFailed{Run: c.run.ID, Step: step.Name})
			}
		}
	}()

	c.publish(EventStepStarted{Run: c.run.ID, Step: step.Name})

	bringUp := pipeline.Start(ctx, collection, c.drivers.Drivers(c.run.ID, step, records), pipeline.Config{
		Logger:  log,
		Workers: c.config.BringUpWorkers,
		Drivers: c.config.Drivers,
	})
	ready, err := bringUp.AwaitReady(ctx, c.config.BringUpDeadline)
	if err != nil {
		return err
	}

	readyCount, failedCount, _ := bringUp.Counts()
	c.mu.Lock()
	c.run.Steps[index].ReadyCount = readyCount
	c.run.Steps[index].FailedCount = failedCount
	c.mu.Unlock()

	required := requiredNodes(step.InstanceCount, c.config.MinReadyFraction)
	if len(ready) < required {
		return &ShortfallError{Step: step.Name, Ready: len(ready), Required: required, Requested: step.InstanceCount}
	}

	log.Info("Collection ready", "ready", readyCount, "failed", failedCount)
	c.publish(EventStepReady{Run: c.run.ID, Step: step.Name, Ready: readyCount})

	if step.RunDelay > 0 {
		select {
		case <-time.After(step.RunDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	launched := c.launch(ctx, step, ready, index)
	if len(launched) == 0 {
		return fmt.Errorf("no node of step '%s' could launch its workload", step.Name)
	}

	c.mu.Lock()
	c.run.Steps[index].State = StepStateRunning
	c.run.Steps[index].StartedAt = time.Now()
	c.mu.Unlock()

	if err := c.monitor(ctx, step, launched, index, log); err != nil {
		return err
	}

	if c.finalizeStep(index, StepStateComplete, nil) {
		log.Info("Step complete")
		c.publish(EventStepCompleted{Run: c.run.ID, Step: step.Name})
	}
	return nil
}

// launch starts the workload on every ready node concurrently. A node that
// fails to launch is released and excluded rather than failing the step.
func (c *coordinator) launch(ctx context.Context, step plan.Step, ready []*pool.Node, index int) []*pool.Node {
	vals := func(node *pool.Node) map[string]string {
		return map[string]string{
			plan.TokenHostIP:     node.PublicIP,
			plan.TokenPrivateIP:  node.PrivateIP,
			plan.TokenStatsdHost: node.PrivateIP,
			plan.TokenStatsdPort: strconv.Itoa(c.config.StatsdPort),
			plan.TokenRunID:      string(c.run.ID),
		}
	}

	var mu sync.Mutex
	var launched []*pool.Node

	var wg sync.WaitGroup
	for _, node := range ready {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.launcher.EnsureImage(ctx, node, step)
			if err == nil {
				err = c.launcher.Start(ctx, node, step, vals(node))
			}
			if err != nil {
				c.log.Error("Failed to launch workload, excluding node", "step", step.Name, "node", node.Name, "error", err)
				node.SetStatus(pool.NodeStatusUnresponsive)
				c.pool.ReleaseNode(node)
				c.mu.Lock()
				c.run.Steps[index].FailedCount++
				c.mu.Unlock()
				return
			}

			node.SetStatus(pool.NodeStatusInUse)
			mu.Lock()
			launched = append(launched, node)
			mu.Unlock()
			c.publish(EventNodeLaunched{Run: c.run.ID, Step: step.Name, Node: node.Name})
		}()
	}
	wg.Wait()

	return launched
}

// monitor polls the workload containers until they all finish, the step's
// run time limit passes, or the run is aborted. Nodes whose probes keep
// failing are pruned when the step allows it.
func (c *coordinator) monitor(ctx context.Context, step plan.Step, nodes []*pool.Node, index int, log *slog.Logger) error {
	deadline := time.NewTimer(step.RunMaxTime)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.MonitorInterval)
	defer ticker.Stop()

	active := append([]*pool.Node(nil), nodes...)
	probeFailures := make(map[*pool.Node]int)

	for len(active) > 0 {
		select {
		case <-ticker.C:
			for _, node := range append([]*pool.Node(nil), active...) {
				running, err := c.launcher.Running(ctx, node, step)
				switch {
				case err != nil:
					probeFailures[node]++
					log.Warn("Workload liveness probe failed", "node", node.Name, "failures", probeFailures[node], "error", err)
					if step.PruneRunning && probeFailures[node] >= c.config.PruneAfterFailures {
						c.prune(step, node, index, log)
						active = lo.Without(active, node)
					}
				case !running:
					log.Debug("Workload finished", "node", node.Name)
					c.collect(node, step, log)
					active = lo.Without(active, node)
				default:
					probeFailures[node] = 0
				}
			}

		case <-deadline.C:
			log.Info("Step reached its run time limit, stopping workloads", "nodes", len(active))
			c.stopAll(ctx, step, active, log)
			return nil

		case <-ctx.Done():
			c.stopAll(context.Background(), step, active, log)
			return ctx.Err()
		}
	}

	return nil
}

// prune terminates a node that stopped answering mid-run.
func (c *coordinator) prune(step plan.Step, node *pool.Node, index int, log *slog.Logger) {
	log.Warn("Pruning unresponsive node", "node", node.Name)
	node.SetStatus(pool.NodeStatusUnresponsive)
	c.pool.ReleaseNode(node)

	c.mu.Lock()
	c.run.Steps[index].PrunedCount++
	c.mu.Unlock()
	c.publish(EventNodePruned{Run: c.run.ID, Step: step.Name, Node: node.Name})
}

func (c *coordinator) stopAll(ctx context.Context, step plan.Step, nodes []*pool.Node, log *slog.Logger) {
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.collect(node, step, log)
			if err := c.launcher.Stop(ctx, node, step); err != nil {
				log.Warn("Failed to stop workload", "node", node.Name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// collect captures the workload's logs and pulls the node workspace before
// the node goes away.
func (c *coordinator) collect(node *pool.Node, step plan.Step, log *slog.Logger) {
	if err := c.launcher.CaptureLogs(node, step); err != nil {
		log.Warn("Failed to capture workload logs", "node", node.Name, "error", err)
	}
	if c.config.ResultsDir == "" {
		return
	}
	dir := filepath.Join(c.config.ResultsDir, string(c.run.ID), step.Name)
	if err := c.launcher.SaveResults(node, step, dir); err != nil {
		log.Warn("Failed to save workload results", "node", node.Name, "error", err)
	}
}

// finalizeStep moves a step record to a terminal state exactly once.
// Reports whether this call performed the transition.
func (c *coordinator) finalizeStep(index int, state StepState, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	record := &c.run.Steps[index]
	if record.State.Terminal() {
		return false
	}
	record.State = state
	record.StoppedAt = time.Now()
	if err != nil {
		record.Error = err.Error()
	}
	return true
}

func (c *coordinator) finalizeRun(ctx context.Context) {
	c.mu.Lock()
	// Steps that never got a timeline still need a terminal state.
	for i := range c.run.Steps {
		if !c.run.Steps[i].State.Terminal() {
			c.run.Steps[i].State = lo.Ternary(ctx.Err() != nil, StepStateAborted, StepStateFailed)
		}
	}

	anyFailed := lo.SomeBy(c.run.Steps, func(record StepRecord) bool {
		return record.State == StepStateFailed
	})
	switch {
	case ctx.Err() != nil:
		c.run.State = RunStateAborted
	case anyFailed:
		c.run.State = RunStateFailed
	default:
		c.run.State = RunStateComplete
	}
	c.run.CompletedAt = time.Now()
	state := c.run.State
	c.mu.Unlock()

	c.log.Info("Run finished", "state", state)
	c.publish(EventRunCompleted{Run: c.run.ID, State: state})
}

func requiredNodes(requested int, fraction float64) int {
	return int(math.Max(1, math.Ceil(fraction*float64(requested))))
}
