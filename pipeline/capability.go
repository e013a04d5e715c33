package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loadops/stampede/pool"
)

// Kind identifies one remote capability a node passes through on its way to
// running a workload.
type Kind string

const (
	KindConnectivity Kind = "connectivity"
	KindShell        Kind = "shell"
	KindRuntime      Kind = "runtime"
	KindSidecar      Kind = "sidecar"
	KindResolver     Kind = "resolver"
	// KindWorkload is a dependency sink: it is never brought up by the
	// pipeline itself, but its dependency set gates workload launch.
	KindWorkload Kind = "workload"
)

// dependencies is the explicit capability DAG. A kind may only start once
// every dependency on the same node is ready.
var dependencies = map[Kind][]Kind{
	KindConnectivity: nil,
	KindShell:        {KindConnectivity},
	KindRuntime:      {KindShell},
	KindSidecar:      {KindRuntime},
	KindResolver:     {KindRuntime},
	KindWorkload:     {KindRuntime, KindSidecar, KindResolver},
}

// bringUpOrder is a topological order of the DAG; pipelines advance through
// it one kind at a time.
var bringUpOrder = []Kind{KindConnectivity, KindShell, KindRuntime, KindSidecar, KindResolver}

// Dependencies returns the declared dependency kinds of kind.
func Dependencies(kind Kind) []Kind {
	return dependencies[kind]
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// Capability is the observable state of one kind on one node.
type Capability struct {
	Kind    Kind
	Status  Status
	Err     error
	Retries int
}

// Driver brings one capability kind up on a node. Start issues the remote
// command (open a connection, launch a container); Probe checks readiness
// and is polled until it succeeds.
type Driver interface {
	Start(ctx context.Context, node *pool.Node) error
	Probe(ctx context.Context, node *pool.Node) error
}

// DriverConfig bounds one capability's bring-up: how often the readiness
// probe is polled and how long the capability may take overall.
type DriverConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

var defaultDriverConfig = DriverConfig{Interval: 5 * time.Second, Timeout: 2 * time.Minute}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a probe error as definitive: the capability failed outright
// rather than not being ready yet, so polling stops immediately.
func Permanent(err error) error {
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// BringUpTimeoutError reports a capability that did not reach ready in time.
// It is non-fatal to the collection: the node is marked unresponsive and
// counted as shortfall.
type BringUpTimeoutError struct {
	Kind    Kind
	Node    string
	Timeout time.Duration
}

func (e *BringUpTimeoutError) Error() string {
	return fmt.Sprintf("capability %s on node %s did not become ready within %s", e.Kind, e.Node, e.Timeout)
}

// CapabilityError reports a probe or start failure, as opposed to a timeout.
type CapabilityError struct {
	Kind Kind
	Node string
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed on node %s: %v", e.Kind, e.Node, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
