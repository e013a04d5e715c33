package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadops/stampede/pool"
)

// --- Mock driver ---

type mockDriver struct {
	mu         sync.Mutex
	startErr   error
	probeErrs  []error // consumed one per probe; nil entries mean success
	startCalls int
	probeCalls int
	started    func(kind Kind) // invoked on Start, for ordering assertions
	kind       Kind
}

func (d *mockDriver) Start(ctx context.Context, node *pool.Node) error {
	d.mu.Lock()
	d.startCalls++
	d.mu.Unlock()
	if d.started != nil {
		d.started(d.kind)
	}
	return d.startErr
}

func (d *mockDriver) Probe(ctx context.Context, node *pool.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeCalls++
	if len(d.probeErrs) > 0 {
		err := d.probeErrs[0]
		d.probeErrs = d.probeErrs[1:]
		return err
	}
	return nil
}

func testConfig() Config {
	return Config{
		Logger: slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
		Drivers: map[Kind]DriverConfig{
			KindConnectivity: {Interval: time.Millisecond, Timeout: time.Second},
			KindShell:        {Interval: time.Millisecond, Timeout: time.Second},
			KindRuntime:      {Interval: time.Millisecond, Timeout: time.Second},
			KindSidecar:      {Interval: time.Millisecond, Timeout: time.Second},
			KindResolver:     {Interval: time.Millisecond, Timeout: time.Second},
		},
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testNode(name string) *pool.Node {
	return &pool.Node{ID: "i-" + name, PublicIP: "203.0.113.1", PrivateIP: "10.0.0.1"}
}

func allDrivers(started func(kind Kind)) map[Kind]Driver {
	drivers := make(map[Kind]Driver)
	for _, kind := range []Kind{KindConnectivity, KindShell, KindRuntime, KindSidecar, KindResolver} {
		drivers[kind] = &mockDriver{kind: kind, started: started}
	}
	return drivers
}

// --- Pipeline tests ---

func TestPipelineStartsCapabilitiesInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []Kind
	drivers := allDrivers(func(kind Kind) {
		mu.Lock()
		order = append(order, kind)
		mu.Unlock()
	})

	p := New(testNode("a"), drivers, testConfig())
	require.NoError(t, p.Run(context.Background()))
	assert.True(t, p.Ready())

	// Every capability starts only after all of its dependencies are done.
	seen := map[Kind]int{}
	for i, kind := range order {
		seen[kind] = i
	}
	for _, kind := range order {
		for _, dep := range Dependencies(kind) {
			depIdx, ok := seen[dep]
			require.True(t, ok, "dependency %s of %s never started", dep, kind)
			assert.Less(t, depIdx, seen[kind], "%s started before its dependency %s", kind, dep)
		}
	}
}

func TestPipelineWaitsForProbe(t *testing.T) {
	drivers := allDrivers(nil)
	notReady := errors.New("connection refused")
	drivers[KindRuntime] = &mockDriver{probeErrs: []error{notReady, notReady, nil}}

	p := New(testNode("a"), drivers, testConfig())
	require.NoError(t, p.Run(context.Background()))

	state := p.State(KindRuntime)
	assert.Equal(t, StatusReady, state.Status)
	assert.Equal(t, 2, state.Retries)
}

func TestPipelineFailurePoisonsDownstream(t *testing.T) {
	drivers := allDrivers(nil)
	shell := &mockDriver{startErr: errors.New("auth refused")}
	drivers[KindShell] = shell

	node := testNode("a")
	p := New(node, drivers, testConfig())
	err := p.Run(context.Background())

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, KindShell, capErr.Kind)

	assert.Equal(t, StatusReady, p.State(KindConnectivity).Status)
	assert.Equal(t, StatusFailed, p.State(KindShell).Status)
	for _, kind := range []Kind{KindRuntime, KindSidecar, KindResolver} {
		state := p.State(kind)
		assert.Equal(t, StatusFailed, state.Status, "%s should be poisoned", kind)
		assert.ErrorContains(t, state.Err, "upstream capability")
	}

	// Nothing downstream of the failure was ever started.
	runtime := drivers[KindRuntime].(*mockDriver)
	assert.Equal(t, 0, runtime.startCalls)

	assert.Equal(t, pool.NodeStatusUnresponsive, node.Status())
}

func TestPipelineTimeoutBecomesBringUpTimeout(t *testing.T) {
	drivers := allDrivers(nil)
	drivers[KindConnectivity] = &probeAlwaysFails{}

	config := testConfig()
	config.Drivers[KindConnectivity] = DriverConfig{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}

	p := New(testNode("a"), drivers, config)
	err := p.Run(context.Background())

	var timeoutErr *BringUpTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, KindConnectivity, timeoutErr.Kind)
	assert.Equal(t, StatusFailed, p.State(KindConnectivity).Status)
}

type probeAlwaysFails struct{}

func (*probeAlwaysFails) Start(ctx context.Context, node *pool.Node) error { return nil }
func (*probeAlwaysFails) Probe(ctx context.Context, node *pool.Node) error {
	return errors.New("still booting")
}

func TestPipelinePermanentProbeFailure(t *testing.T) {
	drivers := allDrivers(nil)
	drivers[KindRuntime] = &mockDriver{probeErrs: []error{Permanent(errors.New("daemon crashed"))}}

	p := New(testNode("a"), drivers, testConfig())
	err := p.Run(context.Background())

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, KindRuntime, capErr.Kind)
	assert.ErrorContains(t, capErr.Err, "daemon crashed")
}

func TestPipelineSkipsKindsWithoutDriver(t *testing.T) {
	drivers := allDrivers(nil)
	delete(drivers, KindSidecar)
	delete(drivers, KindResolver)

	p := New(testNode("a"), drivers, testConfig())
	require.NoError(t, p.Run(context.Background()))
	assert.True(t, p.Ready())
}

// --- BringUp tests ---

func makeCollection(t *testing.T, count int) *pool.Collection {
	t.Helper()
	provider := &staticProvider{}
	pl := pool.New(provider, pool.Config{
		Logger:             slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
		MaxConcurrentBoots: count,
		BootTimeout:        time.Second,
		BootRetries:        1,
	})
	collection, err := pl.Allocate(context.Background(), pool.AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: count,
	})
	require.NoError(t, err)
	return collection
}

type staticProvider struct {
	mu sync.Mutex
	n  int
}

func (p *staticProvider) Create(ctx context.Context, spec pool.NodeSpec) (*pool.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return &pool.Node{ID: fmt.Sprintf("i-%d", p.n), Name: spec.Name}, nil
}

func (p *staticProvider) Terminate(ctx context.Context, node *pool.Node) error { return nil }

func (p *staticProvider) ResolveImage(ctx context.Context, region, instanceType, name string) (string, error) {
	return "ami-1", nil
}

func TestBringUpCountsInvariant(t *testing.T) {
	collection := makeCollection(t, 4)

	drivers := allDrivers(nil)
	drivers[KindShell] = &mockDriver{startErr: errors.New("auth refused")}

	b := Start(context.Background(), collection, drivers, testConfig())

	deadline := time.After(2 * time.Second)
	for {
		ready, failed, pending := b.Counts()
		assert.Equal(t, collection.Size(), ready+failed+pending)
		assert.LessOrEqual(t, ready, collection.Requested)
		if pending == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bring-up did not settle")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// Shell fails on every node: nothing can be ready.
	ready, failed, _ := b.Counts()
	assert.Equal(t, 0, ready)
	assert.Equal(t, collection.Size(), failed)
}

func TestBringUpAwaitReadyAllHealthy(t *testing.T) {
	collection := makeCollection(t, 3)

	b := Start(context.Background(), collection, allDrivers(nil), testConfig())
	nodes, err := b.AwaitReady(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestBringUpAwaitReadyDeadline(t *testing.T) {
	collection := makeCollection(t, 2)

	drivers := allDrivers(nil)
	drivers[KindConnectivity] = &probeAlwaysFails{}

	config := testConfig()
	config.Drivers[KindConnectivity] = DriverConfig{Interval: time.Millisecond, Timeout: time.Minute}

	b := Start(context.Background(), collection, drivers, config)
	start := time.Now()
	nodes, err := b.AwaitReady(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBringUpCancelledByContext(t *testing.T) {
	collection := makeCollection(t, 2)

	drivers := allDrivers(nil)
	drivers[KindConnectivity] = &probeAlwaysFails{}

	config := testConfig()
	config.Drivers[KindConnectivity] = DriverConfig{Interval: time.Millisecond, Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	b := Start(ctx, collection, drivers, config)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.AwaitReady(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBringUpBoundedWorkers(t *testing.T) {
	collection := makeCollection(t, 6)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	drivers := allDrivers(nil)
	drivers[KindConnectivity] = &gaugeDriver{onProbe: func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}

	config := testConfig()
	config.Workers = 2

	b := Start(context.Background(), collection, drivers, config)
	_, err := b.AwaitReady(context.Background(), 5*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

type gaugeDriver struct{ onProbe func() }

func (*gaugeDriver) Start(ctx context.Context, node *pool.Node) error { return nil }
func (d *gaugeDriver) Probe(ctx context.Context, node *pool.Node) error {
	d.onProbe()
	return nil
}
