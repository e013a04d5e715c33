package pool

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
)

// --- Mock provider ---

type mockProvider struct {
	mu         sync.Mutex
	createFunc func(spec NodeSpec) (*Node, error)
	resolved   int
	created    int
	terminated []string

	// Close to unblock in-flight Terminate calls.
	terminateGate chan struct{}
}

func newMockProvider() *mockProvider {
	return &mockProvider{terminateGate: make(chan struct{})}
}

func (p *mockProvider) Create(ctx context.Context, spec NodeSpec) (*Node, error) {
	p.mu.Lock()
	p.created++
	id := fmt.Sprintf("i-%04d", p.created)
	p.mu.Unlock()

	if p.createFunc != nil {
		return p.createFunc(spec)
	}
	return &Node{
		ID:        id,
		Name:      spec.Name,
		PublicIP:  "203.0.113.1",
		PrivateIP: "10.0.0.1",
		Region:    spec.Region,
		Type:      spec.Type,
		ImageID:   spec.ImageID,
		CreatedAt: time.Now(),
	}, nil
}

func (p *mockProvider) Terminate(ctx context.Context, node *Node) error {
	<-p.terminateGate
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, node.ID)
	return nil
}

func (p *mockProvider) ResolveImage(ctx context.Context, region, instanceType, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved++
	return fmt.Sprintf("ami-%s-%d", region, p.resolved), nil
}

func (p *mockProvider) terminatedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.terminated))
	copy(out, p.terminated)
	return out
}

func newTestPool(provider Provider) *Pool {
	return New(provider, Config{
		Logger:             slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
		MaxConcurrentBoots: 8,
		BootTimeout:        time.Second,
		BootRetries:        2,
		ImageCacheTTL:      time.Minute,
	})
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// --- Tests ---

func TestAllocateFullCollection(t *testing.T) {
	provider := newMockProvider()
	p := newTestPool(provider)

	collection, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, collection.Size())
	assert.Equal(t, 0, collection.Shortfall())
	assert.Equal(t, 3, p.Leased())
	for _, node := range collection.Nodes() {
		assert.Equal(t, NodeStatusAvailable, node.Status())
	}
}

func TestAllocatePartialFulfillment(t *testing.T) {
	provider := newMockProvider()
	var calls int
	var mu sync.Mutex
	provider.createFunc = func(spec NodeSpec) (*Node, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		// The first two creates succeed; every later call fails, so one
		// slot exhausts its boot retries and becomes shortfall.
		if n > 2 {
			return nil, errors.New("capacity exhausted")
		}
		return &Node{ID: fmt.Sprintf("i-%d", n), Name: spec.Name, Region: spec.Region}, nil
	}
	p := newTestPool(provider)

	collection, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 3,
	})
	require.NoError(t, err, "partial fulfillment is a first-class outcome, not an error")

	assert.Equal(t, 2, collection.Size())
	assert.Equal(t, 1, collection.Shortfall())
}

func TestAllocateTotalFailure(t *testing.T) {
	provider := newMockProvider()
	provider.createFunc = func(spec NodeSpec) (*Node, error) {
		return nil, errors.New("capacity exhausted")
	}
	p := newTestPool(provider)

	_, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 2,
	})

	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, 2, allocErr.Requested)
	assert.Equal(t, "us-west-2", allocErr.Region)
}

func TestCollectionNeverExceedsRequested(t *testing.T) {
	provider := newMockProvider()
	p := newTestPool(provider)

	collection, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 5,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, collection.Size(), collection.Requested)
}

func TestReleaseBlocksReallocationUntilTerminationConfirmed(t *testing.T) {
	provider := newMockProvider()
	// Always hand out the same provider id to force an id reuse race.
	provider.createFunc = func(spec NodeSpec) (*Node, error) {
		return &Node{ID: "i-reused", Name: spec.Name}, nil
	}
	p := newTestPool(provider)

	first, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 1,
	})
	require.NoError(t, err)

	p.Release(first)

	// Second allocation of the same id must block until the in-flight
	// termination is confirmed.
	done := make(chan *Collection, 1)
	go func() {
		second, err := p.Allocate(context.Background(), AllocateRequest{
			Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 1,
		})
		require.NoError(t, err)
		done <- second
	}()

	select {
	case <-done:
		t.Fatal("allocation of a terminating node id should have blocked")
	case <-time.After(100 * time.Millisecond):
	}

	close(provider.terminateGate)

	select {
	case second := <-done:
		assert.Equal(t, 1, second.Size())
		assert.Equal(t, []string{"i-reused"}, provider.terminatedIDs())
	case <-time.After(2 * time.Second):
		t.Fatal("allocation did not unblock after termination confirmation")
	}
}

func TestReleaseNodeIsIdempotent(t *testing.T) {
	provider := newMockProvider()
	close(provider.terminateGate)
	p := newTestPool(provider)

	collection, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 1,
	})
	require.NoError(t, err)
	node := collection.Nodes()[0]

	p.ReleaseNode(node)
	p.ReleaseNode(node) // no-op

	assert.Eventually(t, func() bool {
		return len(provider.terminatedIDs()) == 1 && p.Leased() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestImageResolutionIsCached(t *testing.T) {
	provider := newMockProvider()
	p := newTestPool(provider)

	for i := 0; i < 3; i++ {
		_, err := p.Allocate(context.Background(), AllocateRequest{
			Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 1,
		})
		require.NoError(t, err)
	}

	provider.mu.Lock()
	resolved := provider.resolved
	provider.mu.Unlock()
	assert.Equal(t, 1, resolved, "image id should be resolved once and cached")
}

func TestStaleImageEntryIsRetried(t *testing.T) {
	provider := newMockProvider()
	var mu sync.Mutex
	attempts := 0
	provider.createFunc = func(spec NodeSpec) (*Node, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		// First boot fails as if the cached image id had gone stale;
		// the retry resolves a fresh id and succeeds.
		if attempts == 1 {
			return nil, errors.New("InvalidAMIID.NotFound")
		}
		return &Node{ID: "i-0001", Name: spec.Name, ImageID: spec.ImageID}, nil
	}
	p := newTestPool(provider)

	collection, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, collection.Size())

	provider.mu.Lock()
	resolved := provider.resolved
	provider.mu.Unlock()
	assert.Equal(t, 2, resolved, "stale cache entry should be refreshed on retry")
}

func TestNodeDelayStaggersLaunches(t *testing.T) {
	provider := newMockProvider()
	var mu sync.Mutex
	var stamps []time.Time
	provider.createFunc = func(spec NodeSpec) (*Node, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return &Node{ID: spec.Name.String(), Name: spec.Name}, nil
	}
	p := newTestPool(provider)

	start := time.Now()
	_, err := p.Allocate(context.Background(), AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 3,
		NodeDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, stamps, 3)
}

func TestAllocateCancelledMidStagger(t *testing.T) {
	provider := newMockProvider()
	p := newTestPool(provider)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	collection, err := p.Allocate(ctx, AllocateRequest{
		Region: "us-west-2", Type: "t1.micro", Image: "coreos-stable", Count: 10,
		NodeDelay: time.Hour,
	})
	assert.ErrorIs(t, err, context.Canceled)
	// Whatever booted before cancellation is still returned so the caller
	// can release it.
	assert.LessOrEqual(t, collection.Size(), 1)
}
