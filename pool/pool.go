package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/retry"
)

// NodeSpec describes one node to create.
type NodeSpec struct {
	Name    namegen.ID
	Region  string
	Type    string
	ImageID string
}

// Provider is the cloud compute backend. Create returns once the instance
// has booted and has addresses, or fails; the pool owns timeouts and retries
// around it.
type Provider interface {
	Create(ctx context.Context, spec NodeSpec) (*Node, error)
	Terminate(ctx context.Context, node *Node) error
	ResolveImage(ctx context.Context, region, instanceType, name string) (string, error)
}

// AllocationError reports that the provider could not produce any node for
// an allocation request. Partial fulfillment is not an error.
type AllocationError struct {
	Region    string
	Type      string
	Requested int
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate any of %d %s nodes in %s: %v", e.Requested, e.Type, e.Region, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

type Config struct {
	Logger *slog.Logger `json:"-"`
	// MaxConcurrentBoots bounds in-flight provider create calls across all
	// allocations, to avoid overwhelming the provider API.
	MaxConcurrentBoots int           `json:"max-concurrent-boots"`
	BootTimeout        time.Duration `json:"boot-timeout"`
	BootRetries        int           `json:"boot-retries"`
	ImageCacheTTL      time.Duration `json:"image-cache-ttl"`
}

func Validate(config Config) error {
	if config.MaxConcurrentBoots < 1 {
		return fmt.Errorf("max concurrent boots must be at least 1")
	}
	if config.BootTimeout <= 0 {
		return fmt.Errorf("boot timeout must be positive")
	}
	if config.BootRetries < 1 {
		return fmt.Errorf("boot retries must be at least 1")
	}
	return nil
}

// Pool is the process-wide registry of leased nodes. It is the only state
// shared across concurrent run coordinators, so all bookkeeping is guarded
// by a single mutex.
type Pool struct {
	provider Provider
	config   Config
	log      *slog.Logger

	boots chan struct{}

	mu          sync.Mutex
	leased      map[string]*Node
	terminating map[string]chan struct{}
	images      map[imageKey]imageEntry
}

type imageKey struct {
	region       string
	instanceType string
	name         string
}

type imageEntry struct {
	id         string
	resolvedAt time.Time
}

func New(provider Provider, config Config) *Pool {
	return &Pool{
		provider: provider,
		config:   config,
		log:      config.Logger,

		boots: make(chan struct{}, config.MaxConcurrentBoots),

		leased:      make(map[string]*Node),
		terminating: make(map[string]chan struct{}),
		images:      make(map[imageKey]imageEntry),
	}
}

// AllocateRequest asks for Count fresh nodes. NodeDelay staggers individual
// node launches to throttle provider API pressure and simulate gradual
// ramp-up.
type AllocateRequest struct {
	Region    string
	Type      string
	Image     string
	Count     int
	NodeDelay time.Duration
}

// Allocate requests fresh nodes and returns a Collection with every node
// that booted. Nodes that fail to boot within the retry bound are reported
// as shortfall: the Collection comes back smaller than requested rather than
// the call failing. Only a complete failure produces an AllocationError.
func (p *Pool) Allocate(ctx context.Context, req AllocateRequest) (*Collection, error) {
	collection := newCollection(req.Count)
	log := p.log.With("collection", collection.Name, "region", req.Region, "type", req.Type)
	log.Info("Allocating nodes", "count", req.Count)

	var wg sync.WaitGroup
	errs := make(chan error, req.Count)

	for i := 0; i < req.Count; i++ {
		if i > 0 && req.NodeDelay > 0 {
			select {
			case <-time.After(req.NodeDelay):
			case <-ctx.Done():
				wg.Wait()
				return collection, ctx.Err()
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			node, err := p.bootNode(ctx, req)
			if err != nil {
				log.Warn("Node failed to boot, reporting shortfall", "error", err)
				errs <- err
				return
			}
			collection.add(node)
			log.Debug("Node available", "node", node.Name, "id", node.ID)
		}()
	}

	wg.Wait()
	close(errs)

	if err := ctx.Err(); err != nil {
		return collection, err
	}

	if collection.Size() == 0 {
		return nil, &AllocationError{Region: req.Region, Type: req.Type, Requested: req.Count, Err: <-errs}
	}

	log.Info("Allocation complete", "ready", collection.Size(), "shortfall", collection.Shortfall())
	return collection, nil
}

// bootNode creates one node, retrying failed boots up to the configured
// bound. Each failed attempt invalidates the image cache entry first, so a
// stale image id is retryable rather than fatal.
func (p *Pool) bootNode(ctx context.Context, req AllocateRequest) (*Node, error) {
	select {
	case p.boots <- struct{}{}:
		defer func() { <-p.boots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	policy := retry.Policy{MaxAttempts: p.config.BootRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
	attempt := 0
	return retry.DoResult(ctx, policy, func() (*Node, error) {
		if attempt++; attempt > 1 {
			p.invalidateImage(req.Region, req.Type, req.Image)
		}

		imageID, err := p.resolveImage(ctx, req.Region, req.Type, req.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve image '%s': %w", req.Image, err)
		}

		bootCtx, cancel := context.WithTimeout(ctx, p.config.BootTimeout)
		defer cancel()

		spec := NodeSpec{Name: namegen.Get(), Region: req.Region, Type: req.Type, ImageID: imageID}
		node, err := p.provider.Create(bootCtx, spec)
		if err != nil {
			return nil, err
		}

		if err := p.lease(ctx, node); err != nil {
			go p.terminate(node)
			return nil, err
		}

		node.Log = p.log.With("node", node.Name)
		node.SetStatus(NodeStatusAvailable)
		return node, nil
	})
}

// lease registers a freshly created node id. If the provider handed back an
// id still parked for termination, the lease waits for confirmation first,
// preventing id reuse races.
func (p *Pool) lease(ctx context.Context, node *Node) error {
	for {
		p.mu.Lock()
		pending, terminating := p.terminating[node.ID]
		if !terminating {
			if _, taken := p.leased[node.ID]; taken {
				p.mu.Unlock()
				return fmt.Errorf("node id '%s' is already leased", node.ID)
			}
			p.leased[node.ID] = node
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		p.log.Debug("Node id is pending termination, waiting before lease", "id", node.ID)
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release terminates all member nodes. Termination is fire-and-forget: the
// call returns immediately while confirmation happens in the background, but
// each node id stays blocked from re-allocation until confirmed.
func (p *Pool) Release(collection *Collection) {
	for _, node := range collection.Nodes() {
		p.ReleaseNode(node)
	}
}

// ReleaseNode terminates a single node, as used when pruning mid-run.
func (p *Pool) ReleaseNode(node *Node) {
	p.mu.Lock()
	if _, ok := p.leased[node.ID]; !ok {
		p.mu.Unlock()
		return // already released
	}
	delete(p.leased, node.ID)
	p.terminating[node.ID] = make(chan struct{})
	p.mu.Unlock()

	go p.terminate(node)
}

func (p *Pool) terminate(node *Node) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	if err := policy.Do(context.Background(), func() error {
		return p.provider.Terminate(context.Background(), node)
	}); err != nil {
		// A leaked node is left for the out-of-band reconciliation sweep.
		p.log.Error("Failed to terminate node", "node", node.Name, "id", node.ID, "error", err)
	}
	node.SetStatus(NodeStatusTerminated)

	p.mu.Lock()
	if pending, ok := p.terminating[node.ID]; ok {
		close(pending)
		delete(p.terminating, node.ID)
	}
	p.mu.Unlock()
}

// Leased reports how many nodes the pool currently considers leased.
func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

func (p *Pool) resolveImage(ctx context.Context, region, instanceType, name string) (string, error) {
	key := imageKey{region: region, instanceType: instanceType, name: name}

	p.mu.Lock()
	entry, ok := p.images[key]
	p.mu.Unlock()
	if ok && (p.config.ImageCacheTTL <= 0 || time.Since(entry.resolvedAt) < p.config.ImageCacheTTL) {
		return entry.id, nil
	}

	id, err := retry.DoResult(ctx, retry.Provider, func() (string, error) {
		return p.provider.ResolveImage(ctx, region, instanceType, name)
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.images[key] = imageEntry{id: id, resolvedAt: time.Now()}
	p.mu.Unlock()
	return id, nil
}

func (p *Pool) invalidateImage(region, instanceType, name string) {
	p.mu.Lock()
	delete(p.images, imageKey{region: region, instanceType: instanceType, name: name})
	p.mu.Unlock()
}
