// Package static is the provisioner for rigs without a cloud behind them: a
// fixed set of machines, already booted and reachable over SSH, handed out
// and taken back like leased instances. Meant for development and small
// on-premise setups.
package static

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loadops/stampede/pool"
)

type address struct {
	public  string
	private string
}

type Provisioner struct {
	config Config

	mu     sync.Mutex
	free   []address
	leased map[string]address
}

// Provisioner implements pool.Provider
var _ pool.Provider = (*Provisioner)(nil)

func New(config Config) (*Provisioner, error) {
	if len(config.Addresses) == 0 {
		return nil, fmt.Errorf("no machine addresses configured")
	}

	free := make([]address, 0, len(config.Addresses))
	for _, raw := range config.Addresses {
		public, private, _ := strings.Cut(raw, "/")
		if public == "" {
			return nil, fmt.Errorf("invalid machine address '%s'", raw)
		}
		if private == "" {
			private = public
		}
		free = append(free, address{public: public, private: private})
	}

	return &Provisioner{
		config: config,
		free:   free,
		leased: make(map[string]address),
	}, nil
}

// Create hands out the next free machine. Region and instance type are
// accepted but meaningless here, so any plan runs unchanged against a
// static rig.
func (p *Provisioner) Create(ctx context.Context, spec pool.NodeSpec) (*pool.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, fmt.Errorf("all %d machines are in use", len(p.leased))
	}

	addr := p.free[0]
	p.free = p.free[1:]
	p.leased[addr.public] = addr

	p.config.Logger.Info("Machine leased", "node", spec.Name, "address", addr.public)

	node := &pool.Node{
		ID:        addr.public,
		Name:      spec.Name,
		PublicIP:  addr.public,
		PrivateIP: addr.private,
		Region:    spec.Region,
		Type:      spec.Type,
		ImageID:   spec.ImageID,
		CreatedAt: time.Now(),
	}
	node.SetStatus(pool.NodeStatusBooting)
	return node, nil
}

// Terminate returns the machine to the free list instead of destroying
// anything. Whatever the workload left behind stays on the machine.
func (p *Provisioner) Terminate(ctx context.Context, node *pool.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, ok := p.leased[node.ID]
	if !ok {
		return fmt.Errorf("unknown machine '%s'", node.ID)
	}
	delete(p.leased, node.ID)
	p.free = append(p.free, addr)

	p.config.Logger.Info("Machine returned", "node", node.Name, "address", addr.public)
	return nil
}

// ResolveImage is a passthrough: static machines run whatever they already
// run.
func (p *Provisioner) ResolveImage(ctx context.Context, region, instanceType, name string) (string, error) {
	return name, nil
}
