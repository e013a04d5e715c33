package pool

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/loadops/stampede/namegen"
)

// Collection is the set of nodes allocated to one step of a plan. It never
// holds more nodes than were requested; a shortfall is visible as
// Size() < Requested.
type Collection struct {
	Name      namegen.ID
	Requested int
	CreatedAt time.Time

	mu    sync.Mutex
	nodes []*Node
}

func newCollection(requested int) *Collection {
	return &Collection{
		Name:      namegen.Get(),
		Requested: requested,
		CreatedAt: time.Now(),
	}
}

func (c *Collection) add(node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) >= c.Requested {
		panic("collection over-filled")
	}
	c.nodes = append(c.nodes, node)
}

// Nodes returns a snapshot of the current members.
func (c *Collection) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

func (c *Collection) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Shortfall is how many requested nodes the provider failed to deliver.
func (c *Collection) Shortfall() int {
	return c.Requested - c.Size()
}

// Remove detaches a node from the collection, typically because it was
// pruned during a run. The node itself is released through the pool.
func (c *Collection) Remove(node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = lo.Without(c.nodes, node)
}
