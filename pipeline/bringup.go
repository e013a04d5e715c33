package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/loadops/stampede/pool"
)

// BringUp runs one pipeline per collection node, task-per-node under a
// bounded worker limit. It is the only cross-node synchronization point of a
// step: AwaitReady acts as the barrier between bring-up and workload launch.
type BringUp struct {
	collection *pool.Collection
	cancel     context.CancelFunc

	mu        sync.Mutex
	pipelines map[*pool.Node]*Pipeline
	done      chan struct{}
}

// Start launches the bring-up of every node currently in the collection.
// Nodes advance concurrently and independently; failures stay node-local.
func Start(ctx context.Context, collection *pool.Collection, drivers map[Kind]Driver, config Config) *BringUp {
	ctx, cancel := context.WithCancel(ctx)

	b := &BringUp{
		collection: collection,
		cancel:     cancel,
		pipelines:  make(map[*pool.Node]*Pipeline),
		done:       make(chan struct{}),
	}

	nodes := collection.Nodes()
	for _, node := range nodes {
		b.pipelines[node] = New(node, drivers, config)
	}

	workers := config.Workers
	if workers < 1 || workers > len(nodes) {
		workers = len(nodes)
	}
	tasks := make(chan *pool.Node)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for node := range tasks {
				node.SetStatus(pool.NodeStatusInUse)
				if err := b.pipelines[node].Run(ctx); err != nil && ctx.Err() == nil {
					config.Logger.Warn("Node bring-up failed", "node", node.Name, "error", err)
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, node := range nodes {
			select {
			case tasks <- node:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(b.done)
	}()

	return b
}

// Counts reports the observable pipeline totals. At every instant
// ready+failed+pending equals the number of collection members, which never
// exceeds the requested size.
func (b *BringUp) Counts() (ready, failed, pending int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pipelines {
		switch {
		case p.Ready():
			ready++
		case p.Failed():
			failed++
		default:
			pending++
		}
	}
	return
}

// ReadyNodes returns the nodes whose every capability is ready.
func (b *BringUp) ReadyNodes() []*pool.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	var nodes []*pool.Node
	for node, p := range b.pipelines {
		if p.Ready() {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Pipeline returns the pipeline of a collection member.
func (b *BringUp) Pipeline(node *pool.Node) *Pipeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pipelines[node]
}

// AwaitReady blocks until every pipeline settled or the deadline fired,
// whichever comes first; at the deadline still-pending pipelines are
// cancelled and count as failed. It returns the ready nodes — deciding
// whether the ready fraction is acceptable is the coordinator's call.
func (b *BringUp) AwaitReady(ctx context.Context, deadline time.Duration) ([]*pool.Node, error) {
	select {
	case <-b.done:
	case <-time.After(deadline):
		b.cancel()
		<-b.done
	case <-ctx.Done():
		b.cancel()
		<-b.done
		return nil, ctx.Err()
	}
	return b.ReadyNodes(), nil
}

// Cancel aborts any in-flight bring-up.
func (b *BringUp) Cancel() {
	b.cancel()
}
