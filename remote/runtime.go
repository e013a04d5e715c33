package remote

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/docker/client"

	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/pool"
)

// RuntimeDriver connects a Docker client to the node's daemon by tunneling
// the API socket through the node's SSH connection, so the daemon never has
// to listen on the network.
type RuntimeDriver struct {
	// Host is the daemon address as seen from the node itself, typically
	// "unix:///var/run/docker.sock".
	Host string
}

func (d *RuntimeDriver) Start(ctx context.Context, node *pool.Node) error {
	shell, err := Shell(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	docker, err := client.NewClientWithOpts(
		client.WithHost(d.Host),
		client.WithDialContext(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return shell.Dial(network, addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize docker client: %w", err)
	}

	node.Attach(attachRuntime, docker)
	return nil
}

func (d *RuntimeDriver) Probe(ctx context.Context, node *pool.Node) error {
	docker, err := Runtime(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	_, err = docker.Ping(ctx)
	return err
}
