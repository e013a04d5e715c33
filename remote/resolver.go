package remote

import (
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/samber/lo"

	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/pool"
	"github.com/loadops/stampede/retry"
)

// ResolverDriver runs a dnsmasq container that answers the logical names
// declared by the active steps with the private addresses of their
// collections. It runs on the host network and the node's own private IP is
// recorded as the DNS server for workload containers.
type ResolverDriver struct {
	Image string

	// Records maps a logical name to the addresses answering for it. A name
	// with several addresses round-robins across them.
	Records map[string][]string
}

const resolverContainerName = "stampede-resolver"

func (d *ResolverDriver) Start(ctx context.Context, node *pool.Node) error {
	docker, err := Runtime(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	if err := ensureImage(ctx, docker, d.Image); err != nil {
		return fmt.Errorf("failed to ensure resolver image '%s': %w", d.Image, err)
	}

	resp, err := retry.DoResult(ctx, retry.Probe, func() (container.CreateResponse, error) {
		return docker.ContainerCreate(
			ctx,
			&container.Config{
				Image: d.Image,
				Cmd:   append([]string{"--no-daemon", "--log-facility=-"}, d.hostRecords()...),
			},
			&container.HostConfig{
				NetworkMode: "host",
				CapAdd:      []string{"NET_ADMIN"},
			},
			nil,
			nil,
			resolverContainerName,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to create resolver container: %w", err)
	}

	if err := docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start resolver container: %w", err)
	}

	node.Attach("remote.resolver.container", resp.ID)
	node.Attach(attachResolver, node.PrivateIP)
	return nil
}

func (d *ResolverDriver) Probe(ctx context.Context, node *pool.Node) error {
	docker, err := Runtime(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	id, ok := node.Attachment("remote.resolver.container")
	if !ok {
		return pipeline.Permanent(fmt.Errorf("node '%s' has no resolver attachment", node.Name))
	}
	return containerRunning(ctx, docker, id.(string))
}

// hostRecords flattens the record map into dnsmasq --host-record arguments,
// sorted for a stable container command line.
func (d *ResolverDriver) hostRecords() []string {
	names := lo.Keys(d.Records)
	sort.Strings(names)

	var args []string
	for _, name := range names {
		for _, address := range d.Records[name] {
			args = append(args, fmt.Sprintf("--host-record=%s,%s", name, address))
		}
	}
	return args
}
