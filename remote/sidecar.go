package remote

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/pool"
	"github.com/loadops/stampede/retry"
)

// SidecarDriver runs the metrics forwarder container on each node. It binds
// statsd on the host network so workload containers can reach it at the
// node's own address, and ships aggregated series tagged with the run and
// series name.
type SidecarDriver struct {
	Image  string
	Series string
	RunID  string

	// StatsdPort is where workloads send their metrics. Zero means 8125.
	StatsdPort int
}

const sidecarContainerName = "stampede-sidecar"

func (d *SidecarDriver) Start(ctx context.Context, node *pool.Node) error {
	docker, err := Runtime(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	if err := ensureImage(ctx, docker, d.Image); err != nil {
		return fmt.Errorf("failed to ensure sidecar image '%s': %w", d.Image, err)
	}

	port := d.StatsdPort
	if port == 0 {
		port = 8125
	}

	resp, err := retry.DoResult(ctx, retry.Probe, func() (container.CreateResponse, error) {
		return docker.ContainerCreate(
			ctx,
			&container.Config{
				Image: d.Image,
				Env: []string{
					fmt.Sprintf("STAMPEDE_RUN_ID=%s", d.RunID),
					fmt.Sprintf("STAMPEDE_SERIES=%s", d.Series),
					fmt.Sprintf("STAMPEDE_NODE=%s", node.Name),
					fmt.Sprintf("STATSD_PORT=%d", port),
				},
			},
			&container.HostConfig{
				NetworkMode: "host",
			},
			nil,
			nil,
			sidecarContainerName,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to create sidecar container: %w", err)
	}

	if err := docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sidecar container: %w", err)
	}

	node.Attach(attachSidecar, resp.ID)
	return nil
}

func (d *SidecarDriver) Probe(ctx context.Context, node *pool.Node) error {
	docker, err := Runtime(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	id, ok := node.Attachment(attachSidecar)
	if !ok {
		return pipeline.Permanent(fmt.Errorf("node '%s' has no sidecar attachment", node.Name))
	}
	return containerRunning(ctx, docker, id.(string))
}

func ensureImage(ctx context.Context, docker DockerAPI, ref string) error {
	list, err := docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		return nil
	}

	reader, err := retry.DoResult(ctx, retry.Provider, func() (io.ReadCloser, error) {
		return docker.ImagePull(ctx, ref, image.PullOptions{})
	})
	if err != nil {
		return fmt.Errorf("failed to pull docker image: %w", err)
	}
	_, _ = io.Copy(io.Discard, reader)
	return reader.Close()
}

func containerRunning(ctx context.Context, docker DockerAPI, id string) error {
	inspect, err := docker.ContainerInspect(ctx, id)
	if err != nil {
		return err
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container '%s' is not running", id)
	}
	return nil
}
