// Package remote brings leased nodes up to operational readiness and drives
// workload containers on them. Each capability has a driver pairing a
// one-shot Start with a repeatable Probe; everything a driver establishes
// (SSH client, Docker client, sidecar container ids) is attached to the node
// handle for downstream capabilities and workload control to pick up.
package remote

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/crypto/ssh"

	"github.com/loadops/stampede/pool"
)

// Node attachment keys. Drivers write them, later capabilities and the
// workload controller read them.
const (
	attachShell    = "remote.shell"
	attachRuntime  = "remote.runtime"
	attachSidecar  = "remote.sidecar"
	attachResolver = "remote.resolver"
)

// DockerAPI is the slice of the Docker SDK used on nodes, abstracted for
// mock-based testing without a daemon.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID string, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Shell returns the SSH client a ShellDriver attached to the node.
func Shell(node *pool.Node) (*ssh.Client, error) {
	value, ok := node.Attachment(attachShell)
	if !ok {
		return nil, fmt.Errorf("node '%s' has no shell attachment", node.Name)
	}
	return value.(*ssh.Client), nil
}

// Runtime returns the Docker client a RuntimeDriver attached to the node.
func Runtime(node *pool.Node) (DockerAPI, error) {
	value, ok := node.Attachment(attachRuntime)
	if !ok {
		return nil, fmt.Errorf("node '%s' has no runtime attachment", node.Name)
	}
	return value.(DockerAPI), nil
}

// Resolver returns the DNS server address a ResolverDriver attached to the
// node, or "" when the node runs without one.
func Resolver(node *pool.Node) string {
	value, ok := node.Attachment(attachResolver)
	if !ok {
		return ""
	}
	return value.(string)
}
