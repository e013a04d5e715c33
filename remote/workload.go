package remote

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/loadops/stampede/plan"
	"github.com/loadops/stampede/pool"
)

// Workload drives the load-generating container of a step on a single node:
// image distribution, launch with fully interpolated configuration, liveness
// checks, shutdown, and result collection.
type Workload struct {
	// Workspace is the host directory on nodes where logs and results live.
	Workspace string

	// StopGrace is how long a container gets to exit on its own before being
	// killed. Zero means 10 seconds.
	StopGrace time.Duration
}

func workloadContainerName(step plan.Step) string {
	return "stampede-workload-" + step.Name
}

// EnsureImage makes the step's container image available on the node. A
// step with a container URL side-loads the exported image over SSH, which
// keeps private images off public registries; otherwise the image is pulled
// by reference.
func (w *Workload) EnsureImage(ctx context.Context, node *pool.Node, step plan.Step) error {
	if step.ContainerURL == "" {
		docker, err := Runtime(node)
		if err != nil {
			return err
		}
		return ensureImage(ctx, docker, step.ContainerName)
	}

	shell, err := Shell(node)
	if err != nil {
		return err
	}

	session, err := shell.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	node.Log.Info("Side-loading workload image", "url", step.ContainerURL)
	if err := session.Run(fmt.Sprintf(
		"curl --silent --show-error --fail --location %s | docker load",
		shellescape.Quote(step.ContainerURL),
	)); err != nil {
		return fmt.Errorf("failed to load image from '%s': %w", step.ContainerURL, err)
	}
	return nil
}

// Start launches the workload container. Environment, command arguments and
// volume paths go through token interpolation with the given values first,
// so plans can reference per-node addresses without knowing them upfront.
func (w *Workload) Start(ctx context.Context, node *pool.Node, step plan.Step, vals map[string]string) error {
	docker, err := Runtime(node)
	if err != nil {
		return err
	}

	env := lo.MapToSlice(plan.InterpolateMap(step.EnvironmentData, vals), func(key, value string) string {
		return fmt.Sprintf("%s=%s", key, value)
	})

	var cmd []string
	if args := plan.Interpolate(step.AdditionalCommandArgs, vals); args != "" {
		cmd = strings.Fields(args)
	}

	ports, err := step.PortBindings()
	if err != nil {
		return err
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, binding := range ports {
		port := nat.Port(fmt.Sprintf("%s/%s", binding.ContainerPort, binding.Protocol))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: binding.HostPort})
	}

	volumes, err := step.VolumeBindings()
	if err != nil {
		return err
	}
	mounts := lo.Map(volumes, func(binding plan.VolumeBinding, _ int) mount.Mount {
		return mount.Mount{
			Type:     mount.TypeBind,
			Source:   plan.Interpolate(binding.HostPath, vals),
			Target:   binding.ContainerPath,
			ReadOnly: binding.ReadOnly,
		}
	})
	mounts = append(mounts, mount.Mount{
		Type:   mount.TypeBind,
		Source: w.Workspace,
		Target: "/stampede",
	})

	hostConfig := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
	}
	if dns := Resolver(node); dns != "" {
		hostConfig.DNS = []string{dns}
	}

	resp, err := docker.ContainerCreate(
		ctx,
		&container.Config{
			Image:        step.ContainerName,
			Cmd:          cmd,
			Env:          env,
			ExposedPorts: exposed,
		},
		hostConfig,
		nil,
		nil,
		workloadContainerName(step),
	)
	if err != nil {
		return fmt.Errorf("failed to create workload container: %w", err)
	}

	if err := docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start workload container: %w", err)
	}

	node.Log.Info("Workload started", "container", workloadContainerName(step))
	return nil
}

// Running reports whether the step's workload container is still up on the
// node. A missing container reads as not running rather than an error, since
// a finished workload removes itself from the daemon's running set.
func (w *Workload) Running(ctx context.Context, node *pool.Node, step plan.Step) (bool, error) {
	docker, err := Runtime(node)
	if err != nil {
		return false, err
	}

	list, err := docker.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return false, err
	}

	name := "/" + workloadContainerName(step)
	for _, c := range list {
		if lo.Contains(c.Names, name) {
			return true, nil
		}
	}
	return false, nil
}

// Stop shuts the workload down, giving it the grace period to exit cleanly
// before killing it, then removes the container.
func (w *Workload) Stop(ctx context.Context, node *pool.Node, step plan.Step) error {
	docker, err := Runtime(node)
	if err != nil {
		return err
	}

	grace := w.StopGrace
	if grace == 0 {
		grace = 10 * time.Second
	}
	graceSeconds := int(grace.Seconds())

	name := workloadContainerName(step)
	if err := docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		node.Log.Warn("Graceful stop failed, killing workload", "error", err)
		if err := docker.ContainerKill(ctx, name, "SIGKILL"); err != nil {
			return fmt.Errorf("failed to kill workload container: %w", err)
		}
	}

	return docker.ContainerRemove(ctx, name, container.RemoveOptions{RemoveVolumes: true, Force: true})
}

// CaptureLogs writes the workload container's full log into the node
// workspace, where result collection picks it up.
func (w *Workload) CaptureLogs(node *pool.Node, step plan.Step) error {
	shell, err := Shell(node)
	if err != nil {
		return err
	}

	session, err := shell.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	logPath := path.Join(w.Workspace, fmt.Sprintf("%s.log", step.Name))
	return session.Run(fmt.Sprintf(
		"docker logs --timestamps %s > %s 2>&1",
		shellescape.Quote(workloadContainerName(step)),
		shellescape.Quote(logPath),
	))
}

// FetchResults streams a tar archive of the node workspace. The node
// compresses with zstd on the way out and the stream is transparently
// decompressed here, so callers read plain tar.
func (w *Workload) FetchResults(node *pool.Node) (io.ReadCloser, error) {
	shell, err := Shell(node)
	if err != nil {
		return nil, err
	}

	session, err := shell.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	out, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Start(fmt.Sprintf(
		"tar --create --use-compress-program=zstd --file - --directory %s .",
		shellescape.Quote(w.Workspace),
	)); err != nil {
		session.Close()
		return nil, err
	}

	decoder, err := zstd.NewReader(out)
	if err != nil {
		session.Close()
		return nil, err
	}

	return &resultStream{decoder: decoder, session: session}, nil
}

// SaveResults pulls the node workspace and unpacks it under dir, one
// directory per node. Called before the node is released; afterwards the
// workspace is gone with the instance.
func (w *Workload) SaveResults(node *pool.Node, step plan.Step, dir string) error {
	stream, err := w.FetchResults(node)
	if err != nil {
		return err
	}
	defer stream.Close()

	root := filepath.Join(dir, string(node.Name))
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	archive := tar.NewReader(stream)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read results archive: %w", err)
		}

		name := filepath.Clean(header.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		target := filepath.Join(root, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			fd, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fd, archive); err != nil {
				fd.Close()
				return fmt.Errorf("failed to write result file '%s': %w", name, err)
			}
			if err := fd.Close(); err != nil {
				return err
			}
		}
	}
}

type resultStream struct {
	decoder *zstd.Decoder
	session *ssh.Session
}

func (s *resultStream) Read(p []byte) (int, error) {
	return s.decoder.Read(p)
}

func (s *resultStream) Close() error {
	s.decoder.Close()
	return s.session.Close()
}
