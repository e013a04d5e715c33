package main

import (
	"golang.org/x/crypto/ssh"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/plan"
	"github.com/loadops/stampede/remote"
)

// driverFactory builds the capability drivers nodes are brought up with.
// Connectivity, shell and runtime are always present; the sidecar and
// resolver only when the step asks for metrics or DNS.
type driverFactory struct {
	sshUser       string
	signer        ssh.Signer
	dockerHost    string
	sidecarImage  string
	resolverImage string
	statsdPort    int
}

func (f *driverFactory) Drivers(runID namegen.ID, step plan.Step, records map[string][]string) map[pipeline.Kind]pipeline.Driver {
	drivers := map[pipeline.Kind]pipeline.Driver{
		pipeline.KindConnectivity: &remote.ConnectivityDriver{},
		pipeline.KindShell:        &remote.ShellDriver{User: f.sshUser, Signer: f.signer},
		pipeline.KindRuntime:      &remote.RuntimeDriver{Host: f.dockerHost},
	}
	if step.DockerSeries != "" {
		drivers[pipeline.KindSidecar] = &remote.SidecarDriver{
			Image:      f.sidecarImage,
			Series:     step.DockerSeries,
			RunID:      runID.String(),
			StatsdPort: f.statsdPort,
		}
	}
	if len(records) > 0 {
		drivers[pipeline.KindResolver] = &remote.ResolverDriver{
			Image:   f.resolverImage,
			Records: records,
		}
	}
	return drivers
}
