package plan

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Plan is a named sequence of load-test steps. Plans are consumed read-only;
// the broker never mutates them.
type Plan struct {
	Name        string
	Description string
	Steps       []Step
}

// Step describes one schedulable unit of a plan: which container to run,
// on how many instances, where, and with what timing contract.
type Step struct {
	Name string

	InstanceCount  int
	InstanceRegion string
	InstanceType   string

	// NodeDelay is the pause between individual node launches, throttling
	// provider API pressure and simulating gradual ramp-up.
	NodeDelay time.Duration
	// RunDelay is how long to wait after collection readiness before the
	// workload is started.
	RunDelay time.Duration
	// RunMaxTime is the hard stop for the workload, measured from launch.
	RunMaxTime time.Duration

	ContainerName         string
	ContainerURL          string
	EnvironmentData       map[string]string
	AdditionalCommandArgs string

	DNSName       string
	PortMapping   string
	VolumeMapping string
	DockerSeries  string
	PruneRunning  bool
}

// Schema defaults, matching the historical project schema.
const (
	DefaultInstanceCount  = 1
	DefaultInstanceRegion = "us-west-2"
	DefaultInstanceType   = "t1.micro"
	DefaultRunMaxTime     = 600 * time.Second
)

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]+$`)
var envKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func (p *Plan) Validate() error {
	if !nameRegex.MatchString(p.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}
	if len(p.Steps) < 1 {
		return fmt.Errorf("plan must have at least one step")
	}

	for i := range p.Steps {
		if err := p.Steps[i].validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if !nameRegex.MatchString(s.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}
	if s.InstanceCount < 1 {
		return fmt.Errorf("instance_count must be at least 1")
	}
	if s.ContainerName == "" {
		return fmt.Errorf("container_name is required")
	}
	if s.NodeDelay < 0 || s.RunDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if s.RunMaxTime <= 0 {
		return fmt.Errorf("run_max_time must be positive")
	}
	for key := range s.EnvironmentData {
		if !envKeyRegex.MatchString(key) {
			return fmt.Errorf("environment_data[%s] must be a valid environment variable identifier", key)
		}
	}
	if _, err := s.PortBindings(); err != nil {
		return err
	}
	if _, err := s.VolumeBindings(); err != nil {
		return err
	}
	return nil
}

// PortBinding maps a host port to a container port, optionally on UDP.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string
}

// PortBindings parses the step's port_mapping string, a comma-separated list
// of "host:container[/udp]" pairs.
func (s *Step) PortBindings() ([]PortBinding, error) {
	if s.PortMapping == "" {
		return nil, nil
	}

	var bindings []PortBinding
	for _, pair := range strings.Split(s.PortMapping, ",") {
		host, rest, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || host == "" || rest == "" {
			return nil, fmt.Errorf("port_mapping entry '%s' is not host:container", pair)
		}
		container, proto, _ := strings.Cut(rest, "/")
		if proto == "" {
			proto = "tcp"
		}
		bindings = append(bindings, PortBinding{HostPort: host, ContainerPort: container, Protocol: proto})
	}
	return bindings, nil
}

// VolumeBinding maps a host path into the container.
type VolumeBinding struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// VolumeBindings parses the step's volume_mapping string, a comma-separated
// list of "hostpath:containerpath[:ro]" triples. Paths are interpolated per
// node before use, so no existence check happens here.
func (s *Step) VolumeBindings() ([]VolumeBinding, error) {
	if s.VolumeMapping == "" {
		return nil, nil
	}

	var bindings []VolumeBinding
	for _, triple := range strings.Split(s.VolumeMapping, ",") {
		parts := strings.Split(strings.TrimSpace(triple), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("volume_mapping entry '%s' is not hostpath:containerpath", triple)
		}
		bindings = append(bindings, VolumeBinding{
			HostPath:      parts[0],
			ContainerPath: parts[1],
			ReadOnly:      len(parts) > 2 && parts[2] == "ro",
		})
	}
	return bindings, nil
}
