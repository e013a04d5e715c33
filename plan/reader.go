package plan

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const PlanfileVersion = "1"

type ReadOptions struct {
	// Params are exposed to the planfile template as {{ .Params.xxx }}.
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

// planfile mirrors the YAML shape of a plan on disk. Timing fields are
// integer seconds, matching the historical project schema.
type planfile struct {
	Version     string
	Name        string
	Description string
	Steps       []planfileStep
}

type planfileStep struct {
	Name string

	InstanceCount  int    `yaml:"instance_count"`
	InstanceRegion string `yaml:"instance_region"`
	InstanceType   string `yaml:"instance_type"`

	NodeDelay  int `yaml:"node_delay"`
	RunDelay   int `yaml:"run_delay"`
	RunMaxTime int `yaml:"run_max_time"`

	ContainerName         string            `yaml:"container_name"`
	ContainerURL          string            `yaml:"container_url"`
	EnvironmentData       map[string]string `yaml:"environment_data"`
	AdditionalCommandArgs string            `yaml:"additional_command_args"`

	DNSName       string `yaml:"dns_name"`
	PortMapping   string `yaml:"port_mapping"`
	VolumeMapping string `yaml:"volume_mapping"`
	DockerSeries  string `yaml:"docker_series"`
	PruneRunning  *bool  `yaml:"prune_running"`
}

// Read loads, template-evaluates and validates a planfile.
func Read(file string, options ReadOptions) (*Plan, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(string(buf), options)
}

// Parse is Read for an in-memory planfile source, as submitted over the API.
func Parse(source string, options ReadOptions) (*Plan, error) {
	source, err := evaluateTemplate(source, options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var pf planfile
	if err = yaml.Unmarshal([]byte(source), &pf); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
	}

	if pf.Version != PlanfileVersion {
		return nil, UnmarshalError{fmt.Errorf("unsupported version '%s'", pf.Version), source}
	}

	plan := &Plan{
		Name:        pf.Name,
		Description: pf.Description,
		Steps: lo.Map(pf.Steps, func(s planfileStep, _ int) Step {
			return s.toStep()
		}),
	}

	if err = plan.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}
	return plan, nil
}

func (s planfileStep) toStep() Step {
	step := Step{
		Name:           s.Name,
		InstanceCount:  s.InstanceCount,
		InstanceRegion: s.InstanceRegion,
		InstanceType:   s.InstanceType,

		NodeDelay:  time.Duration(s.NodeDelay) * time.Second,
		RunDelay:   time.Duration(s.RunDelay) * time.Second,
		RunMaxTime: time.Duration(s.RunMaxTime) * time.Second,

		ContainerName:         s.ContainerName,
		ContainerURL:          s.ContainerURL,
		EnvironmentData:       s.EnvironmentData,
		AdditionalCommandArgs: s.AdditionalCommandArgs,

		DNSName:       s.DNSName,
		PortMapping:   s.PortMapping,
		VolumeMapping: s.VolumeMapping,
		DockerSeries:  s.DockerSeries,
		PruneRunning:  s.PruneRunning == nil || *s.PruneRunning,
	}

	if step.InstanceCount == 0 {
		step.InstanceCount = DefaultInstanceCount
	}
	if step.InstanceRegion == "" {
		step.InstanceRegion = DefaultInstanceRegion
	}
	if step.InstanceType == "" {
		step.InstanceType = DefaultInstanceType
	}
	if step.RunMaxTime == 0 {
		step.RunMaxTime = DefaultRunMaxTime
	}
	return step
}

type templateData struct {
	Env    map[string]string
	Params map[string]string
}

func evaluateTemplate(source string, options ReadOptions) (string, error) {
	tmpl, err := template.New("planfile").Funcs(sprig.FuncMap()).Funcs(template.FuncMap{
		"env": func(key string) string {
			return os.Getenv(key)
		},
	}).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := templateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Params: options.Params,
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return output.String(), nil
}
