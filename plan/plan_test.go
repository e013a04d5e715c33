package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPlanfile = `
version: "1"
name: smoke
steps:
  - name: testers
    container_name: loadops/tester:latest
`

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse(minimalPlanfile, ReadOptions{})
	require.NoError(t, err)

	require.Len(t, p.Steps, 1)
	step := p.Steps[0]
	assert.Equal(t, 1, step.InstanceCount)
	assert.Equal(t, "us-west-2", step.InstanceRegion)
	assert.Equal(t, "t1.micro", step.InstanceType)
	assert.Equal(t, time.Duration(0), step.NodeDelay)
	assert.Equal(t, time.Duration(0), step.RunDelay)
	assert.Equal(t, 600*time.Second, step.RunMaxTime)
	assert.True(t, step.PruneRunning)
}

func TestParseFullStep(t *testing.T) {
	p, err := Parse(`
version: "1"
name: push-load
description: push notification soak
steps:
  - name: testers
    instance_count: 5
    instance_region: eu-west-1
    instance_type: r3.large
    node_delay: 5
    run_delay: 30
    run_max_time: 1200
    container_name: loadops/push-tester:dev
    container_url: https://example.com/push-tester.tar.bz2
    environment_data:
      TARGET_URL: https://push.example.com
      STATSD_ADDR: $STATSD_HOST:$STATSD_PORT
    additional_command_args: "--target $TARGET_URL"
    dns_name: push.services.test
    port_mapping: "8000:8000,8125:8125/udp"
    volume_mapping: "/var/run:/host/run:ro"
    docker_series: push_testers
    prune_running: false
`, ReadOptions{})
	require.NoError(t, err)

	step := p.Steps[0]
	assert.Equal(t, 5, step.InstanceCount)
	assert.Equal(t, "eu-west-1", step.InstanceRegion)
	assert.Equal(t, 5*time.Second, step.NodeDelay)
	assert.Equal(t, 30*time.Second, step.RunDelay)
	assert.Equal(t, 1200*time.Second, step.RunMaxTime)
	assert.False(t, step.PruneRunning)

	ports, err := step.PortBindings()
	require.NoError(t, err)
	assert.Equal(t, []PortBinding{
		{HostPort: "8000", ContainerPort: "8000", Protocol: "tcp"},
		{HostPort: "8125", ContainerPort: "8125", Protocol: "udp"},
	}, ports)

	volumes, err := step.VolumeBindings()
	require.NoError(t, err)
	assert.Equal(t, []VolumeBinding{
		{HostPath: "/var/run", ContainerPath: "/host/run", ReadOnly: true},
	}, volumes)
}

func TestParseRejectsBadPlanfiles(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"wrong version", `{version: "2", name: smoke, steps: [{name: s1, container_name: x}]}`},
		{"no steps", `{version: "1", name: smoke, steps: []}`},
		{"bad name", `{version: "1", name: "NOT VALID", steps: [{name: s1, container_name: x}]}`},
		{"missing container", `{version: "1", name: smoke, steps: [{name: s1}]}`},
		{"bad port mapping", `{version: "1", name: smoke, steps: [{name: s1, container_name: x, port_mapping: "8000"}]}`},
		{"bad volume mapping", `{version: "1", name: smoke, steps: [{name: s1, container_name: x, volume_mapping: "/var/run"}]}`},
		{"bad env key", `{version: "1", name: smoke, steps: [{name: s1, container_name: x, environment_data: {"not a key": v}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.source, ReadOptions{})
			assert.Error(t, err)
		})
	}
}

func TestParseEvaluatesTemplates(t *testing.T) {
	p, err := Parse(`
version: "1"
name: smoke
steps:
  - name: testers
    container_name: {{ .Params.image | quote }}
    instance_count: {{ add 1 2 }}
`, ReadOptions{Params: map[string]string{"image": "loadops/tester:latest"}})
	require.NoError(t, err)

	assert.Equal(t, "loadops/tester:latest", p.Steps[0].ContainerName)
	assert.Equal(t, 3, p.Steps[0].InstanceCount)
}

func TestInterpolate(t *testing.T) {
	vals := map[string]string{
		TokenHostIP:     "203.0.113.7",
		TokenPrivateIP:  "10.0.0.7",
		TokenStatsdHost: "10.0.0.7",
		TokenStatsdPort: "8125",
		TokenRunID:      "run-42",
	}

	assert.Equal(t,
		"--target 203.0.113.7 --statsd 10.0.0.7:8125 --run run-42",
		Interpolate("--target $HOST_IP --statsd $STATSD_HOST:$STATSD_PORT --run $RUN_ID", vals))

	// Unresolved tokens are left as-is, not an error.
	assert.Equal(t, "$FUTURE_TOKEN stays", Interpolate("$FUTURE_TOKEN stays", vals))
}

func TestInterpolateIdempotentWithoutTokens(t *testing.T) {
	vals := map[string]string{TokenHostIP: "203.0.113.7"}

	in := "no tokens here, not even close"
	once := Interpolate(in, vals)
	assert.Equal(t, in, once)
	assert.Equal(t, once, Interpolate(once, vals))
}

func TestInterpolateMap(t *testing.T) {
	vals := map[string]string{TokenPrivateIP: "10.0.0.7"}

	out := InterpolateMap(map[string]string{"ADDR": "$PRIVATE_IP:9000"}, vals)
	assert.Equal(t, map[string]string{"ADDR": "10.0.0.7:9000"}, out)
}
