package static

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadops/stampede/pool"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testProvisioner(t *testing.T, addresses ...string) *Provisioner {
	t.Helper()
	p, err := New(Config{
		Logger:    nopLogger(),
		Addresses: addresses,
	})
	require.NoError(t, err)
	return p
}

func TestCreateHandsOutDistinctMachines(t *testing.T) {
	p := testProvisioner(t, "198.51.100.1/10.0.0.1", "198.51.100.2")

	first, err := p.Create(context.Background(), pool.NodeSpec{Name: "one"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", first.PublicIP)
	assert.Equal(t, "10.0.0.1", first.PrivateIP)

	second, err := p.Create(context.Background(), pool.NodeSpec{Name: "two"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.2", second.PublicIP)
	// No private address configured, the public one answers for both
	assert.Equal(t, "198.51.100.2", second.PrivateIP)

	_, err = p.Create(context.Background(), pool.NodeSpec{Name: "three"})
	assert.ErrorContains(t, err, "in use")
}

func TestTerminateReturnsMachineToTheFreeList(t *testing.T) {
	p := testProvisioner(t, "198.51.100.1")

	node, err := p.Create(context.Background(), pool.NodeSpec{Name: "one"})
	require.NoError(t, err)
	require.NoError(t, p.Terminate(context.Background(), node))

	again, err := p.Create(context.Background(), pool.NodeSpec{Name: "two"})
	require.NoError(t, err)
	assert.Equal(t, node.PublicIP, again.PublicIP)
}

func TestTerminateUnknownMachine(t *testing.T) {
	p := testProvisioner(t, "198.51.100.1")
	err := p.Terminate(context.Background(), &pool.Node{ID: "203.0.113.9"})
	assert.ErrorContains(t, err, "unknown machine")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Logger: nopLogger()})
	assert.Error(t, err)

	_, err = New(Config{Logger: nopLogger(), Addresses: []string{"/10.0.0.1"}})
	assert.ErrorContains(t, err, "invalid machine address")
}
