package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadops/stampede/broker"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)

	run := broker.Run{
		ID:        "misty-lake",
		Plan:      "campaign",
		State:     broker.RunStateComplete,
		CreatedAt: time.Now().UTC(),
		Steps: []broker.StepRecord{
			{Step: "blast", State: broker.StepStateComplete, ReadyCount: 3},
		},
	}
	require.NoError(t, s.Save(run))

	got, err := s.Get("misty-lake")
	require.NoError(t, err)
	assert.Equal(t, run.Plan, got.Plan)
	assert.Equal(t, broker.RunStateComplete, got.State)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 3, got.Steps[0].ReadyCount)
}

func TestGetUnknownRun(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorContains(t, err, "run not found")
}

func TestSaveIsUpsert(t *testing.T) {
	s := openTestStore(t)

	run := broker.Run{ID: "misty-lake", State: broker.RunStateRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Save(run))
	run.State = broker.RunStateAborted
	require.NoError(t, s.Save(run))

	got, err := s.Get("misty-lake")
	require.NoError(t, err)
	assert.Equal(t, broker.RunStateAborted, got.State)

	runs, err := s.List()
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	require.NoError(t, s.Save(broker.Run{ID: "old", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.Save(broker.Run{ID: "new", CreatedAt: base}))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", string(runs[0].ID))
	assert.Equal(t, "old", string(runs[1].ID))
}
