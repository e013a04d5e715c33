package broker

import (
	"fmt"
	"time"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/plan"
)

type RunState string

const (
	RunStatePending  RunState = "pending"
	RunStateRunning  RunState = "running"
	RunStateComplete RunState = "complete"
	RunStateFailed   RunState = "failed"
	RunStateAborted  RunState = "aborted"
)

func (s RunState) Terminal() bool {
	return s == RunStateComplete || s == RunStateFailed || s == RunStateAborted
}

type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateAllocated StepState = "allocated"
	StepStateRunning   StepState = "running"
	StepStateComplete  StepState = "complete"
	StepStateFailed    StepState = "failed"
	StepStateAborted   StepState = "aborted"
)

func (s StepState) Terminal() bool {
	return s == StepStateComplete || s == StepStateFailed || s == StepStateAborted
}

// StepRecord is the historical account of one step's execution. It is
// mutated only by the step's own timeline goroutine and becomes immutable
// once finalized.
type StepRecord struct {
	Step        string     `json:"step"`
	Collection  namegen.ID `json:"collection,omitempty"`
	State       StepState  `json:"state"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	StoppedAt   time.Time  `json:"stopped_at,omitempty"`
	ReadyCount  int        `json:"ready_count"`
	FailedCount int        `json:"failed_count"`
	PrunedCount int        `json:"pruned_count"`
	Error       string     `json:"error,omitempty"`
}

// Run is the immutable snapshot of a campaign run, as returned by Status and
// persisted on completion.
type Run struct {
	ID          namegen.ID   `json:"id"`
	Plan        string       `json:"plan"`
	State       RunState     `json:"state"`
	Steps       []StepRecord `json:"steps"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// ShortfallError reports that a step's collection came up short of the
// readiness threshold.
type ShortfallError struct {
	Step      string
	Ready     int
	Required  int
	Requested int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("step '%s' has %d of %d nodes ready, below the required %d", e.Step, e.Ready, e.Requested, e.Required)
}

func newRun(p *plan.Plan) *Run {
	run := &Run{
		ID:        namegen.Get(),
		Plan:      p.Name,
		State:     RunStatePending,
		CreatedAt: time.Now(),
	}
	for _, step := range p.Steps {
		run.Steps = append(run.Steps, StepRecord{Step: step.Name, State: StepStatePending})
	}
	return run
}
