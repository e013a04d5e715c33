package broker

import "github.com/loadops/stampede/namegen"

type Event interface{}

// Runs

type EventRunStarted struct {
	Run  namegen.ID
	Plan string
}

type EventRunCompleted struct {
	Run   namegen.ID
	State RunState
}

// Steps

type EventStepStarted struct {
	Run  namegen.ID
	Step string
}

type EventStepReady struct {
	Run   namegen.ID
	Step  string
	Ready int
}

type EventStepFailed struct {
	Run  namegen.ID
	Step string
}

type EventStepCompleted struct {
	Run  namegen.ID
	Step string
}

// Nodes

type EventNodeLaunched struct {
	Run  namegen.ID
	Step string
	Node namegen.ID
}

type EventNodePruned struct {
	Run  namegen.ID
	Step string
	Node namegen.ID
}
