package main

import (
	brokerpkg "github.com/loadops/stampede/broker"
	"github.com/loadops/stampede/server/log"
)

// logEvents turns the broker's event stream into the server's audit log. It
// exits when the subscription is closed during shutdown.
func logEvents(channel <-chan brokerpkg.Event) {
	logger := log.With("component", "events")

	for event := range channel {
		switch e := event.(type) {
		case brokerpkg.EventRunStarted:
			logger.Info("Run started", "run", e.Run, "plan", e.Plan)
		case brokerpkg.EventRunCompleted:
			logger.Info("Run completed", "run", e.Run, "state", e.State)
		case brokerpkg.EventStepStarted:
			logger.Info("Step started", "run", e.Run, "step", e.Step)
		case brokerpkg.EventStepReady:
			logger.Info("Step collection ready", "run", e.Run, "step", e.Step, "ready", e.Ready)
		case brokerpkg.EventStepFailed:
			logger.Warn("Step failed", "run", e.Run, "step", e.Step)
		case brokerpkg.EventStepCompleted:
			logger.Info("Step completed", "run", e.Run, "step", e.Step)
		case brokerpkg.EventNodeLaunched:
			logger.Debug("Workload launched", "run", e.Run, "step", e.Step, "node", e.Node)
		case brokerpkg.EventNodePruned:
			logger.Warn("Node pruned", "run", e.Run, "step", e.Step, "node", e.Node)
		}
	}
}
