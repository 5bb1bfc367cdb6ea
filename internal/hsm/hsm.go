package hsm

import "crewctl/internal/model"

var workerTransitions = map[model.WorkerStatus]map[model.WorkerStatus]bool{
	model.WorkerStatusRunning: {
		model.WorkerStatusCompleted: true,
		model.WorkerStatusFailed:    true,
		model.WorkerStatusStopped:   true,
	},
}

var sessionTransitions = map[model.SessionStatus]map[model.SessionStatus]bool{
	model.SessionStatusActive: {
		model.SessionStatusCompleted: true,
	},
}

var messageTransitions = map[model.MessageState]map[model.MessageState]bool{
	model.MessageStatePending: {
		model.MessageStateResponded: true,
		model.MessageStateExpired:   true,
	},
}

var coordinationTransitions = map[model.CoordinationState]map[model.CoordinationState]bool{
	model.CoordinationInitializing: {
		model.CoordinationPlanning: true,
		model.CoordinationFailed:   true,
		model.CoordinationStopped:  true,
	},
	model.CoordinationPlanning: {
		model.CoordinationSpawning: true,
		model.CoordinationFailed:   true,
		model.CoordinationStopped:  true,
	},
	model.CoordinationSpawning: {
		model.CoordinationMonitoring: true,
		model.CoordinationFailed:     true,
		model.CoordinationStopped:    true,
	},
	model.CoordinationMonitoring: {
		model.CoordinationSpawning:  true,
		model.CoordinationCompleted: true,
		model.CoordinationFailed:    true,
		model.CoordinationStopped:   true,
	},
}

func CanTransitionWorker(from model.WorkerStatus, to model.WorkerStatus) bool {
	if from == to {
		return true
	}
	return workerTransitions[from][to]
}

func CanTransitionSession(from model.SessionStatus, to model.SessionStatus) bool {
	if from == to {
		return true
	}
	return sessionTransitions[from][to]
}

func CanTransitionMessage(from model.MessageState, to model.MessageState) bool {
	if from == to {
		return true
	}
	return messageTransitions[from][to]
}

func CanTransitionCoordination(from model.CoordinationState, to model.CoordinationState) bool {
	if from == to {
		return true
	}
	return coordinationTransitions[from][to]
}
