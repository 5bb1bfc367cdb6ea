package model

import "time"

type EventActor string

const (
	EventActorWorker      EventActor = "worker"
	EventActorOperator    EventActor = "operator"
	EventActorCoordinator EventActor = "coordinator"
	EventActorSystem      EventActor = "system"
)

const (
	TopicWorkerSpawned       = "crew.worker.spawned"
	TopicWorkerStopped       = "crew.worker.stopped"
	TopicWorkerExited        = "crew.worker.exited"
	TopicWorkerStuck         = "crew.worker.stuck"
	TopicMessageSent         = "crew.message.sent"
	TopicMessageResponded    = "crew.message.responded"
	TopicCoordinationUpdated = "crew.coordination.updated"
	TopicRecoveryAttempted   = "crew.recovery.attempted"
)

// EventTopics lists every topic published by the core.
func EventTopics() []string {
	return []string{
		TopicWorkerSpawned,
		TopicWorkerStopped,
		TopicWorkerExited,
		TopicWorkerStuck,
		TopicMessageSent,
		TopicMessageResponded,
		TopicCoordinationUpdated,
		TopicRecoveryAttempted,
	}
}

type Event struct {
	EventID    string            `json:"event_id" msgpack:"event_id"`
	Topic      string            `json:"topic" msgpack:"topic"`
	Key        string            `json:"key,omitempty" msgpack:"key"`
	OccurredAt time.Time         `json:"occurred_at" msgpack:"occurred_at"`
	SessionID  string            `json:"session_id,omitempty" msgpack:"session_id"`
	Actor      EventActor        `json:"actor" msgpack:"actor"`
	Role       Role              `json:"role,omitempty" msgpack:"role"`
	PID        int               `json:"pid,omitempty" msgpack:"pid"`
	Summary    string            `json:"summary,omitempty" msgpack:"summary"`
	Attributes map[string]string `json:"attributes,omitempty" msgpack:"attributes"`
}

type EventBusTopicDebug struct {
	Topic             string `json:"topic"`
	HandlerRegistered bool   `json:"handler_registered"`
	Subscribed        bool   `json:"subscribed"`
	Delivered         int64  `json:"delivered"`
	Failed            int64  `json:"failed"`
	LastError         string `json:"last_error,omitempty"`
}

type EventBusDebug struct {
	Running     bool                 `json:"running"`
	Healthy     bool                 `json:"healthy"`
	HealthError string               `json:"health_error,omitempty"`
	Backend     string               `json:"backend"`
	RedisURL    string               `json:"redis_url,omitempty"`
	Topics      []EventBusTopicDebug `json:"topics"`
}
