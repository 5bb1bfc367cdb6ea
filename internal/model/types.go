package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
	RoleQA       Role = "qa"
	RoleUX       Role = "ux"
	RoleGeneral  Role = "general"
)

// Roles lists every valid role in declaration order.
func Roles() []Role {
	return []Role{RoleBackend, RoleFrontend, RoleQA, RoleUX, RoleGeneral}
}

func ParseRole(value string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(value)))
	for _, role := range Roles() {
		if role == candidate {
			return role, true
		}
	}
	return RoleGeneral, false
}

type WorkerStatus string

const (
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
	WorkerStatusStopped   WorkerStatus = "stopped"
)

func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusCompleted || s == WorkerStatusFailed || s == WorkerStatusStopped
}

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

type FailureKind string

const (
	FailureResourceExceeded         FailureKind = "resource_exceeded"
	FailureWorkspaceCreation        FailureKind = "workspace_creation_failure"
	FailureSpawn                    FailureKind = "spawn_failure"
	FailureProcessVanished          FailureKind = "process_vanished"
	FailureMessageTimeout           FailureKind = "message_timeout"
	FailureRecoveryActionFailure    FailureKind = "recovery_action_failure"
	FailureCoordinationSpawnRetries FailureKind = "coordination_spawn_retries"
)

type WorkerRecord struct {
	Role           Role         `json:"role"`
	PID            int          `json:"pid"`
	WorktreePath   string       `json:"worktree_path"`
	Task           string       `json:"task"`
	StartTime      time.Time    `json:"start_time"`
	Status         WorkerStatus `json:"status"`
	CompletionTime *time.Time   `json:"completion_time,omitempty"`
}

func (r WorkerRecord) Elapsed(now time.Time) time.Duration {
	if r.CompletionTime != nil {
		return r.CompletionTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

type Session struct {
	SessionID       string         `json:"session_id"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	TaskDescription string         `json:"task_description"`
	Status          SessionStatus  `json:"status"`
	Agents          []WorkerRecord `json:"agents"`
}

func (s *Session) FindAgent(pid int) (int, bool) {
	for i := range s.Agents {
		if s.Agents[i].PID == pid {
			return i, true
		}
	}
	return -1, false
}

type SessionCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
}

type ResourceSnapshot struct {
	ActiveWorkerCount int     `json:"active_worker_count"`
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	DiskUsageMB       float64 `json:"disk_usage_mb"`
	SystemLoad        float64 `json:"system_load"`
}

type CoordinationState string

const (
	CoordinationInitializing CoordinationState = "initializing"
	CoordinationPlanning     CoordinationState = "planning"
	CoordinationSpawning     CoordinationState = "spawning"
	CoordinationMonitoring   CoordinationState = "monitoring"
	CoordinationCompleted    CoordinationState = "completed"
	CoordinationFailed       CoordinationState = "failed"
	CoordinationStopped      CoordinationState = "stopped"
)

func (s CoordinationState) Terminal() bool {
	return s == CoordinationCompleted || s == CoordinationFailed || s == CoordinationStopped
}

type CoordinationStatus struct {
	Status              CoordinationState `json:"status"`
	Phase               string            `json:"phase"`
	ActiveAgents        []int             `json:"active_agents"`
	CompletedAgents     []int             `json:"completed_agents"`
	FailedAgents        []int             `json:"failed_agents,omitempty"`
	ProgressPercentage  int               `json:"progress_percentage"`
	Message             string            `json:"message"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	CoordinatorPID      int               `json:"coordinator_pid,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
