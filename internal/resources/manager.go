package resources

import (
	"context"
	"fmt"
	"sort"
	"syscall"

	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
)

// Usage is the host-level part of a snapshot.
type Usage struct {
	MemoryUsageMB float64
	DiskUsageMB   float64
	SystemLoad    float64
}

type Sampler interface {
	Sample(ctx context.Context, pids []int) (Usage, error)
}

type AgentSource interface {
	GetActiveAgents() ([]model.WorkerRecord, error)
}

type Signaler func(pid int, sig syscall.Signal) error

type Limits struct {
	MaxConcurrentAgents int
	MaxMemoryMB         float64
	MaxDiskMB           float64
	MaxLoad             float64
}

func LimitsFromPolicy(cfg policy.Config) Limits {
	return Limits{
		MaxConcurrentAgents: cfg.Resources.MaxConcurrentAgents,
		MaxMemoryMB:         cfg.Resources.MaxMemoryMB,
		MaxDiskMB:           cfg.Resources.MaxDiskMB,
		MaxLoad:             cfg.Resources.MaxLoad,
	}
}

type Decision struct {
	Allowed  bool                   `json:"allowed"`
	Reasons  []string               `json:"reasons"`
	Snapshot model.ResourceSnapshot `json:"snapshot"`
}

// Manager gates admission of new workers. A zero ceiling disables that check.
type Manager struct {
	limits  Limits
	agents  AgentSource
	sampler Sampler
	signal  Signaler
}

func NewManager(limits Limits, agents AgentSource, sampler Sampler, signal Signaler) *Manager {
	return &Manager{limits: limits, agents: agents, sampler: sampler, signal: signal}
}

func (m *Manager) Snapshot(ctx context.Context) (model.ResourceSnapshot, error) {
	active, err := m.agents.GetActiveAgents()
	if err != nil {
		return model.ResourceSnapshot{}, err
	}
	snapshot := model.ResourceSnapshot{ActiveWorkerCount: len(active)}
	if m.sampler == nil {
		return snapshot, nil
	}
	pids := make([]int, 0, len(active))
	for _, agent := range active {
		pids = append(pids, agent.PID)
	}
	usage, err := m.sampler.Sample(ctx, pids)
	if err != nil {
		return snapshot, err
	}
	snapshot.MemoryUsageMB = usage.MemoryUsageMB
	snapshot.DiskUsageMB = usage.DiskUsageMB
	snapshot.SystemLoad = usage.SystemLoad
	return snapshot, nil
}

// CanSpawnAgent reports every violated limit. It has no side effects.
func (m *Manager) CanSpawnAgent(ctx context.Context) Decision {
	snapshot, err := m.Snapshot(ctx)
	decision := Decision{Allowed: true, Reasons: []string{}, Snapshot: snapshot}
	if err != nil {
		logging.Warn(ctx, "resource sampling incomplete", "error", err.Error())
	}

	if m.limits.MaxConcurrentAgents > 0 && snapshot.ActiveWorkerCount >= m.limits.MaxConcurrentAgents {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("Maximum concurrent agents reached (%d/%d)", snapshot.ActiveWorkerCount, m.limits.MaxConcurrentAgents))
	}
	if m.limits.MaxMemoryMB > 0 && snapshot.MemoryUsageMB > m.limits.MaxMemoryMB {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("Memory usage too high (%.0fMB/%.0fMB)", snapshot.MemoryUsageMB, m.limits.MaxMemoryMB))
	}
	if m.limits.MaxDiskMB > 0 && snapshot.DiskUsageMB > m.limits.MaxDiskMB {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("Disk usage too high (%.0fMB/%.0fMB)", snapshot.DiskUsageMB, m.limits.MaxDiskMB))
	}
	if m.limits.MaxLoad > 0 && snapshot.SystemLoad > m.limits.MaxLoad {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("System load too high (%.2f/%.2f)", snapshot.SystemLoad, m.limits.MaxLoad))
	}
	decision.Allowed = len(decision.Reasons) == 0
	if !decision.Allowed {
		logging.Info(ctx, "spawn denied", "kind", string(model.FailureResourceExceeded), "reasons", decision.Reasons)
	}
	return decision
}

// EnforceLimits terminates the oldest running workers until the count is
// back at the configured maximum and returns the evicted pids.
func (m *Manager) EnforceLimits(ctx context.Context) ([]int, error) {
	active, err := m.agents.GetActiveAgents()
	if err != nil {
		return nil, err
	}
	excess := len(active) - m.limits.MaxConcurrentAgents
	if m.limits.MaxConcurrentAgents <= 0 || excess <= 0 {
		return nil, nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].StartTime.Before(active[j].StartTime)
	})
	evicted := make([]int, 0, excess)
	var firstErr error
	for _, agent := range active[:excess] {
		if err := m.signal(agent.PID, syscall.SIGTERM); err != nil {
			logging.Error(ctx, err, "evict worker failed", "pid", agent.PID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logging.Info(ctx, "worker evicted", "pid", agent.PID, "role", string(agent.Role))
		evicted = append(evicted, agent.PID)
	}
	return evicted, firstErr
}
