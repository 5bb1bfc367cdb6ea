// Package monitor reconciles recorded worker state with OS process liveness
// and flags workers that run too long without reporting progress.
package monitor

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"crewctl/internal/eventbus"
	"crewctl/internal/hsm"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/procs"
	"crewctl/internal/store"
)

type Agents interface {
	GetActiveAgents() ([]model.WorkerRecord, error)
	UpdateAgentStatus(ctx context.Context, pid int, status model.WorkerStatus, completionTime *time.Time) error
}

type ProgressSource interface {
	LastProgress(agentID string) (time.Time, bool)
}

type StuckWorker struct {
	PID          int           `json:"pid"`
	Role         model.Role    `json:"role"`
	Task         string        `json:"task"`
	Elapsed      time.Duration `json:"elapsed"`
	LastProgress *time.Time    `json:"last_progress,omitempty"`
}

type Report struct {
	CheckedAt  time.Time     `json:"checked_at"`
	Running    int           `json:"running"`
	Reconciled []int         `json:"reconciled"`
	Stuck      []StuckWorker `json:"stuck"`
}

type Monitor struct {
	agents    Agents
	progress  ProgressSource
	events    eventbus.Emitter
	threshold time.Duration
	interval  time.Duration
	probe     func(pid int) procs.Liveness
	now       func() time.Time

	mu      sync.Mutex
	flagged map[int]bool
}

func New(agents Agents, progress ProgressSource, events eventbus.Emitter, interval time.Duration, stuckThreshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 30 * time.Minute
	}
	return &Monitor{
		agents:    agents,
		progress:  progress,
		events:    events,
		threshold: stuckThreshold,
		interval:  interval,
		probe:     procs.Probe,
		now:       time.Now,
		flagged:   map[int]bool{},
	}
}

// Reconcile runs one pass. Discrepancies are corrected and logged, never
// returned.
func (m *Monitor) Reconcile(ctx context.Context) Report {
	now := m.now()
	report := Report{CheckedAt: now.UTC(), Reconciled: []int{}, Stuck: []StuckWorker{}}
	active, err := m.agents.GetActiveAgents()
	if err != nil {
		logging.Warn(ctx, "monitor could not read session", "error", err.Error())
		return report
	}

	for _, agent := range active {
		if m.probe(agent.PID) == procs.LivenessDead {
			if m.markVanished(ctx, agent, now) {
				report.Reconciled = append(report.Reconciled, agent.PID)
			}
			continue
		}
		report.Running++
		if stuck, ok := m.checkStuck(agent, now); ok {
			report.Stuck = append(report.Stuck, stuck)
			m.flagStuck(ctx, stuck)
		}
	}
	m.forgetRecovered(report.Stuck)
	return report
}

// Run reconciles at a fixed interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, onReport func(Report)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		report := m.Reconcile(ctx)
		if onReport != nil {
			onReport(report)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleExit records the exit status of a worker this process launched.
// A zero exit completes the worker; anything else fails it.
func (m *Monitor) HandleExit(ctx context.Context, pid int, exitErr error) {
	status := model.WorkerStatusCompleted
	exitCode := 0
	if exitErr != nil {
		status = model.WorkerStatusFailed
		exitCode = -1
		var exitError *exec.ExitError
		if errors.As(exitErr, &exitError) {
			exitCode = exitError.ExitCode()
		}
	}
	now := m.now()
	if err := m.agents.UpdateAgentStatus(ctx, pid, status, &now); err != nil {
		if !errors.Is(err, store.ErrIllegalTransition) && !errors.Is(err, store.ErrAgentNotFound) {
			logging.Error(ctx, err, "record worker exit failed", "pid", pid)
		}
		return
	}
	logging.Info(ctx, "worker exited", "pid", pid, "status", string(status), "exit_code", exitCode)
	m.emit(ctx, model.Event{
		Topic:      model.TopicWorkerExited,
		Actor:      model.EventActorSystem,
		PID:        pid,
		Summary:    string(status),
		Attributes: map[string]string{"status": string(status)},
	})
}

func (m *Monitor) markVanished(ctx context.Context, agent model.WorkerRecord, now time.Time) bool {
	if !hsm.CanTransitionWorker(agent.Status, model.WorkerStatusStopped) {
		return false
	}
	if err := m.agents.UpdateAgentStatus(ctx, agent.PID, model.WorkerStatusStopped, &now); err != nil {
		// another writer may have finished the record first
		logging.Debug(ctx, "reconcile skipped", "pid", agent.PID, "error", err.Error())
		return false
	}
	logging.Info(ctx, "worker vanished", "kind", string(model.FailureProcessVanished), "pid", agent.PID, "role", string(agent.Role))
	m.emit(ctx, model.Event{
		Topic:      model.TopicWorkerExited,
		Actor:      model.EventActorSystem,
		Role:       agent.Role,
		PID:        agent.PID,
		Summary:    string(model.WorkerStatusStopped),
		Attributes: map[string]string{"status": string(model.WorkerStatusStopped), "reason": string(model.FailureProcessVanished)},
	})
	return true
}

func (m *Monitor) checkStuck(agent model.WorkerRecord, now time.Time) (StuckWorker, bool) {
	elapsed := agent.Elapsed(now)
	if elapsed <= m.threshold {
		return StuckWorker{}, false
	}
	stuck := StuckWorker{PID: agent.PID, Role: agent.Role, Task: agent.Task, Elapsed: elapsed}
	if m.progress != nil {
		if last, ok := m.progress.LastProgress(string(agent.Role)); ok {
			if last.After(agent.StartTime) && now.Sub(last) <= m.threshold {
				return StuckWorker{}, false
			}
			stuck.LastProgress = &last
		}
	}
	return stuck, true
}

// flagStuck publishes once per pid until the worker stops being stuck.
func (m *Monitor) flagStuck(ctx context.Context, stuck StuckWorker) {
	m.mu.Lock()
	already := m.flagged[stuck.PID]
	m.flagged[stuck.PID] = true
	m.mu.Unlock()
	if already {
		return
	}
	logging.Warn(ctx, "worker appears stuck", "pid", stuck.PID, "role", string(stuck.Role), "elapsed", stuck.Elapsed.Round(time.Second).String())
	m.emit(ctx, model.Event{
		Topic:      model.TopicWorkerStuck,
		Actor:      model.EventActorSystem,
		Role:       stuck.Role,
		PID:        stuck.PID,
		Summary:    stuck.Task,
		Attributes: map[string]string{"elapsed": stuck.Elapsed.Round(time.Second).String()},
	})
}

func (m *Monitor) forgetRecovered(stuck []StuckWorker) {
	still := make(map[int]bool, len(stuck))
	for _, worker := range stuck {
		still[worker.PID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid := range m.flagged {
		if !still[pid] {
			delete(m.flagged, pid)
		}
	}
}

func (m *Monitor) emit(ctx context.Context, event model.Event) {
	if m.events != nil {
		m.events.Emit(ctx, event)
	}
}
