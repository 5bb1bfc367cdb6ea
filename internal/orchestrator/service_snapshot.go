package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"crewctl/internal/bus"
	"crewctl/internal/coordinator"
	"crewctl/internal/model"
	"crewctl/internal/monitor"
	"crewctl/internal/store"
)

type WorkerSnapshot struct {
	model.WorkerRecord
	Elapsed string `json:"elapsed"`
}

type CrewSnapshot struct {
	HasSession   bool                      `json:"has_session"`
	Session      model.Session             `json:"session"`
	Counts       model.SessionCounts       `json:"counts"`
	Workers      []WorkerSnapshot          `json:"workers"`
	Resources    model.ResourceSnapshot    `json:"resources"`
	Messages     bus.Stats                 `json:"messages"`
	Pending      []model.Message           `json:"pending"`
	Coordination *model.CoordinationStatus `json:"coordination,omitempty"`
	Events       model.EventBusDebug       `json:"events"`
	Loop         *monitor.LoopSnapshot     `json:"loop,omitempty"`
	RecentEvents []model.Event             `json:"recent_events"`
}

// Snapshot reconciles once, then gathers the state of every component.
// Components that cannot be read are left at their zero value.
func (s *Service) Snapshot(ctx context.Context) (CrewSnapshot, error) {
	s.monitor.Reconcile(ctx)

	snapshot := CrewSnapshot{Workers: []WorkerSnapshot{}, Pending: []model.Message{}, RecentEvents: s.RecentEvents()}
	session, err := s.sessions.ReadSession()
	switch {
	case err == nil:
		snapshot.HasSession = true
		snapshot.Session = session
		now := time.Now()
		for _, agent := range session.Agents {
			snapshot.Workers = append(snapshot.Workers, WorkerSnapshot{WorkerRecord: agent, Elapsed: formatElapsed(agent.Elapsed(now))})
		}
		counts, err := s.sessions.SessionStatus()
		if err != nil {
			return snapshot, err
		}
		snapshot.Counts = counts
	case errors.Is(err, store.ErrNoSession):
	default:
		return snapshot, err
	}

	if resources, err := s.resources.Snapshot(ctx); err == nil {
		snapshot.Resources = resources
	}
	if stats, err := s.bus.Stats(); err == nil {
		snapshot.Messages = stats
	}
	if pending, err := s.bus.PendingMessages(); err == nil {
		snapshot.Pending = pending
	}
	status, ok, err := coordinator.ReadStatus(s.cfg.Coordinator.StatusPath)
	if err != nil {
		return snapshot, err
	}
	if ok {
		snapshot.Coordination = &status
	}
	snapshot.Events = s.events.Debug()

	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loopSnapshot := loop.Snapshot()
		snapshot.Loop = &loopSnapshot
	}
	return snapshot, nil
}

// RenderSnapshot formats a snapshot for the terminal.
func RenderSnapshot(snapshot CrewSnapshot) string {
	var b strings.Builder
	if !snapshot.HasSession {
		b.WriteString("No active session.\n")
	} else {
		b.WriteString(fmt.Sprintf("Session: %s (%s)\n", snapshot.Session.SessionID, snapshot.Session.Status))
		if strings.TrimSpace(snapshot.Session.TaskDescription) != "" {
			b.WriteString(fmt.Sprintf("Task: %s\n", snapshot.Session.TaskDescription))
		}
		b.WriteString(fmt.Sprintf("Workers: total=%d running=%d completed=%d failed=%d stopped=%d\n",
			snapshot.Counts.Total, snapshot.Counts.Active, snapshot.Counts.Completed, snapshot.Counts.Failed, snapshot.Counts.Stopped))
		workers := append([]WorkerSnapshot(nil), snapshot.Workers...)
		sort.SliceStable(workers, func(i, j int) bool { return workers[i].StartTime.Before(workers[j].StartTime) })
		for _, worker := range workers {
			b.WriteString(fmt.Sprintf("  - pid=%d role=%s status=%s elapsed=%s task=%q\n",
				worker.PID, worker.Role, worker.Status, worker.Elapsed, worker.Task))
		}
	}
	b.WriteString(fmt.Sprintf("Resources: workers=%d memory=%.0fMB disk=%.0fMB load=%.2f\n",
		snapshot.Resources.ActiveWorkerCount, snapshot.Resources.MemoryUsageMB, snapshot.Resources.DiskUsageMB, snapshot.Resources.SystemLoad))
	b.WriteString(fmt.Sprintf("Messages: total=%d pending=%d answered=%d\n",
		snapshot.Messages.Total, snapshot.Messages.Pending, snapshot.Messages.Answered))
	for _, msg := range snapshot.Pending {
		b.WriteString(fmt.Sprintf("  ? %s [%s/%s] %s: %s\n", msg.ID, msg.Priority, msg.Type, msg.AgentID, msg.Content))
	}
	if snapshot.Coordination != nil {
		c := snapshot.Coordination
		b.WriteString(fmt.Sprintf("Coordination: %s phase=%s progress=%d%%\n", c.Status, c.Phase, c.ProgressPercentage))
		if strings.TrimSpace(c.Message) != "" {
			b.WriteString(fmt.Sprintf("  %s\n", c.Message))
		}
		if c.EstimatedCompletion != nil {
			b.WriteString(fmt.Sprintf("  estimated completion: %s\n", c.EstimatedCompletion.Format(time.RFC3339)))
		}
	}
	health := "healthy"
	if !snapshot.Events.Healthy {
		health = "unhealthy"
		if strings.TrimSpace(snapshot.Events.HealthError) != "" {
			health += ": " + snapshot.Events.HealthError
		}
	}
	b.WriteString(fmt.Sprintf("Events: backend=%s %s\n", snapshot.Events.Backend, health))
	if snapshot.Loop != nil {
		b.WriteString(fmt.Sprintf("Monitor: ticks=%d reconciled=%d stuck=%d\n",
			snapshot.Loop.TotalTicks, snapshot.Loop.TotalReconciled, len(snapshot.Loop.StuckWorkers)))
	}
	return b.String()
}

type CleanupOptions struct {
	MessageDays     int
	RecoveryDays    int
	PruneWorkspaces bool
	CloseSession    bool
	DryRun          bool
}

type CleanupResult struct {
	Actions          []string `json:"actions"`
	MessagesRemoved  int      `json:"messages_removed"`
	PatternsRemoved  int      `json:"patterns_removed"`
	AttemptsRemoved  int      `json:"attempts_removed"`
	WorkspacesPruned []string `json:"workspaces_pruned"`
	SessionClosed    bool     `json:"session_closed"`
}

// Cleanup ages out messages and recovery data and prunes crew worktrees not
// held by a running worker. The session is closed only when nothing runs.
func (s *Service) Cleanup(ctx context.Context, options CleanupOptions) (CleanupResult, error) {
	if options.MessageDays <= 0 {
		options.MessageDays = s.cfg.Messages.RetentionDays
	}
	if options.RecoveryDays <= 0 {
		options.RecoveryDays = s.cfg.Recovery.RetentionDays
	}
	result := CleanupResult{Actions: []string{}, WorkspacesPruned: []string{}}

	active, err := s.sessions.GetActiveAgents()
	if err != nil {
		return result, err
	}
	hasOpenSession := false
	if session, err := s.sessions.ReadSession(); err == nil {
		hasOpenSession = session.Status == model.SessionStatusActive
	} else if !errors.Is(err, store.ErrNoSession) {
		return result, err
	}
	keep := make([]string, 0, len(active))
	for _, agent := range active {
		if strings.TrimSpace(agent.WorktreePath) != "" {
			keep = append(keep, agent.WorktreePath)
		}
	}

	result.Actions = append(result.Actions,
		fmt.Sprintf("remove messages older than %d days from %s", options.MessageDays, s.cfg.Messages.Dir),
		fmt.Sprintf("remove recovery data older than %d days", options.RecoveryDays),
	)
	if options.PruneWorkspaces {
		result.Actions = append(result.Actions, fmt.Sprintf("prune %s worktrees under %s except %d in use", s.cfg.Workspace.BranchPrefix, s.cfg.Workspace.BaseDir, len(keep)))
	}
	closeSession := options.CloseSession && hasOpenSession && len(active) == 0
	if closeSession {
		result.Actions = append(result.Actions, "close session")
	}
	if options.DryRun {
		return result, nil
	}

	removed, err := s.bus.CleanupOlderThan(ctx, options.MessageDays)
	if err != nil {
		return result, err
	}
	result.MessagesRemoved = removed
	patterns, attempts, err := s.recovery.CleanupOldData(ctx, options.RecoveryDays)
	if err != nil {
		return result, err
	}
	result.PatternsRemoved, result.AttemptsRemoved = patterns, attempts
	if options.PruneWorkspaces && fileExists(s.cfg.Workspace.RepoPath) {
		pruned, err := s.workspaces.Prune(ctx, keep)
		if err != nil {
			return result, err
		}
		result.WorkspacesPruned = pruned
	}
	if closeSession {
		if err := s.sessions.CloseSession(ctx); err != nil {
			return result, err
		}
		result.SessionClosed = true
	}
	return result, nil
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
