package monitor

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewctl/internal/model"
	"crewctl/internal/procs"
	"crewctl/internal/store"
)

type fakeProgress map[string]time.Time

func (f fakeProgress) LastProgress(agentID string) (time.Time, bool) {
	at, ok := f[agentID]
	return at, ok
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Topic == topic {
			n++
		}
	}
	return n
}

func newSessionWithAgents(t *testing.T, pids ...int) *store.SessionStore {
	t.Helper()
	sessions := store.NewSessionStore(filepath.Join(t.TempDir(), "session.json"), "")
	ctx := context.Background()
	_, err := sessions.CreateSession(ctx, "monitor test")
	require.NoError(t, err)
	for _, pid := range pids {
		require.NoError(t, sessions.AddAgent(ctx, model.RoleBackend, pid, "", "work"))
	}
	return sessions
}

func TestReconcileMarksDeadWorkersStopped(t *testing.T) {
	sessions := newSessionWithAgents(t, 101, 102, 103)
	events := &recordingEmitter{}
	m := New(sessions, nil, events, time.Second, time.Hour)
	m.probe = func(pid int) procs.Liveness {
		switch pid {
		case 101:
			return procs.LivenessDead
		case 102:
			return procs.LivenessForeign
		default:
			return procs.LivenessAlive
		}
	}

	report := m.Reconcile(context.Background())
	assert.Equal(t, []int{101}, report.Reconciled)
	assert.Equal(t, 2, report.Running)

	agents, err := sessions.GetAllAgents()
	require.NoError(t, err)
	statuses := map[int]model.WorkerStatus{}
	for _, agent := range agents {
		statuses[agent.PID] = agent.Status
	}
	assert.Equal(t, model.WorkerStatusStopped, statuses[101])
	assert.Equal(t, model.WorkerStatusRunning, statuses[102])
	assert.Equal(t, model.WorkerStatusRunning, statuses[103])
	assert.Equal(t, 1, events.count(model.TopicWorkerExited))

	// a second pass finds nothing new
	report = m.Reconcile(context.Background())
	assert.Empty(t, report.Reconciled)
}

func TestReconcileFlagsStuckWorkersOnce(t *testing.T) {
	sessions := newSessionWithAgents(t, 201)
	events := &recordingEmitter{}
	m := New(sessions, fakeProgress{}, events, time.Second, time.Minute)
	m.probe = func(int) procs.Liveness { return procs.LivenessAlive }
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	report := m.Reconcile(context.Background())
	require.Len(t, report.Stuck, 1)
	assert.Equal(t, 201, report.Stuck[0].PID)
	assert.Greater(t, report.Stuck[0].Elapsed, time.Minute)

	m.Reconcile(context.Background())
	assert.Equal(t, 1, events.count(model.TopicWorkerStuck))

	agents, err := sessions.GetActiveAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 1, "stuck detection takes no destructive action")
}

func TestRecentProgressIsNotStuck(t *testing.T) {
	sessions := newSessionWithAgents(t, 301)
	later := time.Now().Add(2 * time.Minute)
	m := New(sessions, fakeProgress{"backend": later.Add(-10 * time.Second)}, nil, time.Second, time.Minute)
	m.probe = func(int) procs.Liveness { return procs.LivenessAlive }
	m.now = func() time.Time { return later }

	report := m.Reconcile(context.Background())
	assert.Empty(t, report.Stuck)
	assert.Equal(t, 1, report.Running)
}

func TestHandleExitRecordsOutcome(t *testing.T) {
	sessions := newSessionWithAgents(t, 401, 402)
	events := &recordingEmitter{}
	m := New(sessions, nil, events, time.Second, time.Hour)
	ctx := context.Background()

	m.HandleExit(ctx, 401, nil)
	exitErr := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, exitErr)
	m.HandleExit(ctx, 402, exitErr)
	// unknown pids and repeated exits are ignored
	m.HandleExit(ctx, 999, nil)
	m.HandleExit(ctx, 401, errors.New("late"))

	agents, err := sessions.GetAllAgents()
	require.NoError(t, err)
	statuses := map[int]model.WorkerStatus{}
	for _, agent := range agents {
		statuses[agent.PID] = agent.Status
		assert.NotNil(t, agent.CompletionTime)
	}
	assert.Equal(t, model.WorkerStatusCompleted, statuses[401])
	assert.Equal(t, model.WorkerStatusFailed, statuses[402])
	assert.Equal(t, 2, events.count(model.TopicWorkerExited))
}

func TestLoopSnapshot(t *testing.T) {
	sessions := newSessionWithAgents(t, 501)
	m := New(sessions, nil, nil, 20*time.Millisecond, time.Hour)
	m.probe = func(int) procs.Liveness { return procs.LivenessDead }
	loop := NewLoop(m, func() error { return errors.New("redis down") }, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	require.Eventually(t, func() bool {
		return loop.Snapshot().TotalTicks >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.True(t, loop.Wait(5*time.Second))

	snapshot := loop.Snapshot()
	assert.False(t, snapshot.Running)
	assert.Equal(t, int64(1), snapshot.TotalReconciled)
	assert.False(t, snapshot.BusHealthy)
	assert.Equal(t, "redis down", snapshot.BusError)
}
