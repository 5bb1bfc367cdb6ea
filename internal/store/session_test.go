package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewctl/internal/model"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	dir := t.TempDir()
	return NewSessionStore(filepath.Join(dir, "session.json"), filepath.Join(dir, "locks", "session.lock"))
}

func TestCreateSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "T")
	require.NoError(t, err)

	got, err := s.ReadSession()
	require.NoError(t, err)
	assert.Equal(t, "T", got.TaskDescription)
	assert.Equal(t, model.SessionStatusActive, got.Status)
	assert.Equal(t, created.SessionID, got.SessionID)
	assert.Empty(t, got.Agents)
	assert.Contains(t, got.SessionID, "session-")
}

func TestAddAgentThenGetAllAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "build feature")
	require.NoError(t, err)

	require.NoError(t, s.AddAgent(ctx, model.RoleBackend, 1234, "/tmp/wt/backend", "add api"))

	agents, err := s.GetAllAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.RoleBackend, agents[0].Role)
	assert.Equal(t, 1234, agents[0].PID)
	assert.Equal(t, "/tmp/wt/backend", agents[0].WorktreePath)
	assert.Equal(t, "add api", agents[0].Task)
	assert.Equal(t, model.WorkerStatusRunning, agents[0].Status)
}

func TestAddAgentWithoutSession(t *testing.T) {
	s := newTestStore(t)
	err := s.AddAgent(context.Background(), model.RoleQA, 1, "/tmp/wt", "task")
	assert.True(t, errors.Is(err, ErrNoSession), "unexpected error: %v", err)
}

func TestAddAgentRejectsDuplicateRunningPID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, s.AddAgent(ctx, model.RoleBackend, 77, "/a", "one"))

	err = s.AddAgent(ctx, model.RoleFrontend, 77, "/b", "two")
	assert.True(t, errors.Is(err, ErrDuplicatePID), "unexpected error: %v", err)

	require.NoError(t, s.UpdateAgentStatus(ctx, 77, model.WorkerStatusCompleted, nil))
	require.NoError(t, s.AddAgent(ctx, model.RoleFrontend, 77, "/b", "two"))

	agents, err := s.GetAllAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.RoleFrontend, agents[0].Role)
}

func TestUnknownPIDLeavesSessionUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, s.AddAgent(ctx, model.RoleBackend, 10, "/a", "one"))

	before, err := os.ReadFile(s.Path)
	require.NoError(t, err)

	err = s.UpdateAgentStatus(ctx, 999, model.WorkerStatusFailed, nil)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
	err = s.RemoveAgent(ctx, 999)
	assert.True(t, errors.Is(err, ErrAgentNotFound))

	after, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestUpdateAgentStatusStampsCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, s.AddAgent(ctx, model.RoleQA, 5, "/a", "tests"))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.UpdateAgentStatus(ctx, 5, model.WorkerStatusCompleted, &at))

	agents, err := s.GetAllAgents()
	require.NoError(t, err)
	require.NotNil(t, agents[0].CompletionTime)
	assert.True(t, agents[0].CompletionTime.Equal(at))

	err = s.UpdateAgentStatus(ctx, 5, model.WorkerStatusRunning, nil)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestSessionStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)
	for pid := 1; pid <= 4; pid++ {
		require.NoError(t, s.AddAgent(ctx, model.RoleGeneral, pid, fmt.Sprintf("/w/%d", pid), "t"))
	}
	require.NoError(t, s.UpdateAgentStatus(ctx, 1, model.WorkerStatusCompleted, nil))
	require.NoError(t, s.UpdateAgentStatus(ctx, 2, model.WorkerStatusFailed, nil))
	require.NoError(t, s.RemoveAgent(ctx, 3))

	counts, err := s.SessionStatus()
	require.NoError(t, err)
	assert.Equal(t, model.SessionCounts{Total: 3, Active: 1, Completed: 1, Failed: 1}, counts)

	active, err := s.GetActiveAgents()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 4, active[0].PID)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(ctx))
	first, err := s.ReadSession()
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, first.Status)
	require.NotNil(t, first.EndTime)

	require.NoError(t, s.CloseSession(ctx))
	second, err := s.ReadSession()
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, second.Status)
	assert.True(t, first.EndTime.Equal(*second.EndTime))
}

func TestLockHeldByLiveProcessTimesOut(t *testing.T) {
	s := newTestStore(t)
	s.LockTimeout = 100 * time.Millisecond
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.LockPath), 0o755))
	holder := fmt.Sprintf("pid=%d at=now\n", os.Getpid())
	require.NoError(t, os.WriteFile(s.LockPath, []byte(holder), 0o644))

	err = s.AddAgent(ctx, model.RoleBackend, 1, "/a", "t")
	var locked *InstanceLockedError
	require.True(t, errors.As(err, &locked), "unexpected error: %v", err)
	assert.Contains(t, locked.Holder, "pid=")
}

func TestStaleLockIsTakenOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.LockPath), 0o755))
	// pid 0x7ffffffe is never a live process in practice
	require.NoError(t, os.WriteFile(s.LockPath, []byte("pid=2147483646 at=then\n"), 0o644))

	require.NoError(t, s.AddAgent(ctx, model.RoleBackend, 1, "/a", "t"))
	_, err = os.Stat(s.LockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "x")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for pid := 1; pid <= 20; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			assert.NoError(t, s.AddAgent(ctx, model.RoleGeneral, pid, fmt.Sprintf("/w/%d", pid), "t"))
		}(pid)
	}
	wg.Wait()

	agents, err := s.GetAllAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 20)
}
