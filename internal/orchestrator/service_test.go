package orchestrator

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewctl/internal/model"
	"crewctl/internal/policy"
	"crewctl/internal/resources"
	"crewctl/internal/store"
)

type fixedSampler struct {
	usage resources.Usage
}

func (f fixedSampler) Sample(context.Context, []int) (resources.Usage, error) {
	return f.usage, nil
}

// newTestService builds a service rooted in a temp dir whose workers run
// `sh -c <script>` instead of an agent binary.
func newTestService(t *testing.T, script string, usage resources.Usage) *Service {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	root := t.TempDir()
	cfg := policy.Default()
	cfg.Spawner.AgentCommand = "sh"
	cfg.Spawner.AgentArgs = []string{"-c", script, "agent"}
	cfg.Spawner.StopGraceSeconds = 1
	cfg.Messages.PollIntervalMS = 20
	resolvePaths(&cfg, root)

	service, err := newService(context.Background(), cfg, "", Options{Sampler: fixedSampler{usage: usage}})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = service.Shutdown(context.Background(), true)
	})
	return service
}

func TestSpawnStatusStopLifecycle(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	ctx := context.Background()

	result, ok := service.Spawn(ctx, "backend", "build the api", false)
	require.True(t, ok, "spawn refused: %v", result.Reasons)
	require.Greater(t, result.PID, 0)
	assert.Equal(t, model.RoleBackend, result.Role)

	snapshot, err := service.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snapshot.HasSession)
	assert.Equal(t, 1, snapshot.Counts.Active)
	require.Len(t, snapshot.Workers, 1)
	assert.Equal(t, "build the api", snapshot.Workers[0].Task)
	assert.Contains(t, RenderSnapshot(snapshot), "role=backend status=running")

	require.NoError(t, service.Stop(ctx, result.PID))
	agents, err := service.Sessions().GetAllAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.WorkerStatusStopped, agents[0].Status)
	assert.NotNil(t, agents[0].CompletionTime)

	require.NoError(t, service.Stop(ctx, result.PID), "stopping twice is a no-op")
}

func TestStopLeavesUntrackedProcessAlone(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	ctx := context.Background()
	_, err := service.Sessions().EnsureSession(ctx, "bystander check")
	require.NoError(t, err)

	bystander := exec.Command("sleep", "30")
	require.NoError(t, bystander.Start())
	t.Cleanup(func() {
		_ = bystander.Process.Kill()
		_ = bystander.Wait()
	})

	err = service.Stop(ctx, bystander.Process.Pid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrAgentNotFound), "unexpected error: %v", err)
	assert.NoError(t, bystander.Process.Signal(syscall.Signal(0)), "untracked process must survive stop")
}

func TestSpawnRefusedWhenResourcesExhausted(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{MemoryUsageMB: 1 << 20})
	result, ok := service.Spawn(context.Background(), "qa", "verify", false)
	assert.False(t, ok)
	require.NotEmpty(t, result.Reasons)
	assert.True(t, strings.HasPrefix(result.Reasons[0], "Memory usage too high"), result.Reasons[0])

	agents, err := service.Sessions().GetAllAgents()
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestWorkerExitIsRecordedFromProcessWait(t *testing.T) {
	service := newTestService(t, "sleep 1", resources.Usage{})
	ctx := context.Background()

	result, ok := service.Spawn(ctx, "frontend", "style the page", false)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		agents, err := service.Sessions().GetAllAgents()
		return err == nil && len(agents) == 1 && agents[0].Status == model.WorkerStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, event := range service.RecentEvents() {
			if event.Topic == model.TopicWorkerExited && event.PID == result.PID {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFailingWorkerIsRecordedFailed(t *testing.T) {
	service := newTestService(t, "sleep 1; exit 3", resources.Usage{})
	_, ok := service.Spawn(context.Background(), "ux", "review flows", false)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		agents, err := service.Sessions().GetAllAgents()
		return err == nil && len(agents) == 1 && agents[0].Status == model.WorkerStatusFailed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStopAllAndShutdownClosesSession(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	ctx := context.Background()
	for _, role := range []string{"backend", "qa"} {
		_, ok := service.Spawn(ctx, role, "work", false)
		require.True(t, ok)
	}
	loop := service.StartMonitorLoop(ctx)
	assert.Same(t, loop, service.StartMonitorLoop(ctx))

	require.NoError(t, service.Shutdown(ctx, true))
	session, err := service.Sessions().ReadSession()
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, session.Status)
	for _, agent := range session.Agents {
		assert.Equal(t, model.WorkerStatusStopped, agent.Status)
	}
}

func TestCleanupDryRunThenClose(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	ctx := context.Background()
	_, err := service.Sessions().CreateSession(ctx, "tidy up")
	require.NoError(t, err)

	preview, err := service.Cleanup(ctx, CleanupOptions{CloseSession: true, DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, preview.Actions, "close session")
	assert.False(t, preview.SessionClosed)

	result, err := service.Cleanup(ctx, CleanupOptions{CloseSession: true})
	require.NoError(t, err)
	assert.True(t, result.SessionClosed)
	session, err := service.Sessions().ReadSession()
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, session.Status)
}

func TestCleanupWithoutSessionSkipsClose(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	result, err := service.Cleanup(context.Background(), CleanupOptions{CloseSession: true})
	require.NoError(t, err)
	assert.False(t, result.SessionClosed)
	assert.NotContains(t, result.Actions, "close session")
}

func TestSnapshotWithoutSession(t *testing.T) {
	service := newTestService(t, "sleep 30", resources.Usage{})
	snapshot, err := service.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snapshot.HasSession)
	assert.Equal(t, "gochannel", snapshot.Events.Backend)
	assert.Contains(t, RenderSnapshot(snapshot), "No active session.")
}

func TestResolvePaths(t *testing.T) {
	cfg := policy.Default()
	cfg.Recovery.RulesScript = ""
	cfg.Messages.Dir = "/var/crew/messages"
	resolvePaths(&cfg, "/work")

	assert.Equal(t, filepath.Join("/work", ".crewctl/session.json"), cfg.Session.Path)
	assert.Equal(t, "/var/crew/messages", cfg.Messages.Dir)
	assert.Equal(t, "", cfg.Recovery.RulesScript)
	assert.Equal(t, "/work", cfg.Workspace.RepoPath)
}
