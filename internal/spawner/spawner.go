package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"crewctl/internal/eventbus"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
	"crewctl/internal/procs"
	"crewctl/internal/resources"
	"crewctl/internal/store"
)

type Admission interface {
	CanSpawnAgent(ctx context.Context) resources.Decision
}

type Workspaces interface {
	CreateWorkspace(ctx context.Context, role model.Role) (string, bool)
	DestroyWorkspace(ctx context.Context, path string) error
}

type Registry interface {
	AddAgent(ctx context.Context, role model.Role, pid int, worktreePath string, task string) error
	UpdateAgentStatus(ctx context.Context, pid int, status model.WorkerStatus, completionTime *time.Time) error
	GetAllAgents() ([]model.WorkerRecord, error)
}

// Launcher starts a script as a detached process and returns its pid.
type Launcher interface {
	Launch(ctx context.Context, scriptPath string, dir string) (int, error)
}

type Result struct {
	PID           int        `json:"pid"`
	Role          model.Role `json:"role"`
	WorkspacePath string     `json:"workspace_path"`
	LogPath       string     `json:"log_path,omitempty"`
	// Reasons is set when admission denied the spawn.
	Reasons []string `json:"reasons,omitempty"`
}

type Options struct {
	Config     policy.Config
	Admission  Admission
	Workspaces Workspaces
	Registry   Registry
	Launcher   Launcher
	Events     eventbus.Emitter
	// WorkDir is used when a worker runs without its own workspace.
	WorkDir string
}

type Spawner struct {
	cfg        policy.Config
	admission  Admission
	workspaces Workspaces
	registry   Registry
	launcher   Launcher
	events     eventbus.Emitter
	workDir    string
	terminate  func(ctx context.Context, pid int, grace time.Duration) (bool, error)
	now        func() time.Time
}

func New(opts Options) *Spawner {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	workDir := opts.WorkDir
	if strings.TrimSpace(workDir) == "" {
		workDir = opts.Config.Workspace.RepoPath
	}
	return &Spawner{
		cfg:        opts.Config,
		admission:  opts.Admission,
		workspaces: opts.Workspaces,
		registry:   opts.Registry,
		launcher:   launcher,
		events:     opts.Events,
		workDir:    workDir,
		terminate:  procs.Terminate,
		now:        time.Now,
	}
}

// Spawn admits, provisions, launches and registers one worker. Any failure
// after provisioning destroys the workspace and returns false.
func (s *Spawner) Spawn(ctx context.Context, rawRole string, rawTask string, useWorkspace bool) (Result, bool) {
	role := SanitizeRole(rawRole)
	task := SanitizeTask(rawTask)
	result := Result{Role: role}

	if s.admission != nil {
		decision := s.admission.CanSpawnAgent(ctx)
		if !decision.Allowed {
			result.Reasons = decision.Reasons
			logging.Warn(ctx, "spawn refused", "kind", string(model.FailureResourceExceeded), "role", string(role), "reasons", decision.Reasons)
			return result, false
		}
	}

	workDir := s.workDir
	if useWorkspace {
		path, ok := s.workspaces.CreateWorkspace(ctx, role)
		if !ok {
			logging.Warn(ctx, "spawn aborted", "kind", string(model.FailureWorkspaceCreation), "role", string(role))
			return result, false
		}
		workDir = path
		result.WorkspacePath = path
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		s.abort(ctx, result, "", err)
		return result, false
	}

	scriptPath, err := s.writeScript(role, task, absWorkDir)
	if err != nil {
		s.abort(ctx, result, "", err)
		return result, false
	}
	pid, err := s.launcher.Launch(ctx, scriptPath, absWorkDir)
	if err != nil {
		s.abort(ctx, result, scriptPath, err)
		return result, false
	}
	result.PID = pid
	result.LogPath = filepath.Join(s.logDir(), fmt.Sprintf("%s_%d.log", role, pid))

	if err := s.registry.AddAgent(ctx, role, pid, result.WorkspacePath, task); err != nil {
		_, _ = s.terminate(ctx, pid, s.stopGrace())
		s.abort(ctx, result, scriptPath, err)
		return result, false
	}

	logging.Info(ctx, "worker spawned", "role", string(role), "pid", pid, "workspace", result.WorkspacePath)
	s.emit(ctx, model.Event{
		Topic:   model.TopicWorkerSpawned,
		Actor:   model.EventActorSystem,
		Role:    role,
		PID:     pid,
		Summary: task,
		Attributes: map[string]string{
			"workspace": result.WorkspacePath,
			"log_path":  result.LogPath,
		},
	})
	return result, true
}

// Stop terminates the worker and records it as stopped. A process that is
// already gone counts as stopped.
// Stop only signals pids registered as running workers. Unknown pids return
// ErrAgentNotFound untouched; workers already terminal are a no-op.
func (s *Spawner) Stop(ctx context.Context, pid int) error {
	status, found, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(store.ErrAgentNotFound, "pid %d", pid)
	}
	if status.Terminal() {
		logging.Debug(ctx, "worker already terminal", "pid", pid, "status", string(status))
		return nil
	}
	killed, err := s.terminate(ctx, pid, s.stopGrace())
	if err != nil {
		return errors.Wrapf(err, "terminate pid %d", pid)
	}
	now := s.now()
	if err := s.registry.UpdateAgentStatus(ctx, pid, model.WorkerStatusStopped, &now); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			logging.Debug(ctx, "worker already terminal", "pid", pid)
			return nil
		}
		return err
	}
	logging.Info(ctx, "worker stopped", "pid", pid, "forced", killed)
	s.emit(ctx, model.Event{
		Topic:      model.TopicWorkerStopped,
		Actor:      model.EventActorOperator,
		PID:        pid,
		Attributes: map[string]string{"forced": fmt.Sprintf("%t", killed)},
	})
	return nil
}

func (s *Spawner) lookup(pid int) (model.WorkerStatus, bool, error) {
	agents, err := s.registry.GetAllAgents()
	if err != nil {
		return "", false, errors.Wrap(err, "read workers")
	}
	var status model.WorkerStatus
	found := false
	for _, agent := range agents {
		if agent.PID != pid {
			continue
		}
		if agent.Status == model.WorkerStatusRunning {
			return agent.Status, true, nil
		}
		status, found = agent.Status, true
	}
	return status, found, nil
}

func (s *Spawner) writeScript(role model.Role, task string, workDir string) (string, error) {
	scriptDir := s.resolve(s.cfg.Spawner.ScriptDir)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create script dir")
	}
	logDir := s.logDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create log dir")
	}
	script := RenderScript(ScriptParams{
		Role:             role,
		WorkDir:          workDir,
		LogDir:           logDir,
		InstructionsFile: s.cfg.Spawner.InstructionsFile,
		Instructions:     BuildInstructions(s.cfg, role, task),
		AgentCommand:     s.cfg.Spawner.AgentCommand,
		AgentArgs:        s.cfg.Spawner.AgentArgs,
	})
	name := fmt.Sprintf("%s-%s.sh", role, s.now().UTC().Format("20060102-150405.000000000"))
	path := filepath.Join(scriptDir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", errors.Wrap(err, "write worker script")
	}
	return path, nil
}

func (s *Spawner) abort(ctx context.Context, result Result, scriptPath string, cause error) {
	logging.Error(ctx, cause, "spawn failed", "kind", string(model.FailureSpawn), "role", string(result.Role))
	if result.WorkspacePath != "" {
		if err := s.workspaces.DestroyWorkspace(ctx, result.WorkspacePath); err != nil {
			logging.Error(ctx, err, "cleanup workspace failed", "path", result.WorkspacePath)
		}
	}
	if scriptPath != "" {
		_ = os.Remove(scriptPath)
	}
}

func (s *Spawner) emit(ctx context.Context, event model.Event) {
	if s.events != nil {
		s.events.Emit(ctx, event)
	}
}

func (s *Spawner) logDir() string {
	return s.resolve(s.cfg.Spawner.LogDir)
}

func (s *Spawner) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func (s *Spawner) stopGrace() time.Duration {
	if s.cfg.Spawner.StopGraceSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.cfg.Spawner.StopGraceSeconds) * time.Second
}

// ExecLauncher runs the script with /bin/sh in its own process group so it
// outlives the orchestrator and receives group signals on stop. OnExit, when
// set, receives the exit status of workers this process launched.
type ExecLauncher struct {
	OnExit func(pid int, exitErr error)
}

func (l ExecLauncher) Launch(ctx context.Context, scriptPath string, dir string) (int, error) {
	_ = ctx
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start worker script")
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		if l.OnExit != nil {
			l.OnExit(pid, err)
		}
	}()
	return pid, nil
}
