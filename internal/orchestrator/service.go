package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"crewctl/internal/bus"
	"crewctl/internal/coordinator"
	"crewctl/internal/eventbus"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/monitor"
	"crewctl/internal/policy"
	"crewctl/internal/procs"
	"crewctl/internal/recovery"
	"crewctl/internal/resources"
	"crewctl/internal/spawner"
	"crewctl/internal/store"
	"crewctl/internal/workspace"
)

const recentEventLimit = 20

// Options select the policy and the directory relative policy paths resolve
// against. Launcher and Sampler override process launch and host sampling.
type Options struct {
	PolicyPath string
	Root       string
	Launcher   spawner.Launcher
	Sampler    resources.Sampler
}

// Service is the composition root: it builds every component once and
// injects them into each other.
type Service struct {
	cfg        policy.Config
	policyPath string
	baseCtx    context.Context

	sessions   *store.SessionStore
	events     *eventbus.Runtime
	resources  *resources.Manager
	workspaces *workspace.Provisioner
	spawner    *spawner.Spawner
	monitor    *monitor.Monitor
	bus        *bus.Bus
	recovery   *recovery.Engine

	mu          sync.Mutex
	loop        *monitor.Loop
	loopCancel  context.CancelFunc
	coordinator *coordinator.Coordinator
	recent      []model.Event
	// stopping holds pids whose exit is recorded by Stop, not by the
	// launcher's wait.
	stopping map[int]bool
}

func NewService(ctx context.Context, opts Options) (*Service, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve root")
	}
	policyPath := strings.TrimSpace(opts.PolicyPath)
	if policyPath == "" {
		policyPath = filepath.Join(root, policy.DefaultPolicyPath)
	}
	cfg, policyPath, err := policy.Load(policyPath)
	if err != nil {
		return nil, err
	}
	resolvePaths(&cfg, root)
	return newService(ctx, cfg, policyPath, opts)
}

func newService(ctx context.Context, cfg policy.Config, policyPath string, opts Options) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		policyPath: policyPath,
		baseCtx:    context.WithoutCancel(ctx),
		recent:     []model.Event{},
		stopping:   map[int]bool{},
	}
	s.sessions = store.NewSessionStore(cfg.Session.Path, cfg.Session.LockPath)
	s.events = eventbus.NewRuntime(eventbus.FromPolicy(cfg))
	for _, topic := range []string{model.TopicWorkerExited, model.TopicWorkerStuck, model.TopicRecoveryAttempted, model.TopicCoordinationUpdated} {
		if err := s.events.RegisterHandler(topic, s.observe); err != nil {
			return nil, err
		}
	}
	if err := s.events.Start(s.baseCtx); err != nil {
		return nil, err
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = resources.NewHostSampler(cfg.Workspace.BaseDir)
	}
	s.resources = resources.NewManager(resources.LimitsFromPolicy(cfg), s.sessions, sampler, procs.SignalGroup)
	s.workspaces = workspace.FromPolicy(cfg)
	s.bus = bus.New(cfg.Messages.Dir, cfg.MessagePollInterval(), s.events)
	s.monitor = monitor.New(s.sessions, s.bus, s.events, cfg.MonitorInterval(), cfg.StuckThreshold())

	launcher := opts.Launcher
	if launcher == nil {
		launcher = spawner.ExecLauncher{OnExit: s.handleExit}
	}
	s.spawner = spawner.New(spawner.Options{
		Config:     cfg,
		Admission:  s.resources,
		Workspaces: s.workspaces,
		Registry:   s.sessions,
		Launcher:   launcher,
		Events:     s.events,
		WorkDir:    cfg.Workspace.RepoPath,
	})

	recoveryOpts := recovery.OptionsFromPolicy(cfg)
	recoveryOpts.Events = s.events
	engine, err := recovery.NewEngine(recoveryOpts)
	if err != nil {
		s.events.Stop()
		return nil, err
	}
	s.recovery = engine
	return s, nil
}

func (s *Service) Config() policy.Config { return s.cfg }

func (s *Service) PolicyPath() string { return s.policyPath }

func (s *Service) Sessions() *store.SessionStore { return s.sessions }

func (s *Service) Bus() *bus.Bus { return s.bus }

func (s *Service) Recovery() *recovery.Engine { return s.recovery }

func (s *Service) Workspaces() *workspace.Provisioner { return s.workspaces }

func (s *Service) Resources() *resources.Manager { return s.resources }

// Spawn opens a session when none is active and launches one worker.
func (s *Service) Spawn(ctx context.Context, role string, task string, useWorkspace bool) (spawner.Result, bool) {
	if _, err := s.sessions.EnsureSession(ctx, task); err != nil {
		logging.Error(ctx, err, "open session failed", "kind", string(model.FailureSpawn))
		return spawner.Result{Role: spawner.SanitizeRole(role)}, false
	}
	return s.spawner.Spawn(ctx, role, task, useWorkspace)
}

func (s *Service) Stop(ctx context.Context, pid int) error {
	s.mu.Lock()
	s.stopping[pid] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.stopping, pid)
		s.mu.Unlock()
	}()
	return s.spawner.Stop(ctx, pid)
}

func (s *Service) handleExit(pid int, exitErr error) {
	s.mu.Lock()
	stopping := s.stopping[pid]
	s.mu.Unlock()
	if stopping {
		return
	}
	s.monitor.HandleExit(s.baseCtx, pid, exitErr)
}

// StopAll stops every running worker and returns the pids it stopped.
func (s *Service) StopAll(ctx context.Context) ([]int, error) {
	agents, err := s.sessions.GetActiveAgents()
	if err != nil {
		if errors.Is(err, store.ErrNoSession) {
			return []int{}, nil
		}
		return nil, err
	}
	stopped := []int{}
	var firstErr error
	for _, agent := range agents {
		if err := s.Stop(ctx, agent.PID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped = append(stopped, agent.PID)
	}
	return stopped, firstErr
}

func (s *Service) Reconcile(ctx context.Context) monitor.Report {
	return s.monitor.Reconcile(ctx)
}

// Watch reconciles in the foreground until ctx ends.
func (s *Service) Watch(ctx context.Context, onReport func(monitor.Report)) {
	s.monitor.Run(ctx, onReport)
}

// StartMonitorLoop starts the background monitoring loop once.
func (s *Service) StartMonitorLoop(ctx context.Context) *monitor.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		return s.loop
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loop = monitor.NewLoop(s.monitor, s.events.Healthy, time.Minute)
	s.loopCancel = cancel
	s.loop.Start(loopCtx)
	return s.loop
}

func (s *Service) Coordinate(ctx context.Context, task string) (model.CoordinationStatus, error) {
	if _, err := s.sessions.EnsureSession(ctx, task); err != nil {
		return model.CoordinationStatus{}, err
	}
	c := coordinator.New(coordinator.OptionsFromPolicy(s.cfg), s, s.sessions, s.events)
	s.mu.Lock()
	if s.coordinator != nil {
		s.mu.Unlock()
		return model.CoordinationStatus{}, coordinator.ErrAlreadyRunning
	}
	s.coordinator = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.coordinator = nil
		s.mu.Unlock()
	}()
	return c.Run(ctx, task)
}

// StopCoordination stops a coordination run in this or another process.
func (s *Service) StopCoordination(ctx context.Context) (model.CoordinationStatus, error) {
	s.mu.Lock()
	c := s.coordinator
	s.mu.Unlock()
	if c != nil {
		err := c.Stop(ctx)
		return c.Status(), err
	}
	grace := time.Duration(s.cfg.Coordinator.StopGraceSeconds) * time.Second
	return coordinator.StopFromStatus(ctx, s.cfg.Coordinator.StatusPath, grace, s.Stop)
}

// Shutdown ends background loops and, when stopWorkers is set, terminates
// every running worker and closes the session.
func (s *Service) Shutdown(ctx context.Context, stopWorkers bool) error {
	s.mu.Lock()
	loop := s.loop
	cancel := s.loopCancel
	c := s.coordinator
	s.loop = nil
	s.loopCancel = nil
	s.mu.Unlock()

	var firstErr error
	if cancel != nil {
		cancel()
		loop.Wait(5 * time.Second)
	}
	if c != nil {
		if err := c.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if stopWorkers {
		stopped, err := s.StopAll(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.sessions.CloseSession(ctx); err != nil && !errors.Is(err, store.ErrNoSession) && firstErr == nil {
			firstErr = err
		}
		logging.Info(ctx, "crew shut down", "stopped", len(stopped))
	}
	s.Close()
	return firstErr
}

// Close releases the event bus and rule engine without touching workers.
func (s *Service) Close() {
	s.events.Stop()
	s.recovery.Close()
}

// observe keeps the most recent lifecycle events for status readers.
func (s *Service) observe(ctx context.Context, event model.Event) error {
	logging.Debug(ctx, "crew event", "topic", event.Topic, "pid", event.PID, "summary", event.Summary)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, event)
	if len(s.recent) > recentEventLimit {
		s.recent = append([]model.Event(nil), s.recent[len(s.recent)-recentEventLimit:]...)
	}
	return nil
}

func (s *Service) RecentEvents() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.recent...)
}

// resolvePaths anchors every relative path in cfg at root.
func resolvePaths(cfg *policy.Config, root string) {
	for _, path := range []*string{
		&cfg.Workspace.RepoPath,
		&cfg.Workspace.BaseDir,
		&cfg.Spawner.ScriptDir,
		&cfg.Spawner.LogDir,
		&cfg.Session.Path,
		&cfg.Session.LockPath,
		&cfg.Messages.Dir,
		&cfg.Coordinator.StatusPath,
		&cfg.Recovery.PatternsPath,
		&cfg.Recovery.HistoryPath,
		&cfg.Recovery.RulesScript,
	} {
		value := strings.TrimSpace(*path)
		if value == "" || filepath.IsAbs(value) {
			continue
		}
		*path = filepath.Join(root, value)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
