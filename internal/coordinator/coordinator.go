// Package coordinator drives one task through role-specialist workers in
// dependency order and publishes a status file external callers poll.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"

	"crewctl/internal/eventbus"
	"crewctl/internal/hsm"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
	"crewctl/internal/procs"
	"crewctl/internal/spawner"
	"crewctl/internal/store"
)

var ErrAlreadyRunning = errors.New("coordination already running")

type Spawner interface {
	Spawn(ctx context.Context, role string, task string, useWorkspace bool) (spawner.Result, bool)
	Stop(ctx context.Context, pid int) error
}

type Agents interface {
	GetAllAgents() ([]model.WorkerRecord, error)
}

type Options struct {
	StatusPath    string
	SpawnRetries  int
	RetryBackoff  time.Duration
	StopGrace     time.Duration
	PollInterval  time.Duration
	Timeout       time.Duration
	UseWorkspaces bool
}

func OptionsFromPolicy(cfg policy.Config) Options {
	return Options{
		StatusPath:    cfg.Coordinator.StatusPath,
		SpawnRetries:  cfg.Coordinator.SpawnRetries,
		RetryBackoff:  time.Duration(cfg.Coordinator.RetryBackoffMS) * time.Millisecond,
		StopGrace:     time.Duration(cfg.Coordinator.StopGraceSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Coordinator.PollIntervalSeconds) * time.Second,
		Timeout:       time.Duration(cfg.Coordinator.TimeoutMinutes) * time.Minute,
		UseWorkspaces: true,
	}
}

type Coordinator struct {
	opts    Options
	spawner Spawner
	agents  Agents
	events  eventbus.Emitter
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopped  bool
	status   model.CoordinationStatus
	started  []int
	subtasks int
}

func New(opts Options, sp Spawner, agents Agents, events eventbus.Emitter) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.SpawnRetries <= 0 {
		opts.SpawnRetries = 1
	}
	if strings.TrimSpace(opts.StatusPath) == "" {
		opts.StatusPath = ".crewctl/coordination.json"
	}
	return &Coordinator{opts: opts, spawner: sp, agents: agents, events: events, now: time.Now}
}

// Run blocks until every tier finishes, the timeout elapses, ctx ends or
// Stop is called. Timeouts and stops are reported through the returned
// status, not as errors.
func (c *Coordinator) Run(ctx context.Context, task string) (model.CoordinationStatus, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return model.CoordinationStatus{}, ErrAlreadyRunning
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	c.running = true
	c.stopped = false
	c.cancel = cancel
	c.started = nil
	c.status = model.CoordinationStatus{
		Status:          model.CoordinationInitializing,
		Phase:           "initializing",
		ActiveAgents:    []int{},
		CompletedAgents: []int{},
		CoordinatorPID:  os.Getpid(),
	}
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.publish(ctx, func(s *model.CoordinationStatus) {
		s.Message = "Starting coordination"
	}); err != nil {
		return c.Status(), err
	}

	subtasks := Decompose(task)
	c.mu.Lock()
	c.subtasks = len(subtasks)
	c.mu.Unlock()
	if err := c.transition(ctx, model.CoordinationPlanning, "planning", fmt.Sprintf("Planned %d subtasks", len(subtasks))); err != nil {
		return c.Status(), err
	}
	logging.Info(ctx, "coordination planned", "subtasks", len(subtasks), "task", task)

	for index, tier := range Tiers(subtasks) {
		phase := fmt.Sprintf("tier %d: %s", index+1, tierRoles(tier))
		if err := c.transition(ctx, model.CoordinationSpawning, phase, "Spawning "+tierRoles(tier)); err != nil {
			return c.Status(), err
		}
		pids, spawnErr := c.spawnTier(runCtx, tier)
		if spawnErr != nil {
			return c.finishInterrupted(ctx, runCtx, spawnErr)
		}
		if err := c.transition(ctx, model.CoordinationMonitoring, phase, "Waiting for "+tierRoles(tier)); err != nil {
			return c.Status(), err
		}
		if err := c.awaitTier(runCtx, pids); err != nil {
			return c.finishInterrupted(ctx, runCtx, err)
		}
	}

	status := c.Status()
	if len(status.FailedAgents) > 0 {
		return c.finish(ctx, model.CoordinationFailed, fmt.Sprintf("%d agent(s) failed", len(status.FailedAgents)))
	}
	return c.finish(ctx, model.CoordinationCompleted, "All agents completed")
}

// Stop cancels the run and terminates every worker it started.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	started := append([]int(nil), c.started...)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.stopWorkers(ctx, started)
}

func (c *Coordinator) Status() model.CoordinationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneStatus(c.status)
}

func (c *Coordinator) spawnTier(ctx context.Context, tier []Subtask) ([]int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		pids     []int
		firstErr error
	)
	for _, subtask := range tier {
		wg.Add(1)
		go func(subtask Subtask) {
			defer wg.Done()
			pid, err := c.spawnWithRetry(ctx, subtask)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			pids = append(pids, pid)
		}(subtask)
	}
	wg.Wait()

	c.mu.Lock()
	c.started = append(c.started, pids...)
	c.mu.Unlock()
	return pids, firstErr
}

func (c *Coordinator) spawnWithRetry(ctx context.Context, subtask Subtask) (int, error) {
	var result spawner.Result
	limit := c.opts.SpawnRetries
	attempts := 0
	err := retry.Retry(func(uint) error {
		attempts++
		if err := ctx.Err(); err != nil {
			return err
		}
		spawned, ok := c.spawner.Spawn(ctx, string(subtask.Role), subtask.Task, c.opts.UseWorkspaces)
		if !ok {
			logging.Warn(ctx, "coordination spawn attempt failed", "role", string(subtask.Role), "attempt", attempts, "reasons", spawned.Reasons)
			return errors.Errorf("spawn %s agent", subtask.Role)
		}
		result = spawned
		return nil
	},
		func(uint) bool { return attempts < limit && ctx.Err() == nil },
		backoffUntilDone(ctx, backoff.Exponential(c.opts.RetryBackoff, 2)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		logging.Error(ctx, err, "coordination spawn exhausted", "kind", string(model.FailureCoordinationSpawnRetries), "role", string(subtask.Role), "attempts", attempts)
		return 0, errors.Errorf("failed to spawn %s agent after %d attempts", subtask.Role, attempts)
	}
	_ = c.publish(ctx, func(s *model.CoordinationStatus) {
		s.ActiveAgents = appendUnique(s.ActiveAgents, result.PID)
	})
	return result.PID, nil
}

// awaitTier polls the session until every pid in the tier is terminal.
func (c *Coordinator) awaitTier(ctx context.Context, pids []int) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		done, err := c.refresh(ctx, pids)
		if err != nil {
			logging.Warn(ctx, "coordination poll failed", "error", err.Error())
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) refresh(ctx context.Context, tierPIDs []int) (bool, error) {
	agents, err := c.agents.GetAllAgents()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	started := map[int]bool{}
	for _, pid := range c.started {
		started[pid] = true
	}
	c.mu.Unlock()

	byPID := map[int]model.WorkerRecord{}
	for _, agent := range agents {
		byPID[agent.PID] = agent
	}
	active, completed, failed := []int{}, []int{}, []int{}
	var durations []time.Duration
	for pid := range started {
		agent, ok := byPID[pid]
		switch {
		case !ok:
			failed = append(failed, pid)
		case agent.Status == model.WorkerStatusRunning:
			active = append(active, pid)
		case agent.Status == model.WorkerStatusCompleted:
			completed = append(completed, pid)
			durations = append(durations, agent.Elapsed(c.now()))
		default:
			failed = append(failed, pid)
			durations = append(durations, agent.Elapsed(c.now()))
		}
	}
	sort.Ints(active)
	sort.Ints(completed)
	sort.Ints(failed)

	tierDone := true
	for _, pid := range tierPIDs {
		if agent, ok := byPID[pid]; ok && agent.Status == model.WorkerStatusRunning {
			tierDone = false
		}
	}

	err = c.publish(ctx, func(s *model.CoordinationStatus) {
		s.ActiveAgents = active
		s.CompletedAgents = completed
		s.FailedAgents = failed
		finished := len(completed) + len(failed)
		if c.subtasks > 0 {
			s.ProgressPercentage = finished * 100 / c.subtasks
		}
		s.EstimatedCompletion = estimate(c.now(), durations, c.subtasks-finished)
		s.Message = fmt.Sprintf("%d active, %d completed, %d failed", len(active), len(completed), len(failed))
	})
	return tierDone, err
}

func (c *Coordinator) finishInterrupted(ctx context.Context, runCtx context.Context, cause error) (model.CoordinationStatus, error) {
	c.mu.Lock()
	stopped := c.stopped
	started := append([]int(nil), c.started...)
	c.mu.Unlock()
	cleanupCtx := context.WithoutCancel(ctx)

	switch {
	case stopped:
		return c.finish(ctx, model.CoordinationStopped, "Coordination stopped")
	case ctx.Err() != nil:
		_ = c.stopWorkers(cleanupCtx, started)
		return c.finish(ctx, model.CoordinationStopped, "Coordination interrupted")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		logging.Warn(ctx, "coordination timed out", "timeout", c.opts.Timeout.String())
		_ = c.stopWorkers(cleanupCtx, started)
		return c.finish(ctx, model.CoordinationFailed, fmt.Sprintf("Coordination timed out after %s", c.opts.Timeout))
	default:
		_ = c.stopWorkers(cleanupCtx, started)
		return c.finish(ctx, model.CoordinationFailed, cause.Error())
	}
}

func (c *Coordinator) finish(ctx context.Context, state model.CoordinationState, message string) (model.CoordinationStatus, error) {
	err := c.transition(ctx, state, string(state), message)
	status := c.Status()
	logging.Info(ctx, "coordination finished", "status", string(status.Status), "message", status.Message)
	return status, err
}

func (c *Coordinator) stopWorkers(ctx context.Context, pids []int) error {
	var firstErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := c.spawner.Stop(ctx, pid); err != nil && !errors.Is(err, store.ErrAgentNotFound) {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(pid)
	}
	wg.Wait()
	return firstErr
}

func (c *Coordinator) transition(ctx context.Context, to model.CoordinationState, phase string, message string) error {
	c.mu.Lock()
	from := c.status.Status
	c.mu.Unlock()
	if !hsm.CanTransitionCoordination(from, to) {
		logging.Warn(ctx, "illegal coordination transition", "from", string(from), "to", string(to))
		return nil
	}
	return c.publish(ctx, func(s *model.CoordinationStatus) {
		s.Status = to
		s.Phase = phase
		s.Message = message
		if to == model.CoordinationCompleted {
			s.ProgressPercentage = 100
			s.EstimatedCompletion = nil
		}
		if to.Terminal() {
			s.ActiveAgents = []int{}
		}
	})
}

// publish applies fn, rewrites the status file and emits an update.
func (c *Coordinator) publish(ctx context.Context, fn func(*model.CoordinationStatus)) error {
	c.mu.Lock()
	fn(&c.status)
	c.status.UpdatedAt = c.now().UTC()
	snapshot := cloneStatus(c.status)
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal coordination status")
	}
	if err := store.WriteFileAtomic(c.opts.StatusPath, data, 0o644); err != nil {
		return err
	}
	if c.events != nil {
		c.events.Emit(ctx, model.Event{
			Topic:   model.TopicCoordinationUpdated,
			Actor:   model.EventActorCoordinator,
			Summary: snapshot.Message,
			Attributes: map[string]string{
				"status":   string(snapshot.Status),
				"phase":    snapshot.Phase,
				"progress": fmt.Sprintf("%d", snapshot.ProgressPercentage),
			},
		})
	}
	return nil
}

// ReadStatus loads a coordination status file.
func ReadStatus(path string) (model.CoordinationStatus, bool, error) {
	data, ok, err := store.ReadFileIfExists(path)
	if err != nil || !ok {
		return model.CoordinationStatus{}, false, err
	}
	var status model.CoordinationStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return model.CoordinationStatus{}, false, errors.Wrapf(err, "parse %s", path)
	}
	return status, true, nil
}

// StopFromStatus stops a coordination running in another process: it
// terminates the coordinator pid recorded in the status file, then every
// worker still listed active, escalating to SIGKILL after grace.
func StopFromStatus(ctx context.Context, path string, grace time.Duration, stopWorker func(ctx context.Context, pid int) error) (model.CoordinationStatus, error) {
	status, ok, err := ReadStatus(path)
	if err != nil {
		return status, err
	}
	if !ok {
		return status, errors.Errorf("no coordination status at %s", path)
	}
	if status.CoordinatorPID > 0 && status.CoordinatorPID != os.Getpid() {
		if _, err := procs.Terminate(ctx, status.CoordinatorPID, grace); err != nil {
			return status, errors.Wrapf(err, "terminate coordinator %d", status.CoordinatorPID)
		}
	}
	var firstErr error
	for _, pid := range status.ActiveAgents {
		if err := stopWorker(ctx, pid); err != nil && firstErr == nil && !errors.Is(err, store.ErrAgentNotFound) {
			firstErr = err
		}
	}
	if !status.Status.Terminal() {
		status.Status = model.CoordinationStopped
		status.Phase = string(model.CoordinationStopped)
		status.Message = "Coordination stopped by operator"
		status.ActiveAgents = []int{}
		status.UpdatedAt = time.Now().UTC()
		data, err := json.MarshalIndent(status, "", "  ")
		if err == nil {
			err = store.WriteFileAtomic(path, data, 0o644)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return status, firstErr
}

// estimate projects the remaining work from the mean duration of finished
// workers. It is nil until at least one worker has finished.
func estimate(now time.Time, durations []time.Duration, remaining int) *time.Time {
	if len(durations) == 0 || remaining <= 0 {
		return nil
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	mean := total / time.Duration(len(durations))
	at := now.Add(mean * time.Duration(remaining)).UTC()
	return &at
}

func tierRoles(tier []Subtask) string {
	roles := make([]string, 0, len(tier))
	for _, subtask := range tier {
		roles = append(roles, string(subtask.Role))
	}
	return strings.Join(roles, ", ")
}

func cloneStatus(status model.CoordinationStatus) model.CoordinationStatus {
	out := status
	out.ActiveAgents = append([]int{}, status.ActiveAgents...)
	out.CompletedAgents = append([]int{}, status.CompletedAgents...)
	if status.FailedAgents != nil {
		out.FailedAgents = append([]int{}, status.FailedAgents...)
	}
	if status.EstimatedCompletion != nil {
		at := *status.EstimatedCompletion
		out.EstimatedCompletion = &at
	}
	return out
}

func appendUnique(values []int, value int) []int {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

// backoffUntilDone waits like strategy.Backoff but stops retrying as soon as ctx is done.
func backoffUntilDone(ctx context.Context, algorithm backoff.Algorithm) strategy.Strategy {
	return func(attempt uint) bool {
		if attempt == 0 {
			return ctx.Err() == nil
		}
		timer := time.NewTimer(algorithm(attempt))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
}
