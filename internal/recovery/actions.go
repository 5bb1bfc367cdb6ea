package recovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"crewctl/internal/logging"
	"crewctl/internal/model"
)

// CommandRunner executes a dependency installer inside dir.
type CommandRunner func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RecoveryContext supplies what the automatic actions act on.
type RecoveryContext struct {
	Retry          func(ctx context.Context) error
	Path           string
	ProjectDir     string
	DefaultContent string
}

type AttemptOutcome struct {
	Action  model.RecoveryAction `json:"action"`
	Success bool                 `json:"success"`
	Detail  string               `json:"detail,omitempty"`
}

type RecoveryResult struct {
	Recovered bool             `json:"recovered"`
	Action    string           `json:"action,omitempty"`
	Attempts  []AttemptOutcome `json:"attempts"`
	Findings  []string         `json:"findings,omitempty"`
}

type manifest struct {
	file string
	name string
	args []string
}

// manifests are probed in order; the first present file picks the installer.
var manifests = []manifest{
	{file: "go.mod", name: "go", args: []string{"mod", "download"}},
	{file: "package.json", name: "npm", args: []string{"install"}},
	{file: "requirements.txt", name: "pip", args: []string{"install", "-r", "requirements.txt"}},
	{file: "Cargo.toml", name: "cargo", args: []string{"fetch"}},
	{file: "Gemfile", name: "bundle", args: []string{"install"}},
}

// AttemptRecovery runs the automatic suggestions of analysis in ranked order
// and stops at the first one that succeeds. Every attempt is recorded.
func (e *Engine) AttemptRecovery(ctx context.Context, analysis Analysis, rc RecoveryContext) RecoveryResult {
	result := RecoveryResult{Attempts: []AttemptOutcome{}}
	if !analysis.AutoRecoverable {
		return result
	}
	for _, suggestion := range analysis.Suggestions {
		if !suggestion.AutoExecutable {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		started := e.now()
		detail, findings, err := e.runAction(ctx, suggestion.Action, rc)
		outcome := AttemptOutcome{Action: suggestion.Action, Success: err == nil, Detail: detail}
		if err != nil {
			outcome.Detail = err.Error()
			logging.Warn(ctx, "recovery action failed", "kind", string(model.FailureRecoveryActionFailure), "action", string(suggestion.Action), "error", err.Error())
		}
		result.Attempts = append(result.Attempts, outcome)
		e.record(ctx, analysis.Error, outcome, e.now().Sub(started))
		if err == nil {
			result.Recovered = true
			result.Action = string(suggestion.Action)
			result.Findings = findings
			break
		}
	}
	return result
}

// runAction converts panics in an action into a failed attempt.
func (e *Engine) runAction(ctx context.Context, action model.RecoveryAction, rc RecoveryContext) (detail string, findings []string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Errorf("recovery action %s panicked: %v", action, recovered)
		}
	}()
	switch action {
	case model.RecoveryActionRetry:
		return e.retryWithBackoff(ctx, rc)
	case model.RecoveryActionCreateDefaultFile:
		return createDefaultFile(rc)
	case model.RecoveryActionFindSimilarFiles:
		return findSimilarFiles(rc)
	case model.RecoveryActionInstallDependencies:
		return e.installDependencies(ctx, rc)
	default:
		return "", nil, errors.Errorf("unsupported recovery action %q", action)
	}
}

func (e *Engine) retryWithBackoff(ctx context.Context, rc RecoveryContext) (string, []string, error) {
	if rc.Retry == nil {
		return "", nil, errors.New("no retry operation supplied")
	}
	attempts := 0
	limit := e.opts.MaxRetries
	err := retry.Retry(func(uint) error {
		attempts++
		if err := ctx.Err(); err != nil {
			return err
		}
		return rc.Retry(ctx)
	},
		func(uint) bool { return attempts < limit && ctx.Err() == nil },
		backoffUntilDone(ctx, backoff.Exponential(e.opts.RetryBackoff, 2)),
	)
	if err != nil {
		return "", nil, errors.Wrapf(err, "retry failed after %d attempts", attempts)
	}
	return fmt.Sprintf("succeeded after %d attempt(s)", attempts), nil, nil
}

func createDefaultFile(rc RecoveryContext) (string, []string, error) {
	path := strings.TrimSpace(rc.Path)
	if path == "" {
		return "", nil, errors.New("no path supplied")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil, errors.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, errors.Wrapf(err, "create parent of %s", path)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", nil, errors.Wrapf(err, "create %s", path)
	}
	defer file.Close()
	if _, err := file.WriteString(rc.DefaultContent); err != nil {
		return "", nil, errors.Wrapf(err, "write %s", path)
	}
	return "created " + path, nil, nil
}

// findSimilarFiles succeeds when the parent directory of the missing path
// holds a file whose name shares its stem or extension-free prefix.
func findSimilarFiles(rc RecoveryContext) (string, []string, error) {
	path := strings.TrimSpace(rc.Path)
	if path == "" {
		return "", nil, errors.New("no path supplied")
	}
	dir := filepath.Dir(path)
	base := strings.ToLower(filepath.Base(path))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, errors.Errorf("directory %s does not exist", dir)
		}
		return "", nil, errors.Wrapf(err, "read %s", dir)
	}
	matches := []string{}
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		candidateStem := strings.TrimSuffix(name, filepath.Ext(name))
		if name == base {
			continue
		}
		if candidateStem == stem || (stem != "" && strings.Contains(name, stem)) || (candidateStem != "" && strings.Contains(stem, candidateStem)) {
			matches = append(matches, filepath.Join(dir, entry.Name()))
		}
	}
	if len(matches) == 0 {
		return "", nil, errors.Errorf("no files similar to %s", filepath.Base(path))
	}
	return fmt.Sprintf("found %d similar file(s)", len(matches)), matches, nil
}

func (e *Engine) installDependencies(ctx context.Context, rc RecoveryContext) (string, []string, error) {
	dir := strings.TrimSpace(rc.ProjectDir)
	if dir == "" {
		return "", nil, errors.New("no project directory supplied")
	}
	for _, m := range manifests {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err != nil {
			continue
		}
		out, err := e.run(ctx, dir, m.name, m.args...)
		if err != nil {
			return "", nil, errors.Errorf("%s %s failed: %v: %s", m.name, strings.Join(m.args, " "), err, strings.TrimSpace(string(out)))
		}
		return fmt.Sprintf("ran %s %s for %s", m.name, strings.Join(m.args, " "), m.file), nil, nil
	}
	return "", nil, errors.Errorf("no dependency manifest found in %s", dir)
}

func (e *Engine) record(ctx context.Context, info ErrorInfo, outcome AttemptOutcome, elapsed time.Duration) {
	attempt := model.RecoveryAttempt{
		ID:         uuid.NewString(),
		ErrorType:  info.Type,
		Category:   info.Category,
		Message:    info.Message,
		Action:     outcome.Action,
		Success:    outcome.Success,
		Detail:     outcome.Detail,
		Timestamp:  e.now().UTC(),
		DurationMS: elapsed.Milliseconds(),
	}
	e.mu.Lock()
	err := e.appendHistory(attempt)
	e.mu.Unlock()
	if err != nil {
		logging.Warn(ctx, "recovery history write failed", "error", err.Error())
	}
	if e.events != nil {
		verdict := "failed"
		if outcome.Success {
			verdict = "succeeded"
		}
		e.events.Emit(ctx, model.Event{
			Topic:   model.TopicRecoveryAttempted,
			Key:     attempt.ID,
			Actor:   model.EventActorSystem,
			Summary: fmt.Sprintf("%s %s", outcome.Action, verdict),
			Attributes: map[string]string{
				"error_type": info.Type,
				"category":   string(info.Category),
				"action":     string(outcome.Action),
				"success":    fmt.Sprintf("%t", outcome.Success),
			},
		})
	}
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
