package recovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewctl/internal/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func newTestEngine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		PatternsPath: filepath.Join(dir, "patterns.json"),
		HistoryPath:  filepath.Join(dir, "history.json"),
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestAnalyzeClassifiesBuiltinCategories(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		err      error
		category model.ErrorCategory
		auto     bool
	}{
		{"network", NewError("ConnectionError", "dial tcp: connection refused"), model.ErrorCategoryNetwork, true},
		{"timeout", errors.Wrap(context.DeadlineExceeded, "fetch"), model.ErrorCategoryTimeout, true},
		{"dependency", NewError("ModuleNotFoundError", "No module named requests"), model.ErrorCategoryDependency, true},
		{"memory", NewError("MemoryError", "cannot allocate memory"), model.ErrorCategoryMemory, false},
		{"critical", NewError("SystemError", "Segmentation fault (core dumped)"), model.ErrorCategoryCritical, false},
		{"unknown", NewError("ValueError", "unexpected answer"), model.ErrorCategoryUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analysis := engine.Analyze(ctx, tc.err, nil)
			assert.Equal(t, tc.category, analysis.Error.Category)
			assert.Equal(t, tc.auto, analysis.AutoRecoverable)
			assert.NotEmpty(t, analysis.Suggestions)
		})
	}
}

func TestAnalyzeMatchesWholeWordsOnly(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	zoom := engine.Analyze(ctx, NewError("LoadError", "cannot find module 'zoom-sdk'"), nil)
	assert.Equal(t, model.ErrorCategoryDependency, zoom.Error.Category)
	assert.True(t, zoom.AutoRecoverable)
	assert.Equal(t, model.RecoveryActionInstallDependencies, zoom.Suggestions[0].Action)

	classroom := engine.Analyze(ctx, NewError("IOError", "no such file or directory: classroom.json"), map[string]string{ContextKeyPath: "classroom.json"})
	assert.Equal(t, model.ErrorCategoryFilesystem, classroom.Error.Category)
	assert.True(t, classroom.AutoRecoverable)
	assert.Equal(t, model.RecoveryActionFindSimilarFiles, classroom.Suggestions[0].Action)

	cases := []struct {
		message  string
		category model.ErrorCategory
	}{
		{"bloom filter rebuild requested", model.ErrorCategoryUnknown},
		{"cannot find module 'dns-packet'", model.ErrorCategoryDependency},
		{"cannot find module 'networkx'", model.ErrorCategoryDependency},
		{"no such file or directory: corrupted-sample.txt", model.ErrorCategoryFilesystem},
		{"worker was OOM-killed", model.ErrorCategoryMemory},
		{"Out of memory: Killed process 4242 (agent)", model.ErrorCategoryMemory},
		{"temporary failure in name resolution", model.ErrorCategoryNetwork},
		{"database disk image is malformed", model.ErrorCategoryCritical},
	}
	for _, tc := range cases {
		analysis := engine.Analyze(ctx, NewError("WorkerError", tc.message), nil)
		assert.Equal(t, tc.category, analysis.Error.Category, tc.message)
	}
}

func TestAnalyzeFilesystemErrorNeedsPathForAutomaticActions(t *testing.T) {
	engine := newTestEngine(t, nil)
	err := &fs.PathError{Op: "open", Path: "/tmp/missing.yaml", Err: fs.ErrNotExist}

	withoutPath := engine.Analyze(context.Background(), err, nil)
	assert.Equal(t, model.ErrorCategoryFilesystem, withoutPath.Error.Category)
	assert.False(t, withoutPath.AutoRecoverable)

	withPath := engine.Analyze(context.Background(), err, map[string]string{ContextKeyPath: "/tmp/missing.yaml"})
	assert.True(t, withPath.AutoRecoverable)
	assert.Equal(t, model.RecoveryActionFindSimilarFiles, withPath.Suggestions[0].Action)
	assert.Equal(t, "*fs.PathError", withPath.Error.Type)
}

func TestSuggestionsAreRankedByConfidence(t *testing.T) {
	engine := newTestEngine(t, nil)
	analysis := engine.Analyze(context.Background(), NewError("ConnectionError", "connection reset by peer"), nil)
	for i := 1; i < len(analysis.Suggestions); i++ {
		assert.GreaterOrEqual(t, analysis.Suggestions[i-1].Confidence, analysis.Suggestions[i].Confidence)
	}
}

func TestLearnedRecoveryIsSuggestedForSameErrorType(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	learned, err := engine.LearnFromManualRecovery(ctx,
		NewError("ServiceError", "service unavailable on port 8080"),
		map[string]string{ContextKeyRole: "backend"},
		[]string{"restart service", "retry"}, "service came back")
	require.NoError(t, err)
	assert.Equal(t, "service unavailable on port <num>", learned.Signature.MessageTemplate)
	assert.Len(t, learned.SuccessfulRecoveries, 1)

	analysis := engine.Analyze(ctx, NewError("ServiceError", "service unavailable on port 9090"), map[string]string{ContextKeyRole: "qa"})
	var fromPattern *model.RecoverySuggestion
	for i := range analysis.Suggestions {
		if analysis.Suggestions[i].Source == model.SuggestionSourceLearned {
			fromPattern = &analysis.Suggestions[i]
		}
	}
	require.NotNil(t, fromPattern, "expected a learned suggestion in %+v", analysis.Suggestions)
	assert.Equal(t, learned.ID, fromPattern.PatternID)
	assert.Equal(t, []string{"restart service", "retry"}, fromPattern.Steps)
	assert.False(t, fromPattern.AutoExecutable)
	require.Len(t, analysis.MatchedPatterns, 1)
	assert.Equal(t, learned.ID, analysis.MatchedPatterns[0].PatternID)

	other := engine.Analyze(ctx, NewError("DatabaseError", "service unavailable on port 9090"), nil)
	assert.Empty(t, other.MatchedPatterns)
}

func TestLearningTheSameSignatureMergesIntoOnePattern(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := engine.LearnFromManualRecovery(ctx, NewError("BuildError", "build failed in 3 packages"), map[string]string{"a": "1"}, []string{"clean cache"}, "ok")
	require.NoError(t, err)
	second, err := engine.LearnFromManualRecovery(ctx, NewError("BuildError", "build failed in 7 packages"), map[string]string{"b": "2"}, []string{"rebuild"}, "ok")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.SuccessfulRecoveries, 2)
	assert.Equal(t, []string{"a", "b"}, second.Signature.ContextKeys)
	assert.Equal(t, 2, second.Occurrences)

	patterns, err := engine.Patterns()
	require.NoError(t, err)
	assert.Len(t, patterns, 1)

	_, err = engine.LearnFromManualRecovery(ctx, NewError("BuildError", "x"), nil, nil, "ok")
	assert.Error(t, err)
}

func TestPatternsPersistAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	opts := func(o *Options) {
		o.PatternsPath = filepath.Join(dir, "patterns.json")
		o.HistoryPath = filepath.Join(dir, "history.json")
	}
	first := newTestEngine(t, opts)
	_, err := first.LearnFromManualRecovery(context.Background(), NewError("ServiceError", "service unavailable"), nil, []string{"restart service"}, "ok")
	require.NoError(t, err)

	second := newTestEngine(t, opts)
	analysis := second.Analyze(context.Background(), NewError("ServiceError", "service unavailable"), nil)
	assert.Len(t, analysis.MatchedPatterns, 1)
}

func TestRetryBackoffStopsWhenContextEnds(t *testing.T) {
	engine := newTestEngine(t, func(o *Options) { o.RetryBackoff = 30 * time.Second })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	analysis := engine.Analyze(ctx, NewError("ConnectionError", "connection refused"), nil)
	calls := 0
	started := time.Now()
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{Retry: func(context.Context) error {
		calls++
		return errors.New("still refused")
	}})

	assert.False(t, result.Recovered)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(started), 5*time.Second, "backoff must not outlive the context")
}

func TestAttemptRecoveryRetriesUntilSuccess(t *testing.T) {
	events := &recordingEmitter{}
	engine := newTestEngine(t, func(o *Options) { o.Events = events })
	ctx := context.Background()

	analysis := engine.Analyze(ctx, NewError("ConnectionError", "connection refused"), nil)
	calls := 0
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{Retry: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("still refused")
		}
		return nil
	}})

	assert.True(t, result.Recovered)
	assert.Equal(t, string(model.RecoveryActionRetry), result.Action)
	assert.Equal(t, 2, calls)
	require.Len(t, result.Attempts, 1)

	stats, err := engine.RecoveryStatistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 1, stats.ByAction[model.RecoveryActionRetry])

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.events, 1)
	assert.Equal(t, model.TopicRecoveryAttempted, events.events[0].Topic)
	assert.Equal(t, "true", events.events[0].Attributes["success"])
}

func TestAttemptRecoveryFallsThroughFailedActions(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	missing := filepath.Join(dir, "settings.json")
	err := &fs.PathError{Op: "open", Path: missing, Err: fs.ErrNotExist}

	analysis := engine.Analyze(ctx, err, map[string]string{ContextKeyPath: missing})
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{Path: missing, DefaultContent: "{}\n"})

	require.True(t, result.Recovered)
	assert.Equal(t, string(model.RecoveryActionCreateDefaultFile), result.Action)
	require.Len(t, result.Attempts, 2)
	assert.False(t, result.Attempts[0].Success)
	data, readErr := os.ReadFile(missing)
	require.NoError(t, readErr)
	assert.Equal(t, "{}\n", string(data))

	stats, statsErr := engine.RecoveryStatistics()
	require.NoError(t, statsErr)
	assert.Equal(t, 2, stats.TotalAttempts)
	assert.Equal(t, 0.5, stats.SuccessRate)
}

func TestAttemptRecoveryFindsSimilarFiles(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("a: 1\n"), 0o644))
	missing := filepath.Join(dir, "config.yaml")

	analysis := engine.Analyze(ctx, &fs.PathError{Op: "open", Path: missing, Err: fs.ErrNotExist}, map[string]string{ContextKeyPath: missing})
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{Path: missing})

	require.True(t, result.Recovered)
	assert.Equal(t, string(model.RecoveryActionFindSimilarFiles), result.Action)
	assert.Equal(t, []string{filepath.Join(dir, "config.yml")}, result.Findings)
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAttemptRecoveryInstallsFromDetectedManifest(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "requirements.txt"), []byte("requests\n"), 0o644))

	var ran []string
	engine.run = func(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
		ran = append(ran, dir, name)
		ran = append(ran, args...)
		return nil, nil
	}

	analysis := engine.Analyze(ctx, NewError("ModuleNotFoundError", "No module named requests"), map[string]string{ContextKeyProjectDir: project})
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{ProjectDir: project})

	require.True(t, result.Recovered)
	assert.Equal(t, string(model.RecoveryActionInstallDependencies), result.Action)
	assert.Equal(t, []string{project, "pip", "install", "-r", "requirements.txt"}, ran)
}

func TestAttemptRecoverySurvivesPanickingAction(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	analysis := Analysis{
		Error:           ErrorInfo{Type: "Custom", Category: model.ErrorCategoryNetwork},
		AutoRecoverable: true,
		Suggestions: []model.RecoverySuggestion{
			{Action: model.RecoveryActionRetry, AutoExecutable: true, Confidence: 0.9},
			{Action: model.RecoveryActionManual, Confidence: 0.5},
		},
	}
	result := engine.AttemptRecovery(ctx, analysis, RecoveryContext{Retry: func(context.Context) error {
		panic("boom")
	}})

	assert.False(t, result.Recovered)
	require.Len(t, result.Attempts, 1)
	assert.Contains(t, result.Attempts[0].Detail, "panicked")
}

func TestAttemptRecoverySkipsNonAutomaticAnalysis(t *testing.T) {
	engine := newTestEngine(t, nil)
	analysis := engine.Analyze(context.Background(), NewError("SystemError", "kernel panic"), nil)
	result := engine.AttemptRecovery(context.Background(), analysis, RecoveryContext{})
	assert.False(t, result.Recovered)
	assert.Empty(t, result.Attempts)
}

func TestLuaRulesExtendClassification(t *testing.T) {
	script := filepath.Join(t.TempDir(), "rules.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
function classify(message, ctx)
  if string.find(message, "quota", 1, true) then
    return {category = "network", suggestions = {
      {description = "wait for the quota window", action = "retry_with_backoff", confidence = 0.99, auto = true},
    }}
  end
  if ctx.role == "ops" then
    return {category = "critical", suggestions = {
      {description = "page ops", action = "retry_with_backoff", confidence = 0.8, auto = true},
    }}
  end
  return nil
end
`), 0o644))
	engine := newTestEngine(t, func(o *Options) { o.RulesScript = script })
	ctx := context.Background()

	quota := engine.Analyze(ctx, NewError("APIError", "quota exhausted"), nil)
	assert.Equal(t, model.ErrorCategoryNetwork, quota.Error.Category)
	require.NotEmpty(t, quota.Suggestions)
	assert.Equal(t, model.SuggestionSourceRule, quota.Suggestions[0].Source)
	assert.True(t, quota.AutoRecoverable)

	ops := engine.Analyze(ctx, NewError("APIError", "odd failure"), map[string]string{ContextKeyRole: "ops"})
	assert.Equal(t, model.ErrorCategoryCritical, ops.Error.Category)
	assert.False(t, ops.AutoRecoverable)
}

func TestLuaRulesRequireClassifyFunction(t *testing.T) {
	_, err := LoadLuaRulesString(`x = 1`)
	assert.Error(t, err)
	rules, err := LoadLuaRulesString(`function classify(m, c) return nil end`)
	require.NoError(t, err)
	defer rules.Close()
	_, ok, err := rules.Evaluate("anything", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupOldDataAgesOutPatternsAndHistory(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return start }
	_, err := engine.LearnFromManualRecovery(ctx, NewError("OldError", "old"), nil, []string{"fix"}, "ok")
	require.NoError(t, err)

	engine.now = func() time.Time { return start.Add(60 * 24 * time.Hour) }
	_, err = engine.LearnFromManualRecovery(ctx, NewError("NewError", "new"), nil, []string{"fix"}, "ok")
	require.NoError(t, err)

	patterns, attempts, err := engine.CleanupOldData(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, patterns)
	assert.Equal(t, 1, attempts)

	remaining, err := engine.Patterns()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "NewError", remaining[0].Signature.ErrorType)

	_, _, err = engine.CleanupOldData(ctx, -1)
	assert.Error(t, err)
}

func TestRecoveryStatisticsRanksErrorTypes(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := engine.LearnFromManualRecovery(ctx, NewError("Frequent", "frequent "+strconv.Itoa(i)), nil, []string{"fix"}, "ok")
		require.NoError(t, err)
	}
	_, err := engine.LearnFromManualRecovery(ctx, NewError("Rare", "rare"), nil, []string{"fix"}, "ok")
	require.NoError(t, err)

	stats, err := engine.RecoveryStatistics()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalAttempts)
	assert.Equal(t, 2, stats.LearnedPatterns)
	require.Len(t, stats.TopErrorTypes, 2)
	assert.Equal(t, ErrorTypeCount{ErrorType: "Frequent", Count: 3}, stats.TopErrorTypes[0])
}

func TestNormalizeMessage(t *testing.T) {
	assert.Equal(t, "open <path>: no such file at line <num>", NormalizeMessage("open /tmp/x/config.yaml: no such file at line 42"))
	assert.Equal(t, "bad pointer <hex>", NormalizeMessage("bad pointer 0xdeadbeef"))
	assert.Equal(t, "cannot import <path>", NormalizeMessage("cannot   import main.go"))
}

func TestNormalizeMessageProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("templates hold no ascii digits", prop.ForAll(
		func(s string) bool {
			for _, r := range NormalizeMessage(s) {
				if r >= '0' && r <= '9' {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))
	properties.Property("messages differing only in numbers share a template", prop.ForAll(
		func(prefix string, a uint32, b uint32) bool {
			left := NormalizeMessage(prefix + " failed after " + strconv.FormatUint(uint64(a), 10) + " tries")
			right := NormalizeMessage(prefix + " failed after " + strconv.FormatUint(uint64(b), 10) + " tries")
			return left == right
		},
		gen.AlphaString(),
		gen.UInt32(),
		gen.UInt32(),
	))
	properties.TestingRun(t)
}
