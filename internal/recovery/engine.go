// Package recovery classifies worker failures, ranks remediations from a
// builtin rule table, learned patterns and optional Lua rules, and runs the
// automatic ones.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"crewctl/internal/eventbus"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
	"crewctl/internal/store"
)

const (
	ContextKeyPath       = "path"
	ContextKeyProjectDir = "project_dir"
	ContextKeyRole       = "role"
	ContextKeyKind       = "kind"
)

// TypedError carries an explicit error type for failures reported as text,
// such as a worker log line.
type TypedError struct {
	Type    string
	Message string
}

func (e *TypedError) Error() string { return e.Message }

func (e *TypedError) ErrorType() string { return e.Type }

func NewError(errorType string, message string) error {
	return &TypedError{Type: errorType, Message: message}
}

type ErrorInfo struct {
	Type        string              `json:"type"`
	Message     string              `json:"message"`
	Template    string              `json:"template"`
	Category    model.ErrorCategory `json:"category"`
	ContextKeys []string            `json:"context_keys"`
}

type PatternMatch struct {
	PatternID  string  `json:"pattern_id"`
	Confidence float64 `json:"confidence"`
}

type Analysis struct {
	Error           ErrorInfo                  `json:"error"`
	MatchedPatterns []PatternMatch             `json:"matched_patterns"`
	Suggestions     []model.RecoverySuggestion `json:"suggestions"`
	AutoRecoverable bool                       `json:"auto_recoverable"`
}

type ErrorTypeCount struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

type Statistics struct {
	TotalAttempts   int                          `json:"total_attempts"`
	Successful      int                          `json:"successful"`
	SuccessRate     float64                      `json:"success_rate"`
	ByAction        map[model.RecoveryAction]int `json:"by_action"`
	TopErrorTypes   []ErrorTypeCount             `json:"top_error_types"`
	LearnedPatterns int                          `json:"learned_patterns"`
}

type Options struct {
	PatternsPath string
	HistoryPath  string
	RulesScript  string
	MaxRetries   int
	RetryBackoff time.Duration
	Events       eventbus.Emitter
}

func OptionsFromPolicy(cfg policy.Config) Options {
	return Options{
		PatternsPath: cfg.Recovery.PatternsPath,
		HistoryPath:  cfg.Recovery.HistoryPath,
		RulesScript:  cfg.Recovery.RulesScript,
		MaxRetries:   cfg.Recovery.MaxRetries,
		RetryBackoff: time.Duration(cfg.Coordinator.RetryBackoffMS) * time.Millisecond,
	}
}

type Engine struct {
	opts   Options
	rules  *LuaRules
	events eventbus.Emitter
	run    CommandRunner
	now    func() time.Time

	mu sync.Mutex
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	engine := &Engine{opts: opts, events: opts.Events, run: execRunner, now: time.Now}
	if strings.TrimSpace(opts.RulesScript) != "" {
		rules, err := LoadLuaRules(opts.RulesScript)
		if err != nil {
			return nil, err
		}
		engine.rules = rules
	}
	return engine, nil
}

func (e *Engine) Close() {
	e.rules.Close()
}

// Analyze classifies err and ranks remediations. It never fails; a broken
// pattern store or rule script only narrows the suggestions.
func (e *Engine) Analyze(ctx context.Context, err error, errCtx map[string]string) Analysis {
	info := describe(err, errCtx)
	category, suggestions := classify(err, info.Message, errCtx)
	info.Category = category

	if e.rules != nil {
		verdict, ok, ruleErr := e.rules.Evaluate(info.Message, errCtx)
		switch {
		case ruleErr != nil:
			logging.Warn(ctx, "recovery rule failed", "error", ruleErr.Error())
		case ok:
			if verdict.Category != "" {
				info.Category = verdict.Category
			}
			suggestions = append(suggestions, verdict.Suggestions...)
		}
	}

	analysis := Analysis{Error: info, MatchedPatterns: []PatternMatch{}}
	patterns, loadErr := e.loadPatterns()
	if loadErr != nil {
		logging.Warn(ctx, "recovery patterns unreadable", "error", loadErr.Error())
	}
	for _, pattern := range patterns {
		confidence := matchConfidence(pattern, info)
		if confidence <= 0 || len(pattern.SuccessfulRecoveries) == 0 {
			continue
		}
		analysis.MatchedPatterns = append(analysis.MatchedPatterns, PatternMatch{PatternID: pattern.ID, Confidence: confidence})
		latest := pattern.SuccessfulRecoveries[len(pattern.SuccessfulRecoveries)-1]
		suggestions = append(suggestions, model.RecoverySuggestion{
			Description: fmt.Sprintf("Repeat the recovery that worked %d time(s) before: %s", len(pattern.SuccessfulRecoveries), strings.Join(latest.Steps, ", ")),
			Action:      model.RecoveryActionManual,
			Steps:       append([]string(nil), latest.Steps...),
			Confidence:  confidence,
			Source:      model.SuggestionSourceLearned,
			PatternID:   pattern.ID,
		})
	}
	sort.SliceStable(analysis.MatchedPatterns, func(i, j int) bool {
		return analysis.MatchedPatterns[i].Confidence > analysis.MatchedPatterns[j].Confidence
	})

	if info.Category == model.ErrorCategoryCritical {
		for i := range suggestions {
			suggestions[i].AutoExecutable = false
		}
	}
	rankSuggestions(suggestions)
	analysis.Suggestions = suggestions
	for _, suggestion := range suggestions {
		if suggestion.AutoExecutable {
			analysis.AutoRecoverable = true
			break
		}
	}
	return analysis
}

// LearnFromManualRecovery stores steps that resolved err under its
// signature, creating the pattern on first sight.
func (e *Engine) LearnFromManualRecovery(ctx context.Context, err error, errCtx map[string]string, steps []string, outcome string) (model.ErrorPattern, error) {
	if len(steps) == 0 {
		return model.ErrorPattern{}, errors.New("recovery steps are required")
	}
	info := describe(err, errCtx)
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	patterns, loadErr := e.loadPatterns()
	if loadErr != nil {
		return model.ErrorPattern{}, loadErr
	}
	index := -1
	for i, pattern := range patterns {
		if pattern.Signature.ErrorType == info.Type && pattern.Signature.MessageTemplate == info.Template {
			index = i
			break
		}
	}
	if index < 0 {
		patterns = append(patterns, model.ErrorPattern{
			ID: uuid.NewString(),
			Signature: model.ErrorSignature{
				ErrorType:       info.Type,
				MessageTemplate: info.Template,
				ContextKeys:     []string{},
			},
			SuccessfulRecoveries: []model.LearnedRecovery{},
			FirstSeen:            now,
		})
		index = len(patterns) - 1
	}
	pattern := &patterns[index]
	pattern.Signature.ContextKeys = unionSorted(pattern.Signature.ContextKeys, info.ContextKeys)
	pattern.SuccessfulRecoveries = append(pattern.SuccessfulRecoveries, model.LearnedRecovery{
		Steps:     append([]string(nil), steps...),
		Outcome:   outcome,
		Timestamp: now,
	})
	pattern.LastSeen = now
	pattern.Occurrences++
	learned := *pattern

	if err := e.savePatterns(patterns); err != nil {
		return model.ErrorPattern{}, err
	}
	if err := e.appendHistory(model.RecoveryAttempt{
		ID:        uuid.NewString(),
		ErrorType: info.Type,
		Category:  categoryOf(err, info.Message, errCtx),
		Message:   info.Message,
		Action:    model.RecoveryActionManual,
		Success:   true,
		Detail:    strings.Join(steps, "; "),
		Manual:    true,
		Timestamp: now,
	}); err != nil {
		return learned, err
	}
	logging.Info(ctx, "recovery learned", "pattern", learned.ID, "error_type", info.Type, "recoveries", len(learned.SuccessfulRecoveries))
	return learned, nil
}

// CleanupOldData drops patterns not seen and attempts recorded in the last
// days.
func (e *Engine) CleanupOldData(ctx context.Context, days int) (int, int, error) {
	if days < 0 {
		return 0, 0, errors.Errorf("cleanup days must be >= 0, got %d", days)
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	patterns, err := e.loadPatterns()
	if err != nil {
		return 0, 0, err
	}
	keptPatterns := patterns[:0]
	for _, pattern := range patterns {
		if !pattern.LastSeen.Before(cutoff) {
			keptPatterns = append(keptPatterns, pattern)
		}
	}
	removedPatterns := len(patterns) - len(keptPatterns)

	history, err := e.loadHistory()
	if err != nil {
		return 0, 0, err
	}
	keptHistory := history[:0]
	for _, attempt := range history {
		if !attempt.Timestamp.Before(cutoff) {
			keptHistory = append(keptHistory, attempt)
		}
	}
	removedAttempts := len(history) - len(keptHistory)

	if removedPatterns > 0 {
		if err := e.savePatterns(keptPatterns); err != nil {
			return 0, 0, err
		}
	}
	if removedAttempts > 0 {
		if err := e.saveHistory(keptHistory); err != nil {
			return removedPatterns, 0, err
		}
	}
	logging.Info(ctx, "recovery data cleaned", "patterns", removedPatterns, "attempts", removedAttempts, "days", days)
	return removedPatterns, removedAttempts, nil
}

func (e *Engine) RecoveryStatistics() (Statistics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history, err := e.loadHistory()
	if err != nil {
		return Statistics{}, err
	}
	patterns, err := e.loadPatterns()
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		TotalAttempts:   len(history),
		ByAction:        map[model.RecoveryAction]int{},
		TopErrorTypes:   []ErrorTypeCount{},
		LearnedPatterns: len(patterns),
	}
	counts := map[string]int{}
	for _, attempt := range history {
		if attempt.Success {
			stats.Successful++
		}
		stats.ByAction[attempt.Action]++
		counts[attempt.ErrorType]++
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalAttempts)
	}
	for errorType, count := range counts {
		stats.TopErrorTypes = append(stats.TopErrorTypes, ErrorTypeCount{ErrorType: errorType, Count: count})
	}
	sort.Slice(stats.TopErrorTypes, func(i, j int) bool {
		if stats.TopErrorTypes[i].Count != stats.TopErrorTypes[j].Count {
			return stats.TopErrorTypes[i].Count > stats.TopErrorTypes[j].Count
		}
		return stats.TopErrorTypes[i].ErrorType < stats.TopErrorTypes[j].ErrorType
	})
	if len(stats.TopErrorTypes) > 5 {
		stats.TopErrorTypes = stats.TopErrorTypes[:5]
	}
	return stats, nil
}

func (e *Engine) Patterns() ([]model.ErrorPattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPatterns()
}

func describe(err error, errCtx map[string]string) ErrorInfo {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return ErrorInfo{
		Type:        errorType(err),
		Message:     message,
		Template:    NormalizeMessage(message),
		ContextKeys: contextKeys(errCtx),
	}
}

func errorType(err error) string {
	if err == nil {
		return "none"
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) && strings.TrimSpace(typed.ErrorType()) != "" {
		return typed.ErrorType()
	}
	return fmt.Sprintf("%T", errors.Cause(err))
}

func categoryOf(err error, message string, errCtx map[string]string) model.ErrorCategory {
	category, _ := classify(err, message, errCtx)
	return category
}

// matchConfidence scores a stored pattern against a new error: the type must
// agree, template similarity and context overlap raise the score.
func matchConfidence(pattern model.ErrorPattern, info ErrorInfo) float64 {
	if pattern.Signature.ErrorType != info.Type {
		return 0
	}
	similarity := templateSimilarity(pattern.Signature.MessageTemplate, info.Template)
	overlap := keyOverlap(pattern.Signature.ContextKeys, info.ContextKeys)
	confidence := 0.3 + 0.4*similarity + 0.2*overlap + 0.02*float64(len(pattern.SuccessfulRecoveries))
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

// rankSuggestions orders by confidence, automatic before manual on ties.
func rankSuggestions(suggestions []model.RecoverySuggestion) {
	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].AutoExecutable && !suggestions[j].AutoExecutable
	})
}

func unionSorted(a []string, b []string) []string {
	set := toSet(a)
	for _, value := range b {
		set[value] = true
	}
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) loadPatterns() ([]model.ErrorPattern, error) {
	patterns := []model.ErrorPattern{}
	if err := readJSONFile(e.opts.PatternsPath, &patterns); err != nil {
		return []model.ErrorPattern{}, err
	}
	return patterns, nil
}

func (e *Engine) savePatterns(patterns []model.ErrorPattern) error {
	return writeJSONFile(e.opts.PatternsPath, patterns)
}

func (e *Engine) loadHistory() ([]model.RecoveryAttempt, error) {
	history := []model.RecoveryAttempt{}
	if err := readJSONFile(e.opts.HistoryPath, &history); err != nil {
		return []model.RecoveryAttempt{}, err
	}
	return history, nil
}

func (e *Engine) saveHistory(history []model.RecoveryAttempt) error {
	return writeJSONFile(e.opts.HistoryPath, history)
}

// appendHistory expects e.mu to be held.
func (e *Engine) appendHistory(attempt model.RecoveryAttempt) error {
	history, err := e.loadHistory()
	if err != nil {
		return err
	}
	return e.saveHistory(append(history, attempt))
}

func readJSONFile(path string, target any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, ok, err := store.ReadFileIfExists(path)
	if err != nil || !ok {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func writeJSONFile(path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	return store.WriteFileAtomic(path, data, 0o644)
}
