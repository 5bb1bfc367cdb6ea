package model

import "time"

type ErrorCategory string

const (
	ErrorCategoryNetwork    ErrorCategory = "network"
	ErrorCategoryFilesystem ErrorCategory = "filesystem"
	ErrorCategoryDependency ErrorCategory = "dependency"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryMemory     ErrorCategory = "memory"
	ErrorCategoryCritical   ErrorCategory = "critical"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

type ErrorSignature struct {
	ErrorType       string   `json:"error_type"`
	MessageTemplate string   `json:"message_template"`
	ContextKeys     []string `json:"context_keys"`
}

type LearnedRecovery struct {
	Steps     []string  `json:"steps"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPattern struct {
	ID                   string            `json:"id"`
	Signature            ErrorSignature    `json:"signature"`
	SuccessfulRecoveries []LearnedRecovery `json:"successful_recoveries"`
	FirstSeen            time.Time         `json:"first_seen"`
	LastSeen             time.Time         `json:"last_seen"`
	Occurrences          int               `json:"occurrences"`
}

type RecoveryAction string

const (
	RecoveryActionRetry               RecoveryAction = "retry_with_backoff"
	RecoveryActionCreateDefaultFile   RecoveryAction = "create_default_file"
	RecoveryActionFindSimilarFiles    RecoveryAction = "find_similar_files"
	RecoveryActionInstallDependencies RecoveryAction = "install_dependencies"
	RecoveryActionManual              RecoveryAction = "manual"
)

type SuggestionSource string

const (
	SuggestionSourceBuiltin SuggestionSource = "builtin"
	SuggestionSourceLearned SuggestionSource = "learned"
	SuggestionSourceRule    SuggestionSource = "rule"
)

type RecoverySuggestion struct {
	Description    string           `json:"description"`
	Action         RecoveryAction   `json:"action"`
	Steps          []string         `json:"steps,omitempty"`
	Confidence     float64          `json:"confidence"`
	AutoExecutable bool             `json:"auto_executable"`
	Source         SuggestionSource `json:"source"`
	PatternID      string           `json:"pattern_id,omitempty"`
}

type RecoveryAttempt struct {
	ID         string         `json:"id"`
	ErrorType  string         `json:"error_type"`
	Category   ErrorCategory  `json:"category"`
	Message    string         `json:"message"`
	Action     RecoveryAction `json:"action"`
	Success    bool           `json:"success"`
	Detail     string         `json:"detail,omitempty"`
	Manual     bool           `json:"manual,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
}
