package recovery

import (
	"context"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"crewctl/internal/model"
)

// rule maps a predicate over the error to a category and its remedies.
type rule struct {
	category    model.ErrorCategory
	phrases     *regexp.Regexp
	match       func(err error) bool
	suggestions func(errCtx map[string]string) []model.RecoverySuggestion
}

// builtinRules are evaluated in order; the first match wins.
var builtinRules = []rule{
	{
		category: model.ErrorCategoryCritical,
		phrases:  phrasePattern("segmentation fault", "kernel panic", "no space left on device", "disk full", "read-only file system", "data corruption", "file is corrupt", "database disk image is malformed", "checksum mismatch", "fatal error"),
		suggestions: func(map[string]string) []model.RecoverySuggestion {
			return []model.RecoverySuggestion{
				manual("Stop all workers and inspect the host before retrying", 0.9),
			}
		},
	},
	{
		category: model.ErrorCategoryMemory,
		phrases:  phrasePattern("out of memory", "cannot allocate memory", "oom", "oom-kill", "oom-killer", "killed process", "memory exhausted", "memoryerror"),
		suggestions: func(map[string]string) []model.RecoverySuggestion {
			return []model.RecoverySuggestion{
				manual("Lower resources.max_concurrent_agents or free memory, then respawn", 0.6),
			}
		},
	},
	{
		category: model.ErrorCategoryTimeout,
		phrases:  phrasePattern("timeout", "timed out", "deadline exceeded"),
		match: func(err error) bool {
			var netErr net.Error
			return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
		},
		suggestions: func(map[string]string) []model.RecoverySuggestion {
			return []model.RecoverySuggestion{
				auto("Retry the operation with backoff", model.RecoveryActionRetry, 0.6),
				manual("Increase the timeout for this operation", 0.3),
			}
		},
	},
	{
		category: model.ErrorCategoryNetwork,
		phrases:  phrasePattern("connection refused", "connection reset", "no such host", "network is unreachable", "network unreachable", "host unreachable", "tls handshake", "dns lookup", "dns resolution", "temporary failure in name resolution", "network error"),
		match: func(err error) bool {
			var opErr *net.OpError
			var dnsErr *net.DNSError
			return errors.As(err, &opErr) || errors.As(err, &dnsErr)
		},
		suggestions: func(map[string]string) []model.RecoverySuggestion {
			return []model.RecoverySuggestion{
				auto("Retry the operation with backoff", model.RecoveryActionRetry, 0.7),
				manual("Check network connectivity and proxy settings", 0.4),
			}
		},
	},
	{
		category: model.ErrorCategoryDependency,
		phrases:  phrasePattern("module not found", "no module named", "cannot find module", "cannot find package", "missing dependency", "package not found", "could not resolve dependencies", "command not found", "importerror"),
		suggestions: func(map[string]string) []model.RecoverySuggestion {
			return []model.RecoverySuggestion{
				auto("Install project dependencies from the detected manifest", model.RecoveryActionInstallDependencies, 0.7),
				manual("Add the missing dependency to the project manifest", 0.4),
			}
		},
	},
	{
		category: model.ErrorCategoryFilesystem,
		phrases:  phrasePattern("no such file or directory", "file not found", "is a directory", "not a directory", "permission denied", "file exists"),
		match: func(err error) bool {
			var pathErr *os.PathError
			return errors.As(err, &pathErr)
		},
		suggestions: func(errCtx map[string]string) []model.RecoverySuggestion {
			out := []model.RecoverySuggestion{}
			if strings.TrimSpace(errCtx[ContextKeyPath]) != "" {
				out = append(out,
					auto("Look for files with a similar name", model.RecoveryActionFindSimilarFiles, 0.5),
					auto("Create the missing file with default content", model.RecoveryActionCreateDefaultFile, 0.45),
				)
			}
			return append(out, manual("Check the path and its permissions", 0.3))
		},
	},
}

func classify(err error, message string, errCtx map[string]string) (model.ErrorCategory, []model.RecoverySuggestion) {
	for _, r := range builtinRules {
		if (r.match != nil && r.match(err)) || r.phrases.MatchString(message) {
			return r.category, r.suggestions(errCtx)
		}
	}
	return model.ErrorCategoryUnknown, []model.RecoverySuggestion{
		manual("Inspect the worker log for the underlying cause", 0.2),
	}
}

var (
	pathPattern   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:\.{0,2}/[^\s:'"]+)+|[\w.-]+\.(?:go|py|js|ts|json|ya?ml|toml|md|txt|lock|sh)\b`)
	hexPattern    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeMessage replaces paths and numbers with placeholders so repeated
// failures share one template.
func NormalizeMessage(message string) string {
	out := pathPattern.ReplaceAllString(message, "<path>")
	out = hexPattern.ReplaceAllString(out, "<hex>")
	out = numberPattern.ReplaceAllString(out, "<num>")
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func contextKeys(errCtx map[string]string) []string {
	keys := make([]string, 0, len(errCtx))
	for key := range errCtx {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// keyOverlap is the Jaccard index of two key sets; two empty sets overlap fully.
func keyOverlap(a []string, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	shared := 0
	for key := range setA {
		if setB[key] {
			shared++
		}
	}
	return float64(shared) / float64(len(setA)+len(setB)-shared)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}

func templateSimilarity(a string, b string) float64 {
	if a == b {
		return 1
	}
	return keyOverlap(strings.Fields(strings.ToLower(a)), strings.Fields(strings.ToLower(b)))
}

// phrasePattern matches any phrase as whole words, case-insensitively.
func phrasePattern(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, phrase := range phrases {
		quoted[i] = regexp.QuoteMeta(phrase)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func auto(description string, action model.RecoveryAction, confidence float64) model.RecoverySuggestion {
	return model.RecoverySuggestion{Description: description, Action: action, Confidence: confidence, AutoExecutable: true, Source: model.SuggestionSourceBuiltin}
}

func manual(description string, confidence float64) model.RecoverySuggestion {
	return model.RecoverySuggestion{Description: description, Action: model.RecoveryActionManual, Confidence: confidence, Source: model.SuggestionSourceBuiltin}
}
