package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"crewctl/internal/model"
)

type Subtask struct {
	Role model.Role `json:"role"`
	Task string     `json:"task"`
	Tier int        `json:"tier"`
}

var roleKeywords = map[model.Role][]string{
	model.RoleBackend:  {"api", "apis", "model", "models", "backend", "database", "server", "endpoint", "endpoints", "schema", "service"},
	model.RoleFrontend: {"interface", "ui", "frontend", "page", "pages", "component", "components", "form", "screen", "view"},
	model.RoleUX:       {"ux", "usability", "accessibility", "a11y", "wireframe", "flow"},
}

// tiers run in order; roles within a tier run in parallel.
var roleTier = map[model.Role]int{
	model.RoleBackend:  0,
	model.RoleGeneral:  0,
	model.RoleFrontend: 1,
	model.RoleUX:       1,
	model.RoleQA:       2,
}

// Decompose splits task into role subtasks by keyword. QA is always last;
// a task matching no specialist gets a general worker.
func Decompose(task string) []Subtask {
	task = strings.TrimSpace(task)
	words := map[string]bool{}
	for _, word := range strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[word] = true
	}

	subtasks := []Subtask{}
	for _, role := range []model.Role{model.RoleBackend, model.RoleFrontend, model.RoleUX} {
		for _, keyword := range roleKeywords[role] {
			if words[keyword] {
				subtasks = append(subtasks, Subtask{Role: role, Task: subtaskText(role, task), Tier: roleTier[role]})
				break
			}
		}
	}
	if len(subtasks) == 0 {
		subtasks = append(subtasks, Subtask{Role: model.RoleGeneral, Task: subtaskText(model.RoleGeneral, task), Tier: roleTier[model.RoleGeneral]})
	}
	subtasks = append(subtasks, Subtask{Role: model.RoleQA, Task: subtaskText(model.RoleQA, task), Tier: roleTier[model.RoleQA]})
	return subtasks
}

// Tiers groups subtasks by tier in execution order.
func Tiers(subtasks []Subtask) [][]Subtask {
	byTier := map[int][]Subtask{}
	for _, subtask := range subtasks {
		byTier[subtask.Tier] = append(byTier[subtask.Tier], subtask)
	}
	keys := make([]int, 0, len(byTier))
	for tier := range byTier {
		keys = append(keys, tier)
	}
	sort.Ints(keys)
	out := make([][]Subtask, 0, len(keys))
	for _, tier := range keys {
		out = append(out, byTier[tier])
	}
	return out
}

func subtaskText(role model.Role, task string) string {
	switch role {
	case model.RoleBackend:
		return fmt.Sprintf("Implement the server side of: %s. Build the APIs, data models and persistence it needs.", task)
	case model.RoleFrontend:
		return fmt.Sprintf("Implement the user interface for: %s. Use the APIs the backend agent exposes.", task)
	case model.RoleUX:
		return fmt.Sprintf("Review and refine the interaction design for: %s.", task)
	case model.RoleQA:
		return fmt.Sprintf("Write and run tests covering: %s. Report defects found in the work of the other agents.", task)
	default:
		return task
	}
}
