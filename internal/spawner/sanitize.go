package spawner

import (
	"strings"

	"crewctl/internal/model"
)

// shellMeta is stripped from task text before it is embedded in a script.
const shellMeta = "`$;&|'\""

// SanitizeRole maps unknown roles to general.
func SanitizeRole(value string) model.Role {
	role, _ := model.ParseRole(value)
	return role
}

// SanitizeTask drops shell metacharacters and keeps every other rune.
func SanitizeTask(task string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMeta, r) {
			return -1
		}
		return r
	}, task)
}
