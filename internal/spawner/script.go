package spawner

import (
	"fmt"
	"path/filepath"
	"strings"

	"crewctl/internal/model"
	"crewctl/internal/policy"
)

const heredocDelimiter = "CREW_EOF"

// BuildInstructions renders the payload handed to a worker.
func BuildInstructions(cfg policy.Config, role model.Role, task string) string {
	var b strings.Builder
	profile := cfg.RoleProfile(role)
	fmt.Fprintf(&b, "# %s agent\n\n", role)
	fmt.Fprintf(&b, "You are the %s specialist on %s. Focus on %s.\n\n", role, cfg.Project.Name, profile.Focus)

	b.WriteString("## Task\n\n")
	b.WriteString(task)
	b.WriteString("\n\n")

	if len(cfg.Project.TechStack) > 0 {
		b.WriteString("## Technology stack\n\n")
		for _, item := range cfg.Project.TechStack {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	if testCommand := cfg.TestCommandFor(role); testCommand != "" {
		b.WriteString("## Testing\n\n")
		fmt.Fprintf(&b, "Run `%s` and make sure it passes before you finish.\n\n", testCommand)
	}

	if len(cfg.Project.CodingStandards) > 0 {
		b.WriteString("## Coding standards\n\n")
		for _, item := range cfg.Project.CodingStandards {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	b.WriteString("## When done\n\n")
	b.WriteString("Commit your changes to the current branch, then exit.\n")
	return b.String()
}

type ScriptParams struct {
	Role             model.Role
	WorkDir          string
	LogDir           string
	InstructionsFile string
	Instructions     string
	AgentCommand     string
	AgentArgs        []string
}

// RenderScript produces a POSIX shell script that writes the instructions
// through a quoted heredoc, redirects output to <log_dir>/<role>_<pid>.log
// and execs the agent with the instructions as its prompt.
func RenderScript(params ScriptParams) string {
	delimiter := chooseDelimiter(params.Instructions)
	instructionsPath := params.InstructionsFile
	if !filepath.IsAbs(instructionsPath) {
		instructionsPath = filepath.Join(params.WorkDir, instructionsPath)
	}
	logPrefix := filepath.Join(params.LogDir, string(params.Role)+"_")

	agent := make([]string, 0, len(params.AgentArgs)+1)
	agent = append(agent, shellQuote(params.AgentCommand))
	for _, arg := range params.AgentArgs {
		agent = append(agent, shellQuote(arg))
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(params.LogDir))
	fmt.Fprintf(&b, "exec >>%s\"$$.log\" 2>&1\n", shellQuote(logPrefix))
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(params.WorkDir))
	fmt.Fprintf(&b, "cat > %s <<'%s'\n", shellQuote(instructionsPath), delimiter)
	b.WriteString(params.Instructions)
	if !strings.HasSuffix(params.Instructions, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(delimiter + "\n")
	fmt.Fprintf(&b, "exec %s \"$(cat %s)\"\n", strings.Join(agent, " "), shellQuote(instructionsPath))
	return b.String()
}

// chooseDelimiter picks a heredoc terminator that no payload line equals.
func chooseDelimiter(payload string) string {
	delimiter := heredocDelimiter
	lines := strings.Split(payload, "\n")
	for n := 1; containsLine(lines, delimiter); n++ {
		delimiter = fmt.Sprintf("%s_%d", heredocDelimiter, n)
	}
	return delimiter
}

func containsLine(lines []string, value string) bool {
	for _, line := range lines {
		if line == value {
			return true
		}
	}
	return false
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}
