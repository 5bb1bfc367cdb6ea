package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crewctl/internal/model"
)

const DefaultPolicyPath = ".crewctl/policy.json"

type Config struct {
	Version   int `json:"version"`
	Resources struct {
		MaxConcurrentAgents int     `json:"max_concurrent_agents"`
		MaxMemoryMB         float64 `json:"max_memory_mb"`
		MaxDiskMB           float64 `json:"max_disk_mb"`
		MaxLoad             float64 `json:"max_load"`
	} `json:"resources"`
	Workspace struct {
		RepoPath     string `json:"repo_path"`
		BaseDir      string `json:"base_dir"`
		BranchPrefix string `json:"branch_prefix"`
	} `json:"workspace"`
	Spawner struct {
		AgentCommand     string   `json:"agent_command"`
		AgentArgs        []string `json:"agent_args"`
		ScriptDir        string   `json:"script_dir"`
		LogDir           string   `json:"log_dir"`
		InstructionsFile string   `json:"instructions_file"`
		StopGraceSeconds int      `json:"stop_grace_seconds"`
	} `json:"spawner"`
	Project struct {
		Name            string   `json:"name"`
		TechStack       []string `json:"tech_stack"`
		TestCommand     string   `json:"test_command"`
		CodingStandards []string `json:"coding_standards"`
	} `json:"project"`
	Roles   map[string]RoleProfile `json:"roles"`
	Session struct {
		Path     string `json:"path"`
		LockPath string `json:"lock_path"`
	} `json:"session"`
	Messages struct {
		Dir            string `json:"dir"`
		PollIntervalMS int    `json:"poll_interval_ms"`
		RetentionDays  int    `json:"retention_days"`
	} `json:"messages"`
	Monitor struct {
		IntervalSeconds       int `json:"interval_seconds"`
		StuckThresholdSeconds int `json:"stuck_threshold_seconds"`
	} `json:"monitor"`
	Coordinator struct {
		StatusPath          string `json:"status_path"`
		SpawnRetries        int    `json:"spawn_retries"`
		RetryBackoffMS      int    `json:"retry_backoff_ms"`
		StopGraceSeconds    int    `json:"stop_grace_seconds"`
		PollIntervalSeconds int    `json:"poll_interval_seconds"`
		TimeoutMinutes      int    `json:"timeout_minutes"`
	} `json:"coordinator"`
	Recovery struct {
		PatternsPath  string `json:"patterns_path"`
		HistoryPath   string `json:"history_path"`
		RulesScript   string `json:"rules_script"`
		RetentionDays int    `json:"retention_days"`
		MaxRetries    int    `json:"max_retries"`
	} `json:"recovery"`
	Events struct {
		RedisURL      string `json:"redis_url"`
		ConsumerGroup string `json:"consumer_group"`
	} `json:"events"`
}

type RoleProfile struct {
	Focus       string `json:"focus"`
	TestCommand string `json:"test_command,omitempty"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Resources.MaxConcurrentAgents = 4
	cfg.Resources.MaxMemoryMB = 8192
	cfg.Resources.MaxDiskMB = 10240
	cfg.Resources.MaxLoad = 0
	cfg.Workspace.RepoPath = "."
	cfg.Workspace.BaseDir = ".crewctl/worktrees"
	cfg.Workspace.BranchPrefix = "crew"
	cfg.Spawner.AgentCommand = "claude"
	cfg.Spawner.AgentArgs = []string{"-p", "--dangerously-skip-permissions"}
	cfg.Spawner.ScriptDir = ".crewctl/scripts"
	cfg.Spawner.LogDir = ".crewctl/logs"
	cfg.Spawner.InstructionsFile = ".crew-instructions.md"
	cfg.Spawner.StopGraceSeconds = 3
	cfg.Project.Name = "project"
	cfg.Project.TestCommand = "make test"
	cfg.Project.CodingStandards = []string{
		"Keep changes focused on the assigned task",
		"Add or update tests for every behavior change",
		"Commit your work to the current branch before exiting",
	}
	cfg.Roles = map[string]RoleProfile{
		string(model.RoleBackend):  {Focus: "APIs, data models, persistence and server-side logic"},
		string(model.RoleFrontend): {Focus: "user interface components, client state and styling"},
		string(model.RoleQA):       {Focus: "test coverage, regression checks and validating the other roles' work"},
		string(model.RoleUX):       {Focus: "interaction design, accessibility and usability of the interface"},
		string(model.RoleGeneral):  {Focus: "whatever the task requires"},
	}
	cfg.Session.Path = ".crewctl/session.json"
	cfg.Session.LockPath = ".crewctl/locks/session.lock"
	cfg.Messages.Dir = ".crewctl/messages"
	cfg.Messages.PollIntervalMS = 500
	cfg.Messages.RetentionDays = 7
	cfg.Monitor.IntervalSeconds = 5
	cfg.Monitor.StuckThresholdSeconds = 1800
	cfg.Coordinator.StatusPath = ".crewctl/coordination.json"
	cfg.Coordinator.SpawnRetries = 3
	cfg.Coordinator.RetryBackoffMS = 500
	cfg.Coordinator.StopGraceSeconds = 5
	cfg.Coordinator.PollIntervalSeconds = 5
	cfg.Coordinator.TimeoutMinutes = 120
	cfg.Recovery.PatternsPath = ".crewctl/recovery/patterns.json"
	cfg.Recovery.HistoryPath = ".crewctl/recovery/history.json"
	cfg.Recovery.RetentionDays = 30
	cfg.Recovery.MaxRetries = 3
	cfg.Events.ConsumerGroup = "crewctl"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if cfg.Resources.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("resources.max_concurrent_agents must be > 0")
	}
	if cfg.Resources.MaxMemoryMB < 0 || cfg.Resources.MaxDiskMB < 0 || cfg.Resources.MaxLoad < 0 {
		return fmt.Errorf("resource ceilings must be >= 0")
	}
	if strings.TrimSpace(cfg.Workspace.BaseDir) == "" {
		return fmt.Errorf("workspace.base_dir cannot be empty")
	}
	if strings.TrimSpace(cfg.Workspace.BranchPrefix) == "" {
		return fmt.Errorf("workspace.branch_prefix cannot be empty")
	}
	if strings.TrimSpace(cfg.Spawner.AgentCommand) == "" {
		return fmt.Errorf("spawner.agent_command cannot be empty")
	}
	if strings.TrimSpace(cfg.Session.Path) == "" {
		return fmt.Errorf("session.path cannot be empty")
	}
	if strings.TrimSpace(cfg.Messages.Dir) == "" {
		return fmt.Errorf("messages.dir cannot be empty")
	}
	if cfg.Monitor.IntervalSeconds <= 0 || cfg.Monitor.StuckThresholdSeconds <= 0 {
		return fmt.Errorf("monitor thresholds must be > 0")
	}
	if cfg.Monitor.StuckThresholdSeconds < cfg.Monitor.IntervalSeconds {
		return fmt.Errorf("stuck_threshold_seconds must be >= interval_seconds")
	}
	if cfg.Coordinator.SpawnRetries < 0 {
		return fmt.Errorf("coordinator.spawn_retries must be >= 0")
	}
	if cfg.Recovery.RetentionDays < 0 || cfg.Messages.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	for name := range cfg.Roles {
		if _, ok := model.ParseRole(name); !ok {
			return fmt.Errorf("roles.%s is not a known role", name)
		}
	}
	return nil
}

func (c Config) RoleProfile(role model.Role) RoleProfile {
	if profile, ok := c.Roles[string(role)]; ok {
		return profile
	}
	return RoleProfile{Focus: "whatever the task requires"}
}

// TestCommandFor returns the role override when present, the project command otherwise.
func (c Config) TestCommandFor(role model.Role) string {
	if override := strings.TrimSpace(c.RoleProfile(role).TestCommand); override != "" {
		return override
	}
	return strings.TrimSpace(c.Project.TestCommand)
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Monitor.StuckThresholdSeconds) * time.Second
}

func (c Config) MessagePollInterval() time.Duration {
	if c.Messages.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Messages.PollIntervalMS) * time.Millisecond
}

func RenderBranchName(prefix string, role model.Role, at time.Time) string {
	return fmt.Sprintf("%s/%s-%s", sanitizeToken(prefix), sanitizeToken(string(role)), at.UTC().Format("20060102-150405.000"))
}

func RenderWorkspaceName(role model.Role, at time.Time) string {
	return sanitizeToken(fmt.Sprintf("%s-%s", role, at.UTC().Format("20060102-150405.000")))
}

func sanitizeToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	token = strings.ReplaceAll(token, " ", "-")
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", ",", "-", ".", "-", "@", "-", "#", "-", "[", "-", "]", "-", "{", "-", "}", "-", "(", "-", ")", "-")
	token = replacer.Replace(token)
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	token = strings.Trim(token, "-")
	if token == "" {
		token = "x"
	}
	return token
}
