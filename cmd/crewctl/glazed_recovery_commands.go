package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/recovery"
)

type recoverGlazedCommand struct {
	*cmds.CommandDescription
}

type recoverSettings struct {
	Error        string   `glazed.parameter:"error"`
	ErrorType    string   `glazed.parameter:"error-type"`
	Context      []string `glazed.parameter:"context"`
	Attempt      bool     `glazed.parameter:"attempt"`
	RetryCommand string   `glazed.parameter:"retry-command"`
	Path         string   `glazed.parameter:"path"`
	ProjectDir   string   `glazed.parameter:"project-dir"`
	Learn        []string `glazed.parameter:"learn"`
	Outcome      string   `glazed.parameter:"outcome"`
	Stats        bool     `glazed.parameter:"stats"`
}

func newRecoverGlazedCommand() (*recoverGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"recover",
		"Analyze a failure and suggest remediations",
		"Classify an error, rank remediations from builtin and learned patterns, optionally run the automatic ones (--attempt) or record the manual steps that fixed it (--learn).",
		parameters.NewParameterDefinition("error", parameters.ParameterTypeString, parameters.WithHelp("Error message to analyze"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("error-type", parameters.ParameterTypeString, parameters.WithHelp("Error type name (defaults to WorkerError)"), parameters.WithDefault("WorkerError")),
		parameters.NewParameterDefinition("context", parameters.ParameterTypeStringList, parameters.WithHelp("Context entries as key=value (repeatable)"), parameters.WithDefault([]string{})),
		parameters.NewParameterDefinition("attempt", parameters.ParameterTypeBool, parameters.WithHelp("Run automatic remediations in ranked order"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("retry-command", parameters.ParameterTypeString, parameters.WithHelp("Shell command the retry action re-runs"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("path", parameters.ParameterTypeString, parameters.WithHelp("File the error refers to"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("project-dir", parameters.ParameterTypeString, parameters.WithHelp("Project directory for dependency installation"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("learn", parameters.ParameterTypeStringList, parameters.WithHelp("Manual steps that resolved the error (repeatable)"), parameters.WithDefault([]string{})),
		parameters.NewParameterDefinition("outcome", parameters.ParameterTypeString, parameters.WithHelp("Outcome note recorded with --learn"), parameters.WithDefault("resolved")),
		parameters.NewParameterDefinition("stats", parameters.ParameterTypeBool, parameters.WithHelp("Print recovery statistics"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &recoverGlazedCommand{CommandDescription: desc}, nil
}

func (c *recoverGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &recoverSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()
	engine := service.Recovery()

	if settings.Stats {
		stats, err := engine.RecoveryStatistics()
		if err != nil {
			return err
		}
		if crew.JSON {
			return printJSON(stats)
		}
		fmt.Printf("Attempts: %d successful=%d rate=%.0f%% learned_patterns=%d\n", stats.TotalAttempts, stats.Successful, stats.SuccessRate*100, stats.LearnedPatterns)
		for _, item := range stats.TopErrorTypes {
			fmt.Printf("  - %s: %d\n", item.ErrorType, item.Count)
		}
		return nil
	}

	if strings.TrimSpace(settings.Error) == "" {
		return fmt.Errorf("--error is required")
	}
	errCtx, err := parseKeyValues(settings.Context)
	if err != nil {
		return err
	}
	if strings.TrimSpace(settings.Path) != "" {
		errCtx[recovery.ContextKeyPath] = strings.TrimSpace(settings.Path)
	}
	if strings.TrimSpace(settings.ProjectDir) != "" {
		errCtx[recovery.ContextKeyProjectDir] = strings.TrimSpace(settings.ProjectDir)
	}
	failure := recovery.NewError(strings.TrimSpace(settings.ErrorType), settings.Error)

	if steps := normalizeInputTokens(settings.Learn); len(steps) > 0 {
		pattern, err := engine.LearnFromManualRecovery(ctx, failure, errCtx, steps, settings.Outcome)
		if err != nil {
			return err
		}
		if crew.JSON {
			return printJSON(pattern)
		}
		fmt.Printf("Learned pattern %s (%d recoveries)\n", pattern.ID, len(pattern.SuccessfulRecoveries))
		return nil
	}

	analysis := engine.Analyze(ctx, failure, errCtx)
	if !settings.Attempt {
		if crew.JSON {
			return printJSON(analysis)
		}
		printAnalysis(analysis)
		return nil
	}

	rc := recovery.RecoveryContext{Path: errCtx[recovery.ContextKeyPath], ProjectDir: errCtx[recovery.ContextKeyProjectDir]}
	if command := strings.TrimSpace(settings.RetryCommand); command != "" {
		rc.Retry = func(ctx context.Context) error {
			out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %v: %s", command, err, strings.TrimSpace(string(out)))
			}
			return nil
		}
	}
	result := engine.AttemptRecovery(ctx, analysis, rc)
	if crew.JSON {
		return printJSON(result)
	}
	printAnalysis(analysis)
	for _, attempt := range result.Attempts {
		fmt.Printf("  attempt %s success=%t %s\n", attempt.Action, attempt.Success, attempt.Detail)
	}
	for _, finding := range result.Findings {
		fmt.Printf("  found: %s\n", finding)
	}
	if !result.Recovered {
		return fmt.Errorf("automatic recovery did not succeed")
	}
	return nil
}

var _ cmds.BareCommand = &recoverGlazedCommand{}

func printAnalysis(analysis recovery.Analysis) {
	fmt.Printf("Error: %s (%s)\n", analysis.Error.Message, analysis.Error.Category)
	if !analysis.AutoRecoverable {
		fmt.Println("  manual action required")
	}
	for i, suggestion := range analysis.Suggestions {
		mode := "manual"
		if suggestion.AutoExecutable {
			mode = "auto"
		}
		fmt.Printf("  %d. [%s %.2f %s] %s\n", i+1, mode, suggestion.Confidence, suggestion.Source, suggestion.Description)
	}
}
