package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/monitor"
	"crewctl/internal/orchestrator"
)

type spawnGlazedCommand struct {
	*cmds.CommandDescription
}

type spawnSettings struct {
	Role        string `glazed.parameter:"role"`
	Task        string `glazed.parameter:"task"`
	NoWorkspace bool   `glazed.parameter:"no-workspace"`
}

func newSpawnGlazedCommand() (*spawnGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"spawn",
		"Spawn one worker",
		"Admit, provision a workspace for, and launch one worker with the given role and task.",
		parameters.NewParameterDefinition("role", parameters.ParameterTypeString, parameters.WithHelp("Worker role: backend|frontend|qa|ux|general"), parameters.WithDefault("general")),
		parameters.NewParameterDefinition("task", parameters.ParameterTypeString, parameters.WithHelp("Task description handed to the worker"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("no-workspace", parameters.ParameterTypeBool, parameters.WithHelp("Run in the repository instead of a dedicated worktree"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &spawnGlazedCommand{CommandDescription: desc}, nil
}

func (c *spawnGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &spawnSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Task) == "" {
		return fmt.Errorf("--task is required")
	}
	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()

	result, ok := service.Spawn(ctx, settings.Role, settings.Task, !settings.NoWorkspace)
	if crew.JSON {
		if err := printJSON(result); err != nil {
			return err
		}
	}
	if !ok {
		if len(result.Reasons) > 0 {
			return fmt.Errorf("spawn refused: %s", strings.Join(result.Reasons, "; "))
		}
		return fmt.Errorf("spawn of %s worker failed; see log output", result.Role)
	}
	if !crew.JSON {
		fmt.Printf("Spawned %s worker pid=%d\n", result.Role, result.PID)
		fmt.Printf("  workspace: %s\n", emptyValue(result.WorkspacePath, "(repository)"))
		fmt.Printf("  log: %s\n", result.LogPath)
	}
	return nil
}

var _ cmds.BareCommand = &spawnGlazedCommand{}

type stopGlazedCommand struct {
	*cmds.CommandDescription
}

type stopSettings struct {
	PID int  `glazed.parameter:"pid"`
	All bool `glazed.parameter:"all"`
}

func newStopGlazedCommand() (*stopGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"stop",
		"Stop workers",
		"Terminate one worker by pid, or every running worker with --all.",
		parameters.NewParameterDefinition("pid", parameters.ParameterTypeInteger, parameters.WithHelp("Worker pid"), parameters.WithDefault(0)),
		parameters.NewParameterDefinition("all", parameters.ParameterTypeBool, parameters.WithHelp("Stop every running worker and close the session"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &stopGlazedCommand{CommandDescription: desc}, nil
}

func (c *stopGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &stopSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.PID <= 0 && !settings.All {
		return fmt.Errorf("--pid or --all is required")
	}
	ctx, _, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	if settings.All {
		return service.Shutdown(ctx, true)
	}
	defer service.Close()
	if err := service.Stop(ctx, settings.PID); err != nil {
		return err
	}
	fmt.Printf("Stopped worker pid=%d\n", settings.PID)
	return nil
}

var _ cmds.BareCommand = &stopGlazedCommand{}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"status",
		"Print crew status",
		"Reconcile worker liveness once and print session, resource, message and coordination state.",
	)
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()
	snapshot, err := service.Snapshot(ctx)
	if err != nil {
		return err
	}
	if crew.JSON {
		return printJSON(snapshot)
	}
	fmt.Print(orchestrator.RenderSnapshot(snapshot))
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type monitorGlazedCommand struct {
	*cmds.CommandDescription
}

type monitorSettings struct {
	StopOnExit bool `glazed.parameter:"stop-on-exit"`
	Once       bool `glazed.parameter:"once"`
}

func newMonitorGlazedCommand() (*monitorGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"monitor",
		"Watch worker liveness",
		"Reconcile recorded worker status against live processes on the policy interval until interrupted.",
		parameters.NewParameterDefinition("stop-on-exit", parameters.ParameterTypeBool, parameters.WithHelp("Terminate running workers when interrupted"), parameters.WithDefault(true)),
		parameters.NewParameterDefinition("once", parameters.ParameterTypeBool, parameters.WithHelp("Reconcile once and exit"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &monitorGlazedCommand{CommandDescription: desc}, nil
}

func (c *monitorGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &monitorSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	printReport := func(report monitor.Report) {
		if crew.JSON {
			_ = printJSON(report)
			return
		}
		fmt.Println(formatReport(report))
	}
	if settings.Once {
		defer service.Close()
		printReport(service.Reconcile(ctx))
		return nil
	}

	service.Watch(ctx, printReport)
	fmt.Println("Monitor stopped.")
	return service.Shutdown(context.WithoutCancel(ctx), settings.StopOnExit)
}

var _ cmds.BareCommand = &monitorGlazedCommand{}

func formatReport(report monitor.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s running=%d", report.CheckedAt.Format(time.RFC3339), report.Running)
	if len(report.Reconciled) > 0 {
		fmt.Fprintf(&b, " vanished=%v", report.Reconciled)
	}
	for _, stuck := range report.Stuck {
		fmt.Fprintf(&b, "\n  stuck pid=%d role=%s elapsed=%s", stuck.PID, stuck.Role, stuck.Elapsed.Truncate(time.Second))
	}
	return b.String()
}
