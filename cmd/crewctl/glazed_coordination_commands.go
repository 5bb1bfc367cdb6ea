package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/coordinator"
	"crewctl/internal/model"
)

type coordinateGlazedCommand struct {
	*cmds.CommandDescription
}

type coordinateSettings struct {
	Task string `glazed.parameter:"task"`
	Plan bool   `glazed.parameter:"plan"`
	Stop bool   `glazed.parameter:"stop"`
}

func newCoordinateGlazedCommand() (*coordinateGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"coordinate",
		"Run a multi-worker coordination",
		"Decompose a task into role subtasks, spawn them tier by tier and wait for completion. Use --stop to stop a running coordination.",
		parameters.NewParameterDefinition("task", parameters.ParameterTypeString, parameters.WithHelp("Task to decompose"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("plan", parameters.ParameterTypeBool, parameters.WithHelp("Print the decomposition without spawning"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("stop", parameters.ParameterTypeBool, parameters.WithHelp("Stop the coordination recorded in the status file"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &coordinateGlazedCommand{CommandDescription: desc}, nil
}

func (c *coordinateGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &coordinateSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.Plan {
		if strings.TrimSpace(settings.Task) == "" {
			return fmt.Errorf("--task is required")
		}
		for i, tier := range coordinator.Tiers(coordinator.Decompose(settings.Task)) {
			fmt.Printf("Tier %d:\n", i+1)
			for _, subtask := range tier {
				fmt.Printf("  - %s: %s\n", subtask.Role, subtask.Task)
			}
		}
		return nil
	}

	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	if settings.Stop {
		defer service.Close()
		status, err := service.StopCoordination(ctx)
		if err != nil {
			return err
		}
		return printCoordination(status, crew.JSON)
	}
	if strings.TrimSpace(settings.Task) == "" {
		service.Close()
		return fmt.Errorf("--task is required")
	}

	service.StartMonitorLoop(ctx)
	status, runErr := service.Coordinate(ctx, settings.Task)
	shutdownErr := service.Shutdown(context.WithoutCancel(ctx), false)
	if runErr != nil {
		return runErr
	}
	if err := printCoordination(status, crew.JSON); err != nil {
		return err
	}
	if status.Status == model.CoordinationFailed {
		return fmt.Errorf("coordination failed: %s", status.Message)
	}
	return shutdownErr
}

var _ cmds.BareCommand = &coordinateGlazedCommand{}

func printCoordination(status model.CoordinationStatus, asJSON bool) error {
	if asJSON {
		return printJSON(status)
	}
	fmt.Printf("Coordination: %s (%d%%)\n", status.Status, status.ProgressPercentage)
	fmt.Printf("  %s\n", emptyValue(status.Message, "-"))
	if len(status.CompletedAgents) > 0 {
		fmt.Printf("  completed: %v\n", status.CompletedAgents)
	}
	if len(status.FailedAgents) > 0 {
		fmt.Printf("  failed: %v\n", status.FailedAgents)
	}
	return nil
}
