package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/orchestrator"
	"crewctl/internal/policy"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default crewctl policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type cleanupGlazedCommand struct {
	*cmds.CommandDescription
}

type cleanupSettings struct {
	MessageDays     int  `glazed.parameter:"message-days"`
	RecoveryDays    int  `glazed.parameter:"recovery-days"`
	PruneWorkspaces bool `glazed.parameter:"prune-workspaces"`
	CloseSession    bool `glazed.parameter:"close-session"`
	DryRun          bool `glazed.parameter:"dry-run"`
}

func newCleanupGlazedCommand() (*cleanupGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"cleanup",
		"Age out messages and recovery data",
		"Remove old messages and recovery records, prune crew worktrees no running worker holds, and close an idle session.",
		parameters.NewParameterDefinition("message-days", parameters.ParameterTypeInteger, parameters.WithHelp("Message retention in days (0 = policy default)"), parameters.WithDefault(0)),
		parameters.NewParameterDefinition("recovery-days", parameters.ParameterTypeInteger, parameters.WithHelp("Recovery data retention in days (0 = policy default)"), parameters.WithDefault(0)),
		parameters.NewParameterDefinition("prune-workspaces", parameters.ParameterTypeBool, parameters.WithHelp("Remove crew worktrees and branches not held by a running worker"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("close-session", parameters.ParameterTypeBool, parameters.WithHelp("Close the session when no worker is running"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("dry-run", parameters.ParameterTypeBool, parameters.WithHelp("Print actions without executing"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &cleanupGlazedCommand{CommandDescription: desc}, nil
}

func (c *cleanupGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &cleanupSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	ctx, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()

	result, err := service.Cleanup(ctx, orchestrator.CleanupOptions{
		MessageDays:     settings.MessageDays,
		RecoveryDays:    settings.RecoveryDays,
		PruneWorkspaces: settings.PruneWorkspaces,
		CloseSession:    settings.CloseSession,
		DryRun:          settings.DryRun,
	})
	if err != nil {
		return err
	}
	if crew.JSON {
		return printJSON(result)
	}
	if settings.DryRun {
		fmt.Println("Cleanup plan:")
		for _, action := range result.Actions {
			fmt.Printf("  - %s\n", action)
		}
		return nil
	}
	fmt.Printf("Removed %d message(s), %d pattern(s), %d recovery record(s)\n", result.MessagesRemoved, result.PatternsRemoved, result.AttemptsRemoved)
	for _, path := range result.WorkspacesPruned {
		fmt.Printf("  pruned %s\n", path)
	}
	if result.SessionClosed {
		fmt.Println("Session closed.")
	}
	return nil
}

var _ cmds.BareCommand = &cleanupGlazedCommand{}
