package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(ctx context.Context, args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "crewctl",
		Short:         "spawn, monitor and coordinate isolated agent workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newSpawnGlazedCommand() },
		func() (cmds.Command, error) { return newStopGlazedCommand() },
		func() (cmds.Command, error) { return newStatusGlazedCommand() },
		func() (cmds.Command, error) { return newMonitorGlazedCommand() },
		func() (cmds.Command, error) { return newCoordinateGlazedCommand() },
		func() (cmds.Command, error) { return newMessagesGlazedCommand() },
		func() (cmds.Command, error) { return newSendGlazedCommand() },
		func() (cmds.Command, error) { return newRespondGlazedCommand() },
		func() (cmds.Command, error) { return newRecoverGlazedCommand() },
		func() (cmds.Command, error) { return newCleanupGlazedCommand() },
		func() (cmds.Command, error) { return newPolicyInitGlazedCommand() },
	}
	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}
