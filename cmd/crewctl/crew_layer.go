package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/logging"
	"crewctl/internal/orchestrator"
)

const crewLayerSlug = "crew"

type crewSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Root       string `glazed.parameter:"root"`
	Debug      bool   `glazed.parameter:"debug"`
	JSON       bool   `glazed.parameter:"json"`
}

func newCrewLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(crewLayerSlug, "Crew")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .crewctl/policy.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"root",
			parameters.ParameterTypeString,
			parameters.WithHelp("Directory relative policy paths resolve against"),
			parameters.WithDefault("."),
		),
		parameters.NewParameterDefinition(
			"debug",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Enable debug logging"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"json",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print results as JSON"),
			parameters.WithDefault(false),
		),
	)
	return layer, nil
}

func newCrewCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	crewLayer, err := newCrewLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(crewLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeCrew(parsedLayers *layers.ParsedLayers) (*crewSettings, error) {
	settings := &crewSettings{}
	if err := parsedLayers.InitializeStruct(crewLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// openService returns a logging context and the wired service for one
// command invocation.
func openService(ctx context.Context, parsedLayers *layers.ParsedLayers) (context.Context, *crewSettings, *orchestrator.Service, error) {
	settings, err := initializeCrew(parsedLayers)
	if err != nil {
		return ctx, nil, nil, err
	}
	ctx = logging.Context(ctx, logging.Options{Debug: settings.Debug})
	service, err := orchestrator.NewService(ctx, orchestrator.Options{PolicyPath: settings.PolicyPath, Root: settings.Root})
	if err != nil {
		return ctx, settings, nil, err
	}
	return ctx, settings, service, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func normalizeInputTokens(values []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}

// parseKeyValues turns repeated key=value flags into a map. String list
// flags arrive split on commas, so a piece without "=" continues the value
// before it: "path=a,b.txt" stays one entry.
func parseKeyValues(values []string) (map[string]string, error) {
	out := map[string]string{}
	lastKey := ""
	for _, value := range values {
		for _, piece := range strings.Split(value, ",") {
			key, val, ok := strings.Cut(piece, "=")
			key = strings.TrimSpace(key)
			if !ok {
				if lastKey == "" {
					if strings.TrimSpace(piece) == "" {
						continue
					}
					return nil, fmt.Errorf("expected key=value, got %q", piece)
				}
				out[lastKey] = out[lastKey] + "," + strings.TrimRight(piece, " ")
				continue
			}
			if key == "" {
				return nil, fmt.Errorf("expected key=value, got %q", piece)
			}
			out[key] = strings.TrimSpace(val)
			lastKey = key
		}
	}
	return out, nil
}
