package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"crewctl/internal/bus"
	"crewctl/internal/model"
)

type messagesGlazedCommand struct {
	*cmds.CommandDescription
}

type messagesSettings struct {
	All bool `glazed.parameter:"all"`
}

func newMessagesGlazedCommand() (*messagesGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"messages",
		"List worker messages",
		"List messages awaiting a response, most urgent first. Use --all for the full history.",
		parameters.NewParameterDefinition("all", parameters.ParameterTypeBool, parameters.WithHelp("Include answered and informational messages"), parameters.WithDefault(false)),
	)
	if err != nil {
		return nil, err
	}
	return &messagesGlazedCommand{CommandDescription: desc}, nil
}

func (c *messagesGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &messagesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	_, crew, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()

	var messages []model.Message
	if settings.All {
		messages, err = service.Bus().Messages()
	} else {
		messages, err = service.Bus().PendingMessages()
	}
	if err != nil {
		return err
	}
	bus.SortForTriage(messages)
	if crew.JSON {
		return printJSON(messages)
	}
	if len(messages) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, msg := range messages {
		fmt.Printf("%s [%s/%s] from %s at %s\n", msg.ID, msg.Priority, msg.Type, msg.AgentID, msg.Timestamp.Format(time.RFC3339))
		fmt.Printf("  %s\n", msg.Content)
		if len(msg.QuickActions) > 0 {
			fmt.Printf("  quick actions: %s\n", strings.Join(msg.QuickActions, " | "))
		}
		if response, ok, _ := service.Bus().Response(msg.ID); ok {
			fmt.Printf("  answered: %s\n", response.Text)
		}
	}
	return nil
}

var _ cmds.BareCommand = &messagesGlazedCommand{}

type sendGlazedCommand struct {
	*cmds.CommandDescription
}

type sendSettings struct {
	Role             string   `glazed.parameter:"role"`
	Type             string   `glazed.parameter:"type"`
	Content          string   `glazed.parameter:"content"`
	RequiresResponse bool     `glazed.parameter:"requires-response"`
	Priority         string   `glazed.parameter:"priority"`
	QuickActions     []string `glazed.parameter:"quick-action"`
	WaitSeconds      int      `glazed.parameter:"wait"`
}

func newSendGlazedCommand() (*sendGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"send",
		"Post a message from a worker",
		"Post a question, status, progress or decision message. With --wait, block until the operator responds or the timeout elapses.",
		parameters.NewParameterDefinition("role", parameters.ParameterTypeString, parameters.WithHelp("Sender role"), parameters.WithDefault("general")),
		parameters.NewParameterDefinition("type", parameters.ParameterTypeString, parameters.WithHelp("Message type: question|status|progress|decision"), parameters.WithDefault(string(model.MessageTypeStatus))),
		parameters.NewParameterDefinition("content", parameters.ParameterTypeString, parameters.WithHelp("Message text"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("requires-response", parameters.ParameterTypeBool, parameters.WithHelp("Mark the message as awaiting an operator response"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("priority", parameters.ParameterTypeString, parameters.WithHelp("Priority: low|normal|high|urgent"), parameters.WithDefault(string(model.PriorityNormal))),
		parameters.NewParameterDefinition("quick-action", parameters.ParameterTypeStringList, parameters.WithHelp("Suggested answers (repeatable, or comma-separated)"), parameters.WithDefault([]string{})),
		parameters.NewParameterDefinition("wait", parameters.ParameterTypeInteger, parameters.WithHelp("Seconds to wait for a response (0 = do not wait)"), parameters.WithDefault(0)),
	)
	if err != nil {
		return nil, err
	}
	return &sendGlazedCommand{CommandDescription: desc}, nil
}

func (c *sendGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &sendSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Content) == "" {
		return fmt.Errorf("--content is required")
	}
	ctx, _, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()

	requiresResponse := settings.RequiresResponse || settings.WaitSeconds > 0
	id, err := service.Bus().Send(ctx, strings.TrimSpace(settings.Role), model.MessageType(strings.TrimSpace(settings.Type)), settings.Content, bus.SendOptions{
		RequiresResponse: requiresResponse,
		QuickActions:     normalizeInputTokens(settings.QuickActions),
		Priority:         model.MessagePriority(strings.TrimSpace(settings.Priority)),
	})
	if err != nil {
		return err
	}
	if settings.WaitSeconds <= 0 {
		fmt.Println(id)
		return nil
	}
	text, ok := service.Bus().AwaitResponse(ctx, id, time.Duration(settings.WaitSeconds)*time.Second)
	if !ok {
		return fmt.Errorf("no response to %s within %ds", id, settings.WaitSeconds)
	}
	fmt.Println(text)
	return nil
}

var _ cmds.BareCommand = &sendGlazedCommand{}

type respondGlazedCommand struct {
	*cmds.CommandDescription
}

type respondSettings struct {
	ID   string `glazed.parameter:"id"`
	Text string `glazed.parameter:"text"`
}

func newRespondGlazedCommand() (*respondGlazedCommand, error) {
	desc, err := newCrewCommandDescription(
		"respond",
		"Answer a worker message",
		"Record the operator response to a pending message.",
		parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Message id"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("text", parameters.ParameterTypeString, parameters.WithHelp("Response text"), parameters.WithDefault("")),
	)
	if err != nil {
		return nil, err
	}
	return &respondGlazedCommand{CommandDescription: desc}, nil
}

func (c *respondGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &respondSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" || strings.TrimSpace(settings.Text) == "" {
		return fmt.Errorf("--id and --text are required")
	}
	ctx, _, service, err := openService(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer service.Close()
	if err := service.Bus().Respond(ctx, strings.TrimSpace(settings.ID), settings.Text); err != nil {
		return err
	}
	fmt.Printf("Responded to %s\n", strings.TrimSpace(settings.ID))
	return nil
}

var _ cmds.BareCommand = &respondGlazedCommand{}
