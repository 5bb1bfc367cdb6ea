package model

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeQuestion MessageType = "question"
	MessageTypeStatus   MessageType = "status"
	MessageTypeProgress MessageType = "progress"
	MessageTypeDecision MessageType = "decision"
)

type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// Rank orders priorities from least (0) to most urgent.
func (p MessagePriority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

type MessageState string

const (
	MessageStateInformational MessageState = "informational"
	MessageStatePending       MessageState = "pending"
	MessageStateResponded     MessageState = "responded"
	MessageStateExpired       MessageState = "expired"
)

type Message struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	Type             MessageType     `json:"type"`
	Content          string          `json:"content"`
	RequiresResponse bool            `json:"requires_response"`
	QuickActions     []string        `json:"quick_actions"`
	Priority         MessagePriority `json:"priority"`
	Timestamp        time.Time       `json:"timestamp"`
}

type Response struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(m.AgentID) == "" {
		return fmt.Errorf("message agent_id is required")
	}
	switch m.Type {
	case MessageTypeQuestion, MessageTypeStatus, MessageTypeProgress, MessageTypeDecision:
	default:
		return fmt.Errorf("message type must be question|status|progress|decision")
	}
	switch m.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("message priority must be low|normal|high|urgent")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message content is required")
	}
	return nil
}

// InitialState is informational for fire-and-forget messages, pending otherwise.
func (m Message) InitialState() MessageState {
	if m.RequiresResponse {
		return MessageStatePending
	}
	return MessageStateInformational
}
