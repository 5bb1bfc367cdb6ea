package model

import "testing"

func TestMessageValidate(t *testing.T) {
	valid := Message{
		ID:       "m-1",
		AgentID:  "backend",
		Type:     MessageTypeQuestion,
		Content:  "Which database should I use?",
		Priority: PriorityNormal,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}

	cases := []Message{
		{ID: "", AgentID: "backend", Type: MessageTypeQuestion, Content: "q", Priority: PriorityNormal},
		{ID: "m-1", AgentID: "", Type: MessageTypeQuestion, Content: "q", Priority: PriorityNormal},
		{ID: "m-1", AgentID: "backend", Type: "chatter", Content: "q", Priority: PriorityNormal},
		{ID: "m-1", AgentID: "backend", Type: MessageTypeStatus, Content: "q", Priority: "critical"},
		{ID: "m-1", AgentID: "backend", Type: MessageTypeStatus, Content: "  ", Priority: PriorityLow},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d expected validation error", i)
		}
	}
}

func TestMessageInitialState(t *testing.T) {
	if got := (Message{RequiresResponse: true}).InitialState(); got != MessageStatePending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := (Message{}).InitialState(); got != MessageStateInformational {
		t.Fatalf("expected informational, got %s", got)
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole(" Frontend "); !ok || role != RoleFrontend {
		t.Fatalf("expected frontend, got %s ok=%v", role, ok)
	}
	if role, ok := ParseRole("hacker"); ok || role != RoleGeneral {
		t.Fatalf("expected general fallback, got %s ok=%v", role, ok)
	}
}
