package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// Run is one execution of the assistant against a conversation thread
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	ToolCalls []ToolCall // Set only while Status is requires_action
	LastError string     // Failure description reported by the assistant service
}

// ToolCall is a request from the assistant to perform a named side effect
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput is the result of exactly one ToolCall
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Message is one entry of the conversation that seeds a thread
type Message struct {
	Role    Role
	Content string
}

// BatchKey identifies the set of tool calls observed in one requires_action state.
// Two observations of the same pending batch produce the same key regardless of order.
func BatchKey(calls []ToolCall) string {
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
