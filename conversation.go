package corewire

import (
	"encoding/json"
	"fmt"
)

// ConversationKey identifies one independent conversation thread. A single
// chat surface (Telegram chat, browser tab, CLI session) may host many
// conversations distinguished by thread and agent.
type ConversationKey struct {
	ChatID   string `json:"chat_id"`
	ThreadID string `json:"thread_id"`
	AgentID  string `json:"agent_id"`
}

// String renders the key in the canonical "chat/thread/agent" form used for
// log fields and map-backed store keys.
func (k ConversationKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ChatID, k.ThreadID, k.AgentID)
}

// StoreKey returns the persisted-state key for this conversation's agent
// session, matching the "agent-key:<chatId>:<threadId>" schema.
func (k ConversationKey) StoreKey() string {
	return "agent-key:" + k.ChatID + ":" + k.ThreadID
}

// Prompt is one inbound turn submitted to the Conversation Monitor.
type Prompt struct {
	Key        ConversationKey
	Text       string
	Attachments []Attachment
	SenderID   string
}

// ResponseUpdateKind tags the variant carried by a ResponseUpdate.
type ResponseUpdateKind string

const (
	UpdateTextDelta       ResponseUpdateKind = "text-delta"
	UpdateToolCallStart   ResponseUpdateKind = "tool-call-start"
	UpdateToolCallResult  ResponseUpdateKind = "tool-call-result"
	UpdateApprovalPending ResponseUpdateKind = "approval-pending"
	UpdateError           ResponseUpdateKind = "error"
	UpdateStreamComplete  ResponseUpdateKind = "stream-complete"
)

// ResponseUpdate is one item in a session's replay buffer. The zero value of
// every field not implied by Kind is left unset.
type ResponseUpdate struct {
	Kind ResponseUpdateKind `json:"kind"`

	// TextDelta
	Text string `json:"text,omitempty"`

	// ToolCallStart / ToolCallResult
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult ToolResult      `json:"tool_result,omitempty"`

	// ApprovalPending
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Error
	Err string `json:"error,omitempty"`

	// StreamComplete
	Cancelled bool `json:"cancelled,omitempty"`

	// Seq is the position of this update within its session's replay
	// buffer; used by reconnecting subscribers to detect gaps.
	Seq uint64 `json:"seq"`
}

// IsTerminal reports whether this update ends the stream. Once a terminal
// update is appended, a session's buffer is immutable until the next run.
func (u ResponseUpdate) IsTerminal() bool {
	return u.Kind == UpdateStreamComplete || u.Kind == UpdateError
}

// ApprovalDecision is the outcome of an approval check or resolution.
type ApprovalDecision string

const (
	DecisionAutoApproved       ApprovalDecision = "auto-approved"
	DecisionApproved           ApprovalDecision = "approved"
	DecisionApprovedAndRemember ApprovalDecision = "approved-and-remember"
	DecisionRejected           ApprovalDecision = "rejected"
	DecisionPending            ApprovalDecision = "pending"
)

// ApprovalRequest describes one tool call awaiting human sign-off.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	Key        ConversationKey `json:"-"`
	ToolName   string          `json:"tool_name"` // fully-qualified, e.g. "mcp:github:create_issue"
	Args       json.RawMessage `json:"args"`
	RequestedAt int64          `json:"requested_at"`
}

// ApprovalResult is the human's answer to an ApprovalRequest.
type ApprovalResult struct {
	Decision ApprovalDecision
}
