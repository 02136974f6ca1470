// Package conversation implements per-user conversation state management:
// bounded message history, importance-based pruning, near-duplicate removal,
// summarization and persona prompt compression. Together these decide what
// context is sent to the model under a fixed token budget.
package conversation

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid checks if the role is one of the known chat roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is a single entry in a conversation history.
// Append order equals chronological order; a message is immutable after
// append except for the Truncated flag set in place by the optimizer.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Truncated bool
	IsSummary bool
}

// UserMessage creates a user message stamped with the current time.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant message stamped with the current time.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// SystemMessage creates a system message stamped with the current time.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}
