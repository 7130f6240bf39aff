package chat

import "time"

// Role identifies the author of a Message.
type Role string

// Role constants for the Message.Role field.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks a Message through its lifecycle.
type Status string

const (
	StatusSending    Status = "sending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Message is a single transcript entry. Assistant messages grow while a
// response streams in and are frozen once Status is completed or error.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Status    Status    `json:"status"`
}

// Frozen reports whether the message has reached a terminal status.
func (m Message) Frozen() bool {
	return m.Status == StatusCompleted || m.Status == StatusError
}

// Metadata carries optional per-response details reported by the backend.
type Metadata struct {
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
	ModelName      string        `json:"model_name,omitempty"`
	TokenCount     int           `json:"token_count,omitempty"`
	Cost           float64       `json:"cost,omitempty"`
}

// Turn is one entry of the conversation history sent to the backend.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single send handed to a Strategy.
type Request struct {
	MessageID string // ID of the assistant placeholder this send fills.
	Text      string // The user's prompt.
	History   []Turn // Prior conversation, oldest first, excluding Text.
}

// Turns returns the full message list for the backend: History followed by
// the user's prompt.
func (r Request) Turns() []Turn {
	out := make([]Turn, 0, len(r.History)+1)
	out = append(out, r.History...)
	return append(out, Turn{Role: RoleUser, Content: r.Text})
}

// Result is the terminal outcome of a successful send.
type Result struct {
	Content  string
	Metadata Metadata
}

// HistoryFrom converts transcript messages into backend turns, skipping
// messages that never completed.
func HistoryFrom(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != StatusCompleted || m.Content == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// ConnectionState is the lifecycle state of the active strategy's channel.
// Exactly one state is active at a time and only the supervisor changes it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateRetrying     ConnectionState = "retrying"
)
