package wsconn

import "encoding/json"

// Outbound envelope types.
const (
	TypeMessage = "message"
	TypeCancel  = "cancel"
)

// Envelope is the frame exchanged on the persistent channel in both
// directions. ID correlates a message_response with the send that caused it.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageData is the payload of an outbound chat message.
type MessageData struct {
	Content string        `json:"content"`
	History []HistoryTurn `json:"history,omitempty"`
}

// HistoryTurn is one prior turn sent along with a message.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseData is the payload of an inbound message_response. Done is false
// for streamed increments carrying Delta; a response without Done is final.
type ResponseData struct {
	Done     *bool             `json:"done,omitempty"`
	Delta    string            `json:"delta,omitempty"`
	Content  string            `json:"content,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata *ResponseMetadata `json:"metadata,omitempty"`
}

// ResponseMetadata carries the figures of a completed reply.
type ResponseMetadata struct {
	Model            string  `json:"model,omitempty"`
	TokenCount       int     `json:"token_count,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	ProcessingTimeMS int64   `json:"processing_time_ms,omitempty"`
}

func (d *ResponseData) final() bool {
	return d.Done == nil || *d.Done
}
