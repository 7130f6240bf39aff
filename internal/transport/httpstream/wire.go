package httpstream

import (
	"encoding/json"
	"strings"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// --- chat completion wire types (internal) ---

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

// chatResponse covers both the buffered reply and individual stream chunks.
// Backends differ on where the text lives, so every known location is read.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta   chatMessage `json:"delta"`
		Message chatMessage `json:"message"`
		Text    string      `json:"text"`
	} `json:"choices"`
	Content  string   `json:"content"`
	Response string   `json:"response"`
	Usage    *usage   `json:"usage"`
	Cost     *float64 `json:"cost"`
}

// content returns the full text of a buffered reply.
func (r *chatResponse) content() string {
	if len(r.Choices) > 0 {
		c := r.Choices[0]
		switch {
		case c.Message.Content != "":
			return c.Message.Content
		case c.Text != "":
			return c.Text
		case c.Delta.Content != "":
			return c.Delta.Content
		}
	}
	if r.Content != "" {
		return r.Content
	}
	return r.Response
}

// delta returns the increment carried by a stream chunk.
func (r *chatResponse) delta() string {
	if len(r.Choices) > 0 {
		c := r.Choices[0]
		switch {
		case c.Delta.Content != "":
			return c.Delta.Content
		case c.Message.Content != "":
			return c.Message.Content
		case c.Text != "":
			return c.Text
		}
	}
	return r.Content
}

func (r *chatResponse) metadata() chat.Metadata {
	var m chat.Metadata
	r.mergeInto(&m)
	return m
}

// mergeInto copies any model, usage or cost figures onto m.
func (r *chatResponse) mergeInto(m *chat.Metadata) {
	if r.Model != "" {
		m.ModelName = r.Model
	}
	if r.Usage != nil && r.Usage.TotalTokens > 0 {
		m.TokenCount = r.Usage.TotalTokens
	}
	if r.Cost != nil {
		m.Cost = *r.Cost
	}
}

// extractDelta parses a frame's data as a JSON chunk or a JSON string,
// falling back to the literal text otherwise. Metadata found along the way
// is merged into meta.
func extractDelta(data string, meta *chat.Metadata) string {
	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
			return text
		}
		return data
	}
	if !strings.HasPrefix(trimmed, "{") {
		return data
	}
	var chunk chatResponse
	if err := json.Unmarshal([]byte(trimmed), &chunk); err != nil {
		return data
	}
	chunk.mergeInto(meta)
	return chunk.delta()
}

// errorText extracts a readable message from an error frame's data.
func errorText(data string) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		if s := strings.TrimSpace(data); s != "" {
			return s
		}
		return "backend reported a stream error"
	}
	if payload.Message != "" {
		return payload.Message
	}
	var nested struct {
		Message string `json:"message"`
	}
	var flat string
	switch {
	case json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
		return nested.Message
	case json.Unmarshal(payload.Error, &flat) == nil && flat != "":
		return flat
	}
	return "backend reported a stream error"
}
