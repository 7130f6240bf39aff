package event

import (
	"encoding/json"
	"time"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// Name is the closed vocabulary of notifications published on the Hub.
// UI code subscribes by Name and never needs to know which strategy is active.
type Name string

const (
	// Connection lifecycle (published by the supervisor).
	NameStateChanged     Name = "state_changed"
	NameConnected        Name = "connected"
	NameDisconnected     Name = "disconnected"
	NameReconnecting     Name = "reconnecting"
	NameConnectionFailed Name = "connection_failed"
	NameHealthDegraded   Name = "health_degraded"

	// Per-send lifecycle (published by the client).
	NameMessageSent   Name = "message_sent"
	NameDelta         Name = "delta"
	NameComplete      Name = "complete"
	NameError         Name = "error"
	NameBillingFailed Name = "billing_failed"

	// Server-pushed notifications (persistent channel only).
	NameTyping       Name = "typing"
	NameCreditUpdate Name = "credit_update"
	NameBillingError Name = "billing_error"
	NameServerNotice Name = "server_notice"
)

// Event is implemented by every notification variant. Consumers switch on the
// concrete type instead of probing payload shapes.
type Event interface {
	Name() Name
}

// StateChanged reports a supervisor transition.
type StateChanged struct {
	From chat.ConnectionState
	To   chat.ConnectionState
}

// Connected reports that the channel is up.
type Connected struct{}

// Disconnected reports that the channel went down. Requested is true when
// the caller asked for it.
type Disconnected struct {
	Reason    string
	Requested bool
}

// Reconnecting reports a scheduled retry.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// ConnectionFailed is terminal: no further automatic attempts are made until
// Connect is called again.
type ConnectionFailed struct {
	Attempts int
	Err      error
}

// HealthDegraded is advisory: a liveness probe failed while connected.
type HealthDegraded struct {
	Err error
}

// MessageSent carries the user's message and the assistant placeholder that
// will receive the response.
type MessageSent struct {
	User        chat.Message
	Placeholder chat.Message
}

// Delta carries one content increment. Content is the accumulated text so far.
type Delta struct {
	MessageID string
	Text      string
	Content   string
}

// Complete is the successful terminal notification of a send.
type Complete struct {
	Message chat.Message
}

// Error is the failed terminal notification of a send. Message is the frozen
// assistant message with whatever content had arrived; Notice is the
// system-role message appended to the transcript.
type Error struct {
	Message chat.Message
	Notice  chat.Message
	Err     error
}

// BillingFailed reports that credit consumption was rejected after a
// completed response. The response itself stays completed.
type BillingFailed struct {
	MessageID string
	Cost      float64
	Err       error
}

// Typing reports the backend typing indicator.
type Typing struct {
	Active bool
}

// CreditUpdate reports the backend's view of remaining credits.
type CreditUpdate struct {
	Remaining float64
	Payload   json.RawMessage
}

// BillingError reports a backend billing problem not tied to a send.
type BillingError struct {
	Message string
	Payload json.RawMessage
}

// ServerNotice carries a server push whose payload is backend-defined.
type ServerNotice struct {
	Kind    string
	Payload json.RawMessage
}

func (StateChanged) Name() Name     { return NameStateChanged }
func (Connected) Name() Name        { return NameConnected }
func (Disconnected) Name() Name     { return NameDisconnected }
func (Reconnecting) Name() Name     { return NameReconnecting }
func (ConnectionFailed) Name() Name { return NameConnectionFailed }
func (HealthDegraded) Name() Name   { return NameHealthDegraded }
func (MessageSent) Name() Name      { return NameMessageSent }
func (Delta) Name() Name            { return NameDelta }
func (Complete) Name() Name         { return NameComplete }
func (Error) Name() Name            { return NameError }
func (BillingFailed) Name() Name    { return NameBillingFailed }
func (Typing) Name() Name           { return NameTyping }
func (CreditUpdate) Name() Name     { return NameCreditUpdate }
func (BillingError) Name() Name     { return NameBillingError }
func (ServerNotice) Name() Name     { return NameServerNotice }
