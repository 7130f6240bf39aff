package event

import "encoding/json"

// Server push names on the persistent channel.
const (
	PushMessageResponse        = "message_response"
	PushOptimizationResult     = "optimization_result"
	PushTypingStart            = "typing_start"
	PushTypingStop             = "typing_stop"
	PushAnalyticsUpdate        = "analytics_update"
	PushTemplateRecommendation = "template_recommendation"
	PushStatusUpdate           = "status_update"
	PushCreditUpdate           = "credit_update"
	PushTemplateOpportunity    = "template_opportunity"
	PushBillingError           = "billing_error"
)

// FromServer converts a server push into its event variant. Pushes with
// backend-defined payloads become ServerNotice; unknown kinds return nil.
// message_response is consumed by the strategy and never reaches here.
func FromServer(kind string, payload json.RawMessage) Event {
	switch kind {
	case PushTypingStart:
		return Typing{Active: true}
	case PushTypingStop:
		return Typing{Active: false}
	case PushCreditUpdate:
		var body struct {
			Remaining float64 `json:"remaining"`
			Credits   float64 `json:"credits"`
		}
		_ = json.Unmarshal(payload, &body)
		remaining := body.Remaining
		if remaining == 0 {
			remaining = body.Credits
		}
		return CreditUpdate{Remaining: remaining, Payload: payload}
	case PushBillingError:
		var body struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &body)
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		return BillingError{Message: msg, Payload: payload}
	case PushOptimizationResult, PushAnalyticsUpdate, PushTemplateRecommendation,
		PushStatusUpdate, PushTemplateOpportunity:
		return ServerNotice{Kind: kind, Payload: payload}
	}
	return nil
}
