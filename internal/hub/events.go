package hub

import "time"

// Event types delivered to subscribers.
const (
	EventTypeConnected   = "connected"
	EventTypeAuditResult = "audit_result"
	EventTypeAuditError  = "audit_error"
)

// Claim statuses used in audit_result broadcasts.
const (
	ClaimSupported          = "SUPPORTED"
	ClaimUnsupported        = "UNSUPPORTED"
	ClaimPartiallySupported = "PARTIALLY_SUPPORTED"
	ClaimUnknown            = "UNKNOWN"
)

// Event is the envelope every subscriber frame uses.
type Event struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// AuditResultData is the audit_result payload: the original prompt and
// response pair together with the verification scores and claim verdicts.
type AuditResultData struct {
	AuditID               string         `json:"audit_id"`
	RequestID             string         `json:"request_id"`
	UserQuery             string         `json:"user_query"`
	LLMResponse           string         `json:"llm_response"`
	FaithfulnessScore     float64        `json:"faithfulness_score"`
	RelevancyScore        float64        `json:"relevancy_score"`
	OverallScore          float64        `json:"overall_score"`
	HallucinationDetected bool           `json:"hallucination_detected"`
	Claims                []ClaimVerdict `json:"claims"`
	ReasoningTrace        string         `json:"reasoning_trace"`
	ProcessingTimeMS      int64          `json:"processing_time_ms"`
	Timestamp             string         `json:"timestamp"`
	Provider              string         `json:"provider"`
	Model                 string         `json:"model"`
}

// ClaimVerdict is one claim's verdict in the broadcast vocabulary.
// Evidence is always present as an array so consumers never see null.
type ClaimVerdict struct {
	Claim      string   `json:"claim"`
	Status     string   `json:"status"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// AuditErrorData is the audit_error payload.
type AuditErrorData struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// NewAuditResultEvent wraps an audit result in the broadcast envelope.
func NewAuditResultEvent(data AuditResultData) Event {
	return Event{
		Type:      EventTypeAuditResult,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	}
}

// NewAuditErrorEvent wraps a verification failure in the broadcast envelope.
func NewAuditErrorEvent(requestID, message string) Event {
	return Event{
		Type:      EventTypeAuditError,
		Timestamp: time.Now().Format(time.RFC3339),
		Data: AuditErrorData{
			RequestID: requestID,
			Error:     message,
		},
	}
}

// connectedMessage is the welcome frame sent to a subscriber right after
// registration. Unlike audit events it is flat: the subscriber's own id
// rides in request_id at the top level.
type connectedMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

func newConnectedMessage(subscriberID string) connectedMessage {
	return connectedMessage{
		Type:      EventTypeConnected,
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: subscriberID,
	}
}
