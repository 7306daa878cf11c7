package verifier

// Audit statuses reported by GetAuditResult.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Claim is a single claim verdict as reported by the verifier. Verdict is
// the verifier's free-form status string; mapping it into the broadcast
// vocabulary is the dispatcher's job.
type Claim struct {
	Text       string  `json:"claim"`
	Verdict    string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// Result is the normalized terminal verification record returned by
// Evaluate.
type Result struct {
	AuditID           string
	FaithfulnessScore float64
	Claims            []Claim
	ReasoningTrace    string
}

// Wire messages for the audit.AuditService contract.

type submitAuditRequest struct {
	RequestID string `json:"request_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
}

type submitAuditResponse struct {
	AuditID string `json:"audit_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type getAuditResultRequest struct {
	AuditID string `json:"audit_id"`
}

type getAuditResultResponse struct {
	AuditID           string  `json:"audit_id"`
	Status            string  `json:"status"`
	FaithfulnessScore float64 `json:"faithfulness_score"`
	Claims            []Claim `json:"claims"`
	ReasoningTrace    string  `json:"reasoning_trace"`
}

type healthCheckRequest struct{}

type healthCheckResponse struct {
	Status string `json:"status,omitempty"`
}
