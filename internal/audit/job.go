package audit

import "time"

// Job is one captured prompt/response exchange queued for verification.
type Job struct {
	RequestID   string
	Prompt      string
	Response    string
	Model       string
	UserID      string
	RequestPath string
	Timestamp   time.Time
}
