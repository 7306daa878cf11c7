package audit

import (
	"strings"

	"github.com/trustagent/audit-gateway/internal/hub"
)

// mapClaimStatus folds a verifier verdict string into the broadcast status
// vocabulary. Matching is case-insensitive and substring-based so verdict
// dialects like "Supported", "partially supported", or "CONTRADICTED" all
// land somewhere sensible.
func mapClaimStatus(verdict string) string {
	v := strings.ToLower(verdict)

	switch {
	case strings.Contains(v, "partial") && strings.Contains(v, "support"):
		return hub.ClaimPartiallySupported
	case strings.Contains(v, "supported") && !strings.Contains(v, "unsupported"):
		return hub.ClaimSupported
	default:
		// unsupport, contradict, and anything unrecognized.
		return hub.ClaimUnsupported
	}
}
