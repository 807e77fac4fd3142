package gates

import (
	"time"

	"gateline/internal/domain"
)

// Review evaluates reviewer-recorded severity counts. P0 and P1 findings
// block; P2/P3 are advisory and never do.
func Review(in domain.ReviewInput, now time.Time) domain.Proof {
	return domain.Proof{
		Kind:      domain.GateReview,
		Passed:    in.P0 == 0 && in.P1 == 0,
		CheckedAt: now.UTC().Format(time.RFC3339),
		P0:        in.P0,
		P1:        in.P1,
		P2:        in.P2,
		P3:        in.P3,
		Notes:     in.Notes,
	}
}
