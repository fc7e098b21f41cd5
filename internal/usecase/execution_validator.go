package usecase

import (
	"fmt"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// ExecutionValidator gates state commits. A decision is only committed when its
// execution succeeded; it never touches the state itself.
type ExecutionValidator struct{}

func (ExecutionValidator) Validate(d domain.Decision) bool {
	return d.ExecutionStatus == domain.ExecutionSuccess
}

func (v ExecutionValidator) Reason(d domain.Decision) string {
	if v.Validate(d) {
		return "ok"
	}
	if d.Info != "" {
		return fmt.Sprintf("%s %s: %s", d.Action, d.ExecutionStatus, d.Info)
	}
	return fmt.Sprintf("%s %s", d.Action, d.ExecutionStatus)
}
