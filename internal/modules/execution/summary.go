package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
)

// Summary renders an execution for audit logs and operators
func Summary(exec *domain.RebalanceExecution) string {
	if exec == nil {
		return ""
	}
	rec := exec.Recommendation
	from := rec.SourceVenue
	if rec.IsNewDeposit() {
		from = "wallet"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rebalance %s: %s\n", exec.ID, exec.State)
	fmt.Fprintf(&b, "  %s -> %s: %s %s at %s%% expected\n", from, rec.DestinationVenue, rec.Amount, rec.Token, rec.ExpectedAPY)
	for _, s := range exec.Steps {
		status := "ok"
		if !s.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "  %-13s %-6s", s.Step, status)
		if s.TxReference != "" {
			fmt.Fprintf(&b, " tx=%s", s.TxReference)
		}
		if s.GasUsed > 0 || s.GasCostUSD.IsPositive() {
			fmt.Fprintf(&b, " gas=%d ($%s)", s.GasUsed, s.GasCostUSD.StringFixed(4))
		}
		if s.Note != "" {
			fmt.Fprintf(&b, " note: %s", s.Note)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, " error: %s", s.Error)
		}
		b.WriteString("\n")
	}
	for _, a := range exec.Rollback {
		status := "ok"
		if !a.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "  rollback: %s %s", a.Description, status)
		if a.TxReference != "" {
			fmt.Fprintf(&b, " tx=%s", a.TxReference)
		}
		if a.Error != "" {
			fmt.Fprintf(&b, " error: %s", a.Error)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  total gas: %d ($%s) in %s\n",
		exec.TotalGasUsed, exec.TotalGasCostUSD.StringFixed(4), exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	if exec.FailureReason != "" {
		fmt.Fprintf(&b, "  failure: %s\n", exec.FailureReason)
	}
	return b.String()
}
