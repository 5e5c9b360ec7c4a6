package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStep is one stage of the rebalance state machine
type ExecutionStep string

const (
	StepValidation   ExecutionStep = "VALIDATION"
	StepBalanceCheck ExecutionStep = "BALANCE_CHECK"
	StepWithdraw     ExecutionStep = "WITHDRAW"
	StepApprove      ExecutionStep = "APPROVE"
	StepDeposit      ExecutionStep = "DEPOSIT"
	StepVerification ExecutionStep = "VERIFICATION"
)

// ExecutionState is the terminal state of an execution
type ExecutionState string

const (
	ExecutionSuccess ExecutionState = "SUCCESS"
	ExecutionFailed  ExecutionState = "FAILED"
)

// StepResult records the outcome of one state-machine step
type StepResult struct {
	Step        ExecutionStep   `json:"step"`
	TxReference string          `json:"tx_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	Note        string          `json:"note,omitempty"`
	GasCostUSD  decimal.Decimal `json:"gas_cost_usd"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	Success     bool            `json:"success"`
}

// RollbackAction is a best-effort compensation attempted after a failure
type RollbackAction struct {
	Description string          `json:"description"`
	TxReference string          `json:"tx_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	GasCostUSD  decimal.Decimal `json:"gas_cost_usd"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	Success     bool            `json:"success"`
}

// Balance keys used in InitialBalances/FinalBalances
const (
	BalanceWallet = "wallet"
)

// RebalanceExecution is the audit record of one attempt to carry out a recommendation.
// Appended to while the state machine runs; immutable once State is set.
type RebalanceExecution struct {
	StartedAt       time.Time                  `json:"started_at"`
	CompletedAt     time.Time                  `json:"completed_at"`
	InitialBalances map[string]decimal.Decimal `json:"initial_balances"`
	FinalBalances   map[string]decimal.Decimal `json:"final_balances"`
	ID              string                     `json:"id"`
	State           ExecutionState             `json:"state"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	Recommendation  RebalanceRecommendation    `json:"recommendation"`
	Steps           []StepResult               `json:"steps"`
	Rollback        []RollbackAction           `json:"rollback,omitempty"`
	TotalGasCostUSD decimal.Decimal            `json:"total_gas_cost_usd"`
	TotalGasUsed    uint64                     `json:"total_gas_used"`
	Success         bool                       `json:"success"`
}

// Step returns the recorded result for a step, if present
func (e *RebalanceExecution) Step(step ExecutionStep) (StepResult, bool) {
	for _, s := range e.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepResult{}, false
}

// TouchedChain reports whether any step beyond validation ran
func (e *RebalanceExecution) TouchedChain() bool {
	for _, s := range e.Steps {
		if s.Step != StepValidation && s.Step != StepBalanceCheck {
			return true
		}
	}
	return false
}
