package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxKind identifies what a transaction request does
type TxKind string

const (
	TxWithdraw TxKind = "withdraw"
	TxApprove  TxKind = "approve"
	TxDeposit  TxKind = "deposit"
)

// TxRequest is an unsigned call built by a venue client
type TxRequest struct {
	Venue  string          `json:"venue"`
	Kind   TxKind          `json:"kind"`
	Token  string          `json:"token"`
	To     string          `json:"to"`
	Data   []byte          `json:"data,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// TxReceipt is returned once a submitted transaction is confirmed
type TxReceipt struct {
	Reference  string          `json:"reference"`
	GasCostUSD decimal.Decimal `json:"gas_cost_usd"`
	GasUsed    uint64          `json:"gas_used"`
}

// VenueClient is the per-venue capability used by the scanner and executor.
// One implementation exists per venue; errors should be *VenueError so callers
// can tell retryable conditions from fatal ones.
type VenueClient interface {
	Name() string
	ReadYield(ctx context.Context, token string) (YieldQuote, error)
	// ReadBalance returns the wallet's position held in this venue
	ReadBalance(ctx context.Context, token string) (decimal.Decimal, error)
	// ReadAllowance returns what this venue may currently pull from the wallet
	ReadAllowance(ctx context.Context, token string) (decimal.Decimal, error)
	BuildWithdraw(ctx context.Context, token string, amount decimal.Decimal) (TxRequest, error)
	BuildApprove(ctx context.Context, token string, amount decimal.Decimal) (TxRequest, error)
	BuildDeposit(ctx context.Context, token string, amount decimal.Decimal) (TxRequest, error)
}

// TransactionSigner signs, submits and waits for confirmation
type TransactionSigner interface {
	Submit(ctx context.Context, req TxRequest) (TxReceipt, error)
}

// Wallet reads idle balances held outside any venue
type Wallet interface {
	Balance(ctx context.Context, token string) (decimal.Decimal, error)
}

// PositionStore supplies positions at cycle start and records completed moves
type PositionStore interface {
	ActivePositions(ctx context.Context) ([]Position, error)
	ApplyExecution(ctx context.Context, exec *RebalanceExecution) error
}

// AuditSink durably records recommendations and executions
type AuditSink interface {
	RecordRecommendations(ctx context.Context, recs []RebalanceRecommendation) error
	RecordExecution(ctx context.Context, exec *RebalanceExecution) error
}
