package store

import (
	"fmt"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Decimals travel as strings so the encoding never depends on decimal internals.

type stepRecord struct {
	Step        string `msgpack:"step"`
	TxReference string `msgpack:"tx,omitempty"`
	Error       string `msgpack:"error,omitempty"`
	Note        string `msgpack:"note,omitempty"`
	GasCostUSD  string `msgpack:"gas_usd"`
	GasUsed     uint64 `msgpack:"gas_used"`
	Success     bool   `msgpack:"ok"`
}

type rollbackRecord struct {
	Description string `msgpack:"description"`
	TxReference string `msgpack:"tx,omitempty"`
	Error       string `msgpack:"error,omitempty"`
	GasCostUSD  string `msgpack:"gas_usd"`
	GasUsed     uint64 `msgpack:"gas_used"`
	Success     bool   `msgpack:"ok"`
}

type profitabilityRecord struct {
	IsProfitable      bool     `msgpack:"profitable"`
	NeverBreaksEven   bool     `msgpack:"never_breaks_even"`
	DailyGrossGainUSD string   `msgpack:"daily_gross_usd"`
	AnnualGainUSD     string   `msgpack:"annual_usd"`
	TotalCostUSD      string   `msgpack:"cost_usd"`
	BreakEvenDays     string   `msgpack:"break_even_days"`
	ROIOnCostsPercent string   `msgpack:"roi_pct"`
	RejectionReasons  []string `msgpack:"reasons"`
}

type recommendationRecord struct {
	ID               string              `msgpack:"id"`
	CreatedAt        int64               `msgpack:"created_at"`
	Strategy         string              `msgpack:"strategy"`
	SourceVenue      string              `msgpack:"source,omitempty"`
	DestinationVenue string              `msgpack:"destination"`
	Token            string              `msgpack:"token"`
	Amount           string              `msgpack:"amount"`
	ExpectedAPY      string              `msgpack:"expected_apy"`
	CurrentAPY       string              `msgpack:"current_apy,omitempty"`
	Reason           string              `msgpack:"reason"`
	Confidence       int                 `msgpack:"confidence"`
	RequiresSwap     bool                `msgpack:"swap"`
	Profitability    profitabilityRecord `msgpack:"profitability"`
}

type executionRecord struct {
	ID              string               `msgpack:"id"`
	State           string               `msgpack:"state"`
	StartedAt       int64                `msgpack:"started_at"` // unix nanos
	CompletedAt     int64                `msgpack:"completed_at"`
	FailureReason   string               `msgpack:"failure,omitempty"`
	Recommendation  recommendationRecord `msgpack:"recommendation"`
	Steps           []stepRecord         `msgpack:"steps"`
	Rollback        []rollbackRecord     `msgpack:"rollback,omitempty"`
	InitialBalances map[string]string    `msgpack:"initial"`
	FinalBalances   map[string]string    `msgpack:"final"`
	TotalGasCostUSD string               `msgpack:"gas_usd"`
	TotalGasUsed    uint64               `msgpack:"gas_used"`
}

// EncodeExecution serialises an execution to msgpack
func EncodeExecution(exec *domain.RebalanceExecution) ([]byte, error) {
	if exec == nil {
		return nil, fmt.Errorf("nil execution")
	}
	rec := executionRecord{
		ID:              exec.ID,
		State:           string(exec.State),
		StartedAt:       exec.StartedAt.UnixNano(),
		CompletedAt:     exec.CompletedAt.UnixNano(),
		FailureReason:   exec.FailureReason,
		Recommendation:  toRecommendationRecord(exec.Recommendation),
		Steps:           make([]stepRecord, 0, len(exec.Steps)),
		InitialBalances: balancesToStrings(exec.InitialBalances),
		FinalBalances:   balancesToStrings(exec.FinalBalances),
		TotalGasCostUSD: exec.TotalGasCostUSD.String(),
		TotalGasUsed:    exec.TotalGasUsed,
	}
	for _, s := range exec.Steps {
		rec.Steps = append(rec.Steps, stepRecord{
			Step:        string(s.Step),
			TxReference: s.TxReference,
			Error:       s.Error,
			Note:        s.Note,
			GasCostUSD:  s.GasCostUSD.String(),
			GasUsed:     s.GasUsed,
			Success:     s.Success,
		})
	}
	for _, a := range exec.Rollback {
		rec.Rollback = append(rec.Rollback, rollbackRecord{
			Description: a.Description,
			TxReference: a.TxReference,
			Error:       a.Error,
			GasCostUSD:  a.GasCostUSD.String(),
			GasUsed:     a.GasUsed,
			Success:     a.Success,
		})
	}
	return msgpack.Marshal(&rec)
}

// DecodeExecution is the inverse of EncodeExecution
func DecodeExecution(data []byte) (*domain.RebalanceExecution, error) {
	var rec executionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}

	recommendation, err := fromRecommendationRecord(rec.Recommendation)
	if err != nil {
		return nil, err
	}
	initial, err := balancesFromStrings(rec.InitialBalances)
	if err != nil {
		return nil, err
	}
	final, err := balancesFromStrings(rec.FinalBalances)
	if err != nil {
		return nil, err
	}

	exec := &domain.RebalanceExecution{
		ID:              rec.ID,
		State:           domain.ExecutionState(rec.State),
		StartedAt:       time.Unix(0, rec.StartedAt).UTC(),
		CompletedAt:     time.Unix(0, rec.CompletedAt).UTC(),
		FailureReason:   rec.FailureReason,
		Recommendation:  recommendation,
		Steps:           make([]domain.StepResult, 0, len(rec.Steps)),
		InitialBalances: initial,
		FinalBalances:   final,
		TotalGasCostUSD: parseDecimal(rec.TotalGasCostUSD),
		TotalGasUsed:    rec.TotalGasUsed,
		Success:         rec.State == string(domain.ExecutionSuccess),
	}
	for _, s := range rec.Steps {
		exec.Steps = append(exec.Steps, domain.StepResult{
			Step:        domain.ExecutionStep(s.Step),
			TxReference: s.TxReference,
			Error:       s.Error,
			Note:        s.Note,
			GasCostUSD:  parseDecimal(s.GasCostUSD),
			GasUsed:     s.GasUsed,
			Success:     s.Success,
		})
	}
	for _, a := range rec.Rollback {
		exec.Rollback = append(exec.Rollback, domain.RollbackAction{
			Description: a.Description,
			TxReference: a.TxReference,
			Error:       a.Error,
			GasCostUSD:  parseDecimal(a.GasCostUSD),
			GasUsed:     a.GasUsed,
			Success:     a.Success,
		})
	}
	return exec, nil
}

// EncodeRecommendations serialises a recommendation batch to msgpack
func EncodeRecommendations(recs []domain.RebalanceRecommendation) ([]byte, error) {
	records := make([]recommendationRecord, 0, len(recs))
	for _, r := range recs {
		records = append(records, toRecommendationRecord(r))
	}
	return msgpack.Marshal(records)
}

// DecodeRecommendations is the inverse of EncodeRecommendations
func DecodeRecommendations(data []byte) ([]domain.RebalanceRecommendation, error) {
	var records []recommendationRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}
	out := make([]domain.RebalanceRecommendation, 0, len(records))
	for _, rec := range records {
		r, err := fromRecommendationRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toRecommendationRecord(r domain.RebalanceRecommendation) recommendationRecord {
	rec := recommendationRecord{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt.Unix(),
		Strategy:         r.Strategy,
		SourceVenue:      r.SourceVenue,
		DestinationVenue: r.DestinationVenue,
		Token:            r.Token,
		Amount:           r.Amount.String(),
		ExpectedAPY:      r.ExpectedAPY.String(),
		Reason:           r.Reason,
		Confidence:       r.ConfidenceScore,
		RequiresSwap:     r.RequiresSwap,
		Profitability: profitabilityRecord{
			IsProfitable:      r.Profitability.IsProfitable,
			NeverBreaksEven:   r.Profitability.NeverBreaksEven,
			DailyGrossGainUSD: r.Profitability.DailyGrossGainUSD.String(),
			AnnualGainUSD:     r.Profitability.AnnualGainUSD.String(),
			TotalCostUSD:      r.Profitability.TotalCostUSD.String(),
			BreakEvenDays:     r.Profitability.BreakEvenDays.String(),
			ROIOnCostsPercent: r.Profitability.ROIOnCostsPercent.String(),
			RejectionReasons:  r.Profitability.RejectionReasons,
		},
	}
	if r.CurrentAPY != nil {
		rec.CurrentAPY = r.CurrentAPY.String()
	}
	return rec
}

func fromRecommendationRecord(rec recommendationRecord) (domain.RebalanceRecommendation, error) {
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return domain.RebalanceRecommendation{}, fmt.Errorf("invalid amount %q in recommendation %s: %w", rec.Amount, rec.ID, err)
	}
	r := domain.RebalanceRecommendation{
		ID:               rec.ID,
		CreatedAt:        time.Unix(rec.CreatedAt, 0).UTC(),
		Strategy:         rec.Strategy,
		SourceVenue:      rec.SourceVenue,
		DestinationVenue: rec.DestinationVenue,
		Token:            rec.Token,
		Amount:           amount,
		ExpectedAPY:      parseDecimal(rec.ExpectedAPY),
		Reason:           rec.Reason,
		ConfidenceScore:  rec.Confidence,
		RequiresSwap:     rec.RequiresSwap,
		Profitability: domain.MoveProfitability{
			IsProfitable:      rec.Profitability.IsProfitable,
			NeverBreaksEven:   rec.Profitability.NeverBreaksEven,
			DailyGrossGainUSD: parseDecimal(rec.Profitability.DailyGrossGainUSD),
			AnnualGainUSD:     parseDecimal(rec.Profitability.AnnualGainUSD),
			TotalCostUSD:      parseDecimal(rec.Profitability.TotalCostUSD),
			BreakEvenDays:     parseDecimal(rec.Profitability.BreakEvenDays),
			ROIOnCostsPercent: parseDecimal(rec.Profitability.ROIOnCostsPercent),
			RejectionReasons:  rec.Profitability.RejectionReasons,
		},
	}
	if rec.CurrentAPY != "" {
		current := parseDecimal(rec.CurrentAPY)
		r.CurrentAPY = &current
	}
	if r.Profitability.RejectionReasons == nil {
		r.Profitability.RejectionReasons = []string{}
	}
	return r, nil
}

func balancesToStrings(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func balancesFromStrings(m map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid balance %q for %s: %w", v, k, err)
		}
		out[k] = d
	}
	return out, nil
}

// parseDecimal returns zero for empty or invalid input
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
