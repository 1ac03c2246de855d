package model

import (
	"encoding/json"
)

// TxStatus is derived from receipt presence and code only.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Source names where a record was resolved from.
type Source string

const (
	SourceRPC      Source = "rpc"
	SourceExplorer Source = "explorer"
	SourceSample   Source = "sample"
)

// TransactionRecord is the canonical transaction shape returned to callers.
// ValueDecimal is always expressed in the token's human-readable unit.
type TransactionRecord struct {
	TxHash        string          `json:"txHash"`
	Chain         string          `json:"chain"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	ValueDecimal  string          `json:"valueDecimal"`
	TokenSymbol   string          `json:"tokenSymbol"`
	TokenContract string          `json:"tokenContract,omitempty"`
	BlockNumber   *uint64         `json:"blockNumber,omitempty"`
	TimestampISO  string          `json:"timestampISO"`
	GasUsed       *uint64         `json:"gasUsed,omitempty"`
	GasPriceGwei  string          `json:"gasPriceGwei,omitempty"`
	Status        TxStatus        `json:"status"`
	FetchedAtISO  string          `json:"fetchedAtISO"`
	Source        Source          `json:"source"`
	Sample        bool            `json:"sample,omitempty"`
	RawUpstream   json.RawMessage `json:"rawUpstream,omitempty"`
}

// Clone returns a deep copy so callers never alias cached state.
func (r TransactionRecord) Clone() any {
	return r.Copy()
}

// Copy is the typed form of Clone.
func (r TransactionRecord) Copy() TransactionRecord {
	out := r
	if r.BlockNumber != nil {
		v := *r.BlockNumber
		out.BlockNumber = &v
	}
	if r.GasUsed != nil {
		v := *r.GasUsed
		out.GasUsed = &v
	}
	if r.RawUpstream != nil {
		out.RawUpstream = append(json.RawMessage(nil), r.RawUpstream...)
	}
	return out
}

// Anomaly is the anomaly score attached to every analysis.
type Anomaly struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalysisResult is the merged analysis response. Anomaly and Summary are always set.
type AnalysisResult struct {
	Anomaly             Anomaly  `json:"anomaly"`
	Summary             string   `json:"summary"`
	FeePrediction       string   `json:"feePrediction,omitempty"`
	FeeWeiDecimalString string   `json:"feeWeiDecimalString,omitempty"`
	Recommendations     []string `json:"recommendations,omitempty"`
	LanguageModelOutput any      `json:"languageModelOutput,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

// DefaultAnomaly is used whenever no model produced a score.
func DefaultAnomaly() Anomaly {
	return Anomaly{Label: "normal", Score: 0.01}
}

// SafeDefaultSummary is the summary of the always-constructible fallback result.
const SafeDefaultSummary = "Transaction analysis unavailable; showing default assessment."

// SafeDefault is the result returned when nothing richer can be produced.
func SafeDefault() AnalysisResult {
	return AnalysisResult{
		Anomaly: DefaultAnomaly(),
		Summary: SafeDefaultSummary,
	}
}
