package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chaintrack/internal/model"
)

// AnalysisRecord is one persisted analysis, keyed by transaction hash.
type AnalysisRecord struct {
	ID            uuid.UUID       `json:"id"`
	TxHash        string          `json:"txHash"`
	Chain         string          `json:"chain"`
	ClientID      string          `json:"clientId,omitempty"`
	AnomalyLabel  string          `json:"anomalyLabel"`
	AnomalyScore  float64         `json:"anomalyScore"`
	FeePrediction string          `json:"feePrediction,omitempty"`
	UsedLLM       bool            `json:"usedLLM"`
	Result        json.RawMessage `json:"result"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewAnalysisRecord snapshots result for persistence.
func NewAnalysisRecord(txHash, chain, clientID string, result model.AnalysisResult, usedLLM bool, now time.Time) (AnalysisRecord, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return AnalysisRecord{}, fmt.Errorf("analysis record requires a transaction hash")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return AnalysisRecord{}, fmt.Errorf("marshal analysis result: %w", err)
	}
	now = now.UTC()
	return AnalysisRecord{
		ID:            uuid.New(),
		TxHash:        txHash,
		Chain:         chain,
		ClientID:      clientID,
		AnomalyLabel:  result.Anomaly.Label,
		AnomalyScore:  result.Anomaly.Score,
		FeePrediction: result.FeePrediction,
		UsedLLM:       usedLLM,
		Result:        payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Decode unmarshals the stored analysis result.
func (r AnalysisRecord) Decode() (model.AnalysisResult, error) {
	var out model.AnalysisResult
	if err := json.Unmarshal(r.Result, &out); err != nil {
		return model.AnalysisResult{}, fmt.Errorf("decode analysis result: %w", err)
	}
	return out, nil
}
