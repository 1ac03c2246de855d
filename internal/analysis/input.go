package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"chaintrack/internal/model"
)

// Input is a transaction as submitted for analysis. Every field is optional.
type Input struct {
	TxHash       string `json:"txHash,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	ValueDecimal string `json:"valueDecimal,omitempty"`
	TokenSymbol  string `json:"tokenSymbol,omitempty"`
	Status       string `json:"status,omitempty"`
	GasUsed      string `json:"gasUsed,omitempty"`
	GasPriceGwei string `json:"gasPriceGwei,omitempty"`
	// GasPrice is raw wei, hex (0x...) or decimal.
	GasPrice string `json:"gasPrice,omitempty"`
}

// ParseInput reads an Input from a loosely typed JSON object. Unknown and
// mistyped fields are ignored.
func ParseInput(raw map[string]any) Input {
	if raw == nil {
		return Input{}
	}
	return Input{
		TxHash:       firstString(raw, "txHash", "hash"),
		From:         firstString(raw, "from"),
		To:           firstString(raw, "to"),
		ValueDecimal: firstString(raw, "valueDecimal", "value"),
		TokenSymbol:  firstString(raw, "tokenSymbol", "symbol"),
		Status:       firstString(raw, "status"),
		GasUsed:      firstString(raw, "gasUsed"),
		GasPriceGwei: firstString(raw, "gasPriceGwei"),
		GasPrice:     firstString(raw, "gasPrice"),
	}
}

// InputFromRecord converts a resolved record into analysis input.
func InputFromRecord(rec model.TransactionRecord) Input {
	in := Input{
		TxHash:       rec.TxHash,
		From:         rec.From,
		To:           rec.To,
		ValueDecimal: rec.ValueDecimal,
		TokenSymbol:  rec.TokenSymbol,
		Status:       string(rec.Status),
		GasPriceGwei: rec.GasPriceGwei,
	}
	if rec.GasUsed != nil {
		in.GasUsed = strconv.FormatUint(*rec.GasUsed, 10)
	}
	return in
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case bool, map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

// parseAmount reads a non-negative decimal or 0x-prefixed hex quantity.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return decimal.Zero, len(s) > 2
		}
		v, err := hexutil.DecodeBig("0x" + digits)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(v, 0), true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}
