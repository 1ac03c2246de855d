package analysis

import (
	"github.com/shopspring/decimal"
)

const (
	weiPerGweiExp = 9
	weiPerEthExp  = 18

	// defaultGasLimit prices a stub fee prediction when the input carries no gas usage.
	defaultGasLimit = 21000
)

// Fee is a fee amount in wei.
type Fee struct {
	Wei decimal.Decimal
}

// ETH renders the fee in ether.
func (f Fee) ETH() decimal.Decimal { return f.Wei.Shift(-weiPerEthExp) }

// Prediction renders the fee as "<eth> ETH".
func (f Fee) Prediction() string { return f.ETH().String() + " ETH" }

// WeiString renders the integral wei amount.
func (f Fee) WeiString() string { return f.Wei.String() }

// LocalFee estimates gasUsed × gasPrice. gasPriceGwei wins over the raw wei
// gasPrice; the result is truncated to whole wei.
func LocalFee(in Input) (Fee, bool) {
	gasUsed, ok := parseAmount(in.GasUsed)
	if !ok {
		return Fee{}, false
	}
	price, ok := gasPriceWei(in)
	if !ok {
		return Fee{}, false
	}
	return Fee{Wei: gasUsed.Mul(price).Truncate(0)}, true
}

func gasPriceWei(in Input) (decimal.Decimal, bool) {
	if in.GasPriceGwei != "" {
		if gwei, ok := parseAmount(in.GasPriceGwei); ok {
			return gwei.Shift(weiPerGweiExp), true
		}
	}
	if in.GasPrice != "" {
		return parseAmount(in.GasPrice)
	}
	return decimal.Decimal{}, false
}

// gasPriceGwei returns the input gas price in gwei, if any.
func gasPriceGwei(in Input) (decimal.Decimal, bool) {
	price, ok := gasPriceWei(in)
	if !ok {
		return decimal.Decimal{}, false
	}
	return price.Shift(-weiPerGweiExp), true
}

// stubFee prices a predicted gwei figure at the input's gas usage.
func stubFee(in Input, predictedGwei float64) Fee {
	gas := decimal.NewFromInt(defaultGasLimit)
	if used, ok := parseAmount(in.GasUsed); ok {
		gas = used
	}
	price := decimal.NewFromFloat(predictedGwei).Shift(weiPerGweiExp)
	return Fee{Wei: gas.Mul(price).Truncate(0)}
}
