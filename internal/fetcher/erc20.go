package fetcher

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Token describes a recognised ERC-20 contract on mainnet.
type Token struct {
	Symbol   string
	Decimals int32
}

var knownTokens = map[common.Address]Token{
	common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): {Symbol: "USDC", Decimals: 6},
	common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): {Symbol: "USDT", Decimals: 6},
	common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): {Symbol: "DAI", Decimals: 18},
	common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): {Symbol: "WETH", Decimals: 18},
}

// LookupToken returns the token metadata for a contract address.
func LookupToken(contract string) (Token, bool) {
	if !common.IsHexAddress(contract) {
		return Token{}, false
	}
	token, ok := knownTokens[common.HexToAddress(contract)]
	return token, ok
}

// TokenTransfer is a decoded ERC-20 transfer call.
type TokenTransfer struct {
	Token     Token
	Contract  string
	Recipient string
	Amount    decimal.Decimal
}

// DecodeTransfer recognises a transfer(address,uint256) call to a known token and
// returns the amount in the token's human unit.
func DecodeTransfer(contract, input string) (TokenTransfer, bool) {
	token, ok := LookupToken(contract)
	if !ok {
		return TokenTransfer{}, false
	}

	data, err := hexutil.Decode(input)
	if err != nil || len(data) < 4 {
		return TokenTransfer{}, false
	}

	method, err := erc20ABI.MethodById(data[:4])
	if err != nil || method.Name != "transfer" {
		return TokenTransfer{}, false
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return TokenTransfer{}, false
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return TokenTransfer{}, false
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return TokenTransfer{}, false
	}

	return TokenTransfer{
		Token:     token,
		Contract:  common.HexToAddress(contract).Hex(),
		Recipient: to.Hex(),
		Amount:    decimal.NewFromBigInt(amount, -token.Decimals),
	}, true
}
