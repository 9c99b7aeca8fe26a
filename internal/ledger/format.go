package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

const etherDecimals = 18

// FormatEther renders wei as a decimal ether string.
func FormatEther(value *big.Int) string {
	if value == nil {
		return "0"
	}
	sign := value.Sign()
	abs := new(big.Int).Abs(value)
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)
	text := new(big.Rat).SetFrac(abs, denom).FloatString(etherDecimals)
	text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	if text == "" {
		text = "0"
	}
	if sign < 0 {
		return "-" + text
	}
	return text
}

// ParseEther converts a decimal ether string to wei. Fractions finer than one
// wei are rejected.
func ParseEther(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	rat, ok := new(big.Rat).SetString(input)
	if !ok {
		return nil, fmt.Errorf("invalid ether amount: %q", input)
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)
	rat.Mul(rat, new(big.Rat).SetInt(denom))
	if !rat.IsInt() {
		return nil, fmt.Errorf("ether amount %q has more than %d decimals", input, etherDecimals)
	}
	return new(big.Int).Set(rat.Num()), nil
}
