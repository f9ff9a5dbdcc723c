package billing

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// USDDecimals is the number of decimals used for USD costs (12 decimals).
	// All internal cost accounting happens in picoUSD so that prices like
	// "0.0000025 USD per token" stay integral.
	USDDecimals = 12
)

// ParseUSD converts a human-readable USD decimal string such as "0.001"
// into picoUSD. Values with more than 12 decimal places are rejected rather
// than silently rounded.
func ParseUSD(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid usd amount %q: %w", s, err)
	}

	if d.IsNegative() {
		return nil, fmt.Errorf("usd amount %q must not be negative", s)
	}

	pico := d.Shift(USDDecimals)
	if !pico.IsInteger() {
		return nil, fmt.Errorf("usd amount %q has more than %d decimal places", s, USDDecimals)
	}

	return pico.BigInt(), nil
}

// FormatUSD renders a picoUSD amount as a human-readable USD decimal string.
func FormatUSD(picoUSD *big.Int) string {
	if picoUSD == nil {
		return "0"
	}
	return decimal.NewFromBigInt(picoUSD, -USDDecimals).String()
}

// ConvertUSDToAsset converts a picoUSD cost into the smallest unit of an
// asset priced at pricePicoUSD per whole asset unit, rounding up so the
// payee never undercharges by a fraction of a unit:
//
//	assetAmount = ceil(costPicoUSD × 10^decimals / pricePicoUSD)
func ConvertUSDToAsset(costPicoUSD *big.Int, pricePicoUSD *big.Int, decimals uint8) (*big.Int, error) {
	if costPicoUSD == nil || costPicoUSD.Sign() < 0 {
		return nil, fmt.Errorf("cost must be a non-negative picoUSD amount")
	}

	if pricePicoUSD == nil || pricePicoUSD.Sign() <= 0 {
		return nil, fmt.Errorf("asset price must be a positive picoUSD amount")
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	numerator := new(big.Int).Mul(costPicoUSD, scale)

	quotient, remainder := new(big.Int).QuoRem(numerator, pricePicoUSD, new(big.Int))
	if remainder.Sign() > 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	return quotient, nil
}

// ConvertAssetToUSD converts an amount in the smallest unit of an asset back
// into picoUSD, rounding down. Used for display values and claim threshold
// checks, so the conservative direction is to under-report.
func ConvertAssetToUSD(assetAmount *big.Int, pricePicoUSD *big.Int, decimals uint8) (*big.Int, error) {
	if assetAmount == nil || assetAmount.Sign() < 0 {
		return nil, fmt.Errorf("asset amount must be non-negative")
	}

	if pricePicoUSD == nil || pricePicoUSD.Sign() < 0 {
		return nil, fmt.Errorf("asset price must be a non-negative picoUSD amount")
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	numerator := new(big.Int).Mul(assetAmount, pricePicoUSD)

	return new(big.Int).Quo(numerator, scale), nil
}
