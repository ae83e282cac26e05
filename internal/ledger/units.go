package ledger

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/params"
)

const unitPrecision = 256

var etherFloat = new(big.Float).SetPrec(unitPrecision).SetInt(big.NewInt(params.Ether))

// ToBaseUnits converts a whole-token amount into 18-decimal base units,
// truncating below one wei.
func ToBaseUnits(amount float64) *big.Int {
	if amount <= 0 {
		return new(big.Int)
	}
	// Parse the shortest decimal form so 1.9 becomes 1.9e18 and not 1.8999…e18.
	decimal, ok := new(big.Float).SetPrec(unitPrecision).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	out, _ := decimal.Mul(decimal, etherFloat).Int(nil)
	return out
}

// FromBaseUnits converts 18-decimal base units into a whole-token amount.
func FromBaseUnits(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), etherFloat).Float64()
	return value
}

// FeeFromBasisPoints returns amount minus feeBps/10000 of it.
func FeeFromBasisPoints(amount *big.Int, feeBps int64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(10_000))
	return new(big.Int).Sub(amount, fee)
}
