// Package tokens models the fungible values players stake and collect.
package tokens

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Native is the chain's native currency, addressed as the zero address.
var Native = strings.ToLower(common.Address{}.Hex())

// NativeSymbol is the display symbol of the native currency.
const NativeSymbol = "M"

const nativeColor = "#FFD700"

// NormalizeAddress validates a hex address and lowercases it so it can be used
// as a join key across the world, the session store and the ledger.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid address %q", raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// IsNative reports whether token is the native currency.
func IsNative(token string) bool {
	return strings.EqualFold(token, Native)
}

// Color derives a stable display color for a token.
func Color(token string) string {
	if IsNative(token) {
		return nativeColor
	}
	normalized := strings.ToLower(token)
	if len(normalized) >= 8 {
		return "#" + normalized[2:8]
	}
	return "#ffffff"
}

// Symbol returns a fallback display symbol when the token registry has none.
func Symbol(token string) string {
	if IsNative(token) {
		return NativeSymbol
	}
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
