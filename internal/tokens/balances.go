package tokens

import (
	"encoding/json"
	"math"
)

// Balance is one token entry inside Balances.
type Balance struct {
	Token  string  `json:"address"`
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
	Color  string  `json:"color"`
}

// Balances is an insertion-ordered mapping from token address to amount.
// Adding to an existing token merges into its entry. The zero value is empty
// and ready to use.
type Balances struct {
	entries []Balance
}

// NewBalances builds Balances from entries, merging duplicates.
func NewBalances(entries ...Balance) Balances {
	var b Balances
	for _, entry := range entries {
		b.Add(entry)
	}
	return b
}

// Single is shorthand for a one-token balance.
func Single(token string, amount float64) Balances {
	return NewBalances(Balance{Token: token, Amount: amount})
}

// Add merges entry into the balances. Symbol and color are filled from the
// token address when empty.
func (b *Balances) Add(entry Balance) {
	if entry.Symbol == "" {
		entry.Symbol = Symbol(entry.Token)
	}
	if entry.Color == "" {
		entry.Color = Color(entry.Token)
	}
	for i := range b.entries {
		if b.entries[i].Token == entry.Token {
			b.entries[i].Amount += entry.Amount
			return
		}
	}
	b.entries = append(b.entries, entry)
}

// Get returns the amount held for token.
func (b Balances) Get(token string) float64 {
	for _, entry := range b.entries {
		if entry.Token == token {
			return entry.Amount
		}
	}
	return 0
}

// Len reports the number of distinct tokens.
func (b Balances) Len() int {
	return len(b.entries)
}

// Entries returns a copy of the entries in insertion order.
func (b Balances) Entries() []Balance {
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]Balance, len(b.entries))
	copy(out, b.entries)
	return out
}

// Tokens lists token addresses in insertion order.
func (b Balances) Tokens() []string {
	out := make([]string, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry.Token)
	}
	return out
}

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	return Balances{entries: b.Entries()}
}

// Total sums every amount regardless of token. Only meaningful for
// conservation checks, never as a value.
func (b Balances) Total() float64 {
	var sum float64
	for _, entry := range b.entries {
		sum += entry.Amount
	}
	return sum
}

// Validate rejects negative or non-finite amounts.
func (b Balances) Validate() error {
	for _, entry := range b.entries {
		if math.IsNaN(entry.Amount) || math.IsInf(entry.Amount, 0) || entry.Amount < 0 {
			return &InvalidAmountError{Token: entry.Token, Amount: entry.Amount}
		}
	}
	return nil
}

// InvalidAmountError reports a balance that cannot be distributed.
type InvalidAmountError struct {
	Token  string
	Amount float64
}

func (e *InvalidAmountError) Error() string {
	return "invalid amount for token " + e.Token
}

func (b Balances) MarshalJSON() ([]byte, error) {
	if b.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b.entries)
}

func (b *Balances) UnmarshalJSON(data []byte) error {
	var entries []Balance
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*b = NewBalances(entries...)
	return nil
}
