package tokens

import (
	"encoding/json"
	"testing"
)

const memeToken = "0x1234567890abcdef1234567890abcdef12345678"

func TestBalancesMergeOnInsertKeepsOrder(t *testing.T) {
	var b Balances
	b.Add(Balance{Token: memeToken, Amount: 1})
	b.Add(Balance{Token: Native, Amount: 0.5})
	b.Add(Balance{Token: memeToken, Amount: 0.25})

	if b.Len() != 2 {
		t.Fatalf("expected 2 tokens, got %d", b.Len())
	}
	if got := b.Get(memeToken); got != 1.25 {
		t.Fatalf("expected merged amount 1.25, got %v", got)
	}
	tokens := b.Tokens()
	if tokens[0] != memeToken || tokens[1] != Native {
		t.Fatalf("unexpected order %v", tokens)
	}
	entries := b.Entries()
	if entries[1].Symbol != NativeSymbol || entries[1].Color != "#FFD700" {
		t.Fatalf("native entry not decorated: %+v", entries[1])
	}
	if entries[0].Color != "#123456" {
		t.Fatalf("expected color derived from address, got %s", entries[0].Color)
	}
}

func TestBalancesCloneIsIndependent(t *testing.T) {
	original := Single(Native, 1)
	clone := original.Clone()
	clone.Add(Balance{Token: Native, Amount: 1})
	if original.Get(Native) != 1 {
		t.Fatalf("clone mutated original")
	}
}

func TestBalancesJSONRoundTripPreservesOrder(t *testing.T) {
	b := NewBalances(Balance{Token: memeToken, Amount: 2}, Balance{Token: Native, Amount: 3})
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Balances
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Tokens()[0] != memeToken || decoded.Get(Native) != 3 {
		t.Fatalf("unexpected decoded balances %+v", decoded.Entries())
	}

	empty, _ := json.Marshal(Balances{})
	if string(empty) != "[]" {
		t.Fatalf("expected empty array, got %s", empty)
	}
}

func TestBalancesValidate(t *testing.T) {
	if err := Single(Native, -1).Validate(); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
	if err := Single(Native, 0).Validate(); err != nil {
		t.Fatalf("zero amount should be valid: %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" 0xABCDEF0123456789ABCDEF0123456789ABCDEF01 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected normalized address %s", got)
	}
	if _, err := NormalizeAddress("not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}
	if !IsNative("0x0000000000000000000000000000000000000000") {
		t.Fatalf("zero address should be native")
	}
}
