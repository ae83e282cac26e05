package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testPlayer = "0x1111111111111111111111111111111111111111"
	testToken  = "0x0000000000000000000000000000000000000000"
)

func TestEntryEventRoundTrip(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	amount := ToBaseUnits(2)
	log, err := EncodeEntryEvent(contract, EntryEvent{
		Player: testPlayer, Token: testToken, Amount: amount, GameID: 42, Timestamp: 1700000000,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	unrelated := Log{Address: contract, Topics: []common.Hash{common.HexToHash("0x01")}}
	event, err := DecodeEntryEvent(Receipt{Succeeded: true, Logs: []Log{unrelated, log}})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Player != testPlayer || event.Token != testToken {
		t.Fatalf("unexpected addresses: %+v", event)
	}
	if event.Amount.Cmp(amount) != 0 || event.GameID != 42 || event.Timestamp != 1700000000 {
		t.Fatalf("unexpected values: %+v", event)
	}
}

func TestDecodeEntryEventErrors(t *testing.T) {
	if _, err := DecodeEntryEvent(Receipt{Succeeded: false}); !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	if _, err := DecodeEntryEvent(Receipt{Succeeded: true}); !errors.Is(err, ErrEntryEventMissing) {
		t.Fatalf("expected ErrEntryEventMissing, got %v", err)
	}
}

func TestUnitsConversion(t *testing.T) {
	if got := ToBaseUnits(1.5).String(); got != "1500000000000000000" {
		t.Fatalf("ToBaseUnits(1.5) = %s", got)
	}
	if got := FromBaseUnits(big.NewInt(250000000000000000)); got != 0.25 {
		t.Fatalf("FromBaseUnits = %v", got)
	}
	if ToBaseUnits(-1).Sign() != 0 {
		t.Fatalf("negative amounts should convert to zero")
	}
	if got := FeeFromBasisPoints(big.NewInt(10_000), 500); got.Int64() != 9_500 {
		t.Fatalf("net of 5%% fee = %s", got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusExited.String() != "Exited" || Status(9).String() != "Status(9)" {
		t.Fatalf("unexpected status names")
	}
}

func TestMemoryEnterAndParse(t *testing.T) {
	ctx := context.Background()
	fixed := time.Unix(1700000000, 0)
	ledger := NewMemory(WithClock(func() time.Time { return fixed }))

	hash, err := ledger.Enter(ctx, testPlayer, testToken, ToBaseUnits(2))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	receipt, err := ledger.Receipt(ctx, hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	event, err := ledger.ParseEntryEvent(receipt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.GameID != 1 || event.Timestamp != fixed.Unix() || event.Player != testPlayer {
		t.Fatalf("unexpected event %+v", event)
	}
	status, err := ledger.Status(ctx, testPlayer)
	if err != nil || status != StatusActive {
		t.Fatalf("expected Active, got %s (%v)", status, err)
	}
	if _, err := ledger.Enter(ctx, testPlayer, testToken, ToBaseUnits(1)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second entry while active should fail, got %v", err)
	}
	net, err := ledger.NetOfFee(ctx, event.Amount)
	if err != nil {
		t.Fatalf("net of fee: %v", err)
	}
	if net.Cmp(ToBaseUnits(1.9)) != 0 {
		t.Fatalf("expected 1.9 net, got %s", net)
	}
}

func TestMemoryGameIDSource(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory(WithGameIDs(func(context.Context) (int64, error) { return 77, nil }))
	hash, err := ledger.Enter(ctx, testPlayer, testToken, big.NewInt(1))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	receipt, _ := ledger.Receipt(ctx, hash)
	event, err := DecodeEntryEvent(receipt)
	if err != nil || event.GameID != 77 {
		t.Fatalf("expected game id 77, got %+v (%v)", event, err)
	}
}

func TestMemoryUpdateStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	if _, err := ledger.UpdateStatus(ctx, testPlayer, StatusDead, nil, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("unknown account should be refused, got %v", err)
	}
	if _, err := ledger.Enter(ctx, testPlayer, testToken, ToBaseUnits(1)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	ledger.FailNext(OpUpdateStatus, 1)
	if _, err := ledger.UpdateStatus(ctx, testPlayer, StatusExited, nil, nil); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	ref, err := ledger.UpdateStatus(ctx, testPlayer, StatusExited, []string{testToken}, []*big.Int{ToBaseUnits(1.2)})
	if err != nil || ref == "" {
		t.Fatalf("update: %q %v", ref, err)
	}
	if ledger.UpdateCalls() != 1 {
		t.Fatalf("expected one landed update, got %d", ledger.UpdateCalls())
	}
	if _, err := ledger.UpdateStatus(ctx, testPlayer, StatusDead, nil, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second update should be refused, got %v", err)
	}

	reward, err := ledger.Reward(ctx, testPlayer)
	if err != nil || len(reward.Tokens) != 1 || reward.Amounts[0].Cmp(ToBaseUnits(1.2)) != 0 {
		t.Fatalf("unexpected reward %+v (%v)", reward, err)
	}

	if _, claimed, err := ledger.Claim(ctx, testPlayer); err != nil || len(claimed.Tokens) != 1 {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if status, _ := ledger.Status(ctx, testPlayer); status != StatusClaimed {
		t.Fatalf("expected Claimed, got %s", status)
	}
	if _, _, err := ledger.Claim(ctx, testPlayer); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double claim should fail, got %v", err)
	}
}

func TestMemoryReceiptNotFound(t *testing.T) {
	if _, err := NewMemory().Receipt(context.Background(), "0xdead"); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}
