package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Log mirrors the fields of an EVM log the server reads.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt is a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Succeeded   bool
	Logs        []Log
}

var (
	gameEnteredSignature = "GameEntered(address,address,uint256,uint256,uint256)"
	gameEnteredTopic     = crypto.Keccak256Hash([]byte(gameEnteredSignature))
	gameEnteredData      abi.Arguments
)

func init() {
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(fmt.Sprintf("ledger: build abi type: %v", err))
	}
	gameEnteredData = abi.Arguments{
		{Name: "amount", Type: uint256Type},
		{Name: "gameId", Type: uint256Type},
		{Name: "timestamp", Type: uint256Type},
	}
}

// EncodeEntryEvent builds the GameEntered log for contract at address.
func EncodeEntryEvent(contract common.Address, event EntryEvent) (Log, error) {
	data, err := gameEnteredData.Pack(event.Amount, big.NewInt(event.GameID), big.NewInt(event.Timestamp))
	if err != nil {
		return Log{}, fmt.Errorf("pack GameEntered: %w", err)
	}
	return Log{
		Address: contract,
		Topics: []common.Hash{
			gameEnteredTopic,
			common.BytesToHash(common.HexToAddress(event.Player).Bytes()),
			common.BytesToHash(common.HexToAddress(event.Token).Bytes()),
		},
		Data: data,
	}, nil
}

// DecodeEntryEvent finds and decodes the first GameEntered log in receipt.
// Logs from other events are skipped.
func DecodeEntryEvent(receipt Receipt) (EntryEvent, error) {
	if !receipt.Succeeded {
		return EntryEvent{}, ErrTransactionFailed
	}
	for _, log := range receipt.Logs {
		if len(log.Topics) != 3 || log.Topics[0] != gameEnteredTopic {
			continue
		}
		values, err := gameEnteredData.Unpack(log.Data)
		if err != nil || len(values) != 3 {
			continue
		}
		amount, okAmount := values[0].(*big.Int)
		gameID, okGame := values[1].(*big.Int)
		timestamp, okTime := values[2].(*big.Int)
		if !okAmount || !okGame || !okTime || !gameID.IsInt64() {
			continue
		}
		return EntryEvent{
			Player:    strings.ToLower(common.BytesToAddress(log.Topics[1].Bytes()).Hex()),
			Token:     strings.ToLower(common.BytesToAddress(log.Topics[2].Bytes()).Hex()),
			Amount:    amount,
			GameID:    gameID.Int64(),
			Timestamp: timestamp.Int64(),
		}, nil
	}
	return EntryEvent{}, ErrEntryEventMissing
}
