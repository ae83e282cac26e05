package proto

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stake-arena/server/internal/distribute"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
)

func TestClientCommand(t *testing.T) {
	t.Run("move command", func(t *testing.T) {
		cmd, ok := ClientCommand(ClientMessage{Type: TypeMove, X: 12.5, Y: -4, Angle: 1.25})
		if !ok {
			t.Fatalf("expected move command to be recognized")
		}
		if cmd.Type != sim.CommandMove || cmd.Move == nil {
			t.Fatalf("expected move payload, got %+v", cmd)
		}
		if cmd.Move.X != 12.5 || cmd.Move.Y != -4 || cmd.Move.Angle != 1.25 {
			t.Fatalf("unexpected move payload: %+v", cmd.Move)
		}
	})

	t.Run("eat command", func(t *testing.T) {
		cmd, ok := ClientCommand(ClientMessage{Type: TypeEat, FoodID: "food-1"})
		if !ok {
			t.Fatalf("expected eat command to be recognized")
		}
		if cmd.Type != sim.CommandConsume || cmd.Consume == nil || cmd.Consume.ParticleID != "food-1" {
			t.Fatalf("unexpected consume command: %+v", cmd)
		}
	})

	t.Run("eat without food id", func(t *testing.T) {
		if _, ok := ClientCommand(ClientMessage{Type: TypeEat}); ok {
			t.Fatalf("expected eat without id to be ignored")
		}
	})

	t.Run("exit and died", func(t *testing.T) {
		exit, ok := ClientCommand(ClientMessage{Type: TypeExit})
		if !ok || exit.Type != sim.CommandExit {
			t.Fatalf("unexpected exit command: %+v ok=%v", exit, ok)
		}
		died, ok := ClientCommand(ClientMessage{Type: TypeDied})
		if !ok || died.Type != sim.CommandDied {
			t.Fatalf("unexpected died command: %+v ok=%v", died, ok)
		}
	})

	t.Run("join is not a command", func(t *testing.T) {
		if _, ok := ClientCommand(ClientMessage{Type: TypeJoin}); ok {
			t.Fatalf("expected join to require admission")
		}
	})
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage(JSON, []byte(`{"type":"join","name":"alice","walletAddress":"0xabc"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Ver != Version || msg.Name != "alice" || msg.Account != "0xabc" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := DecodeClientMessage(JSON, []byte(`{"ver":99,"type":"move"}`)); err == nil {
		t.Fatalf("expected unsupported version to fail")
	}
	if _, err := DecodeClientMessage(JSON, []byte(`{"x":1}`)); err == nil {
		t.Fatalf("expected missing type to fail")
	}
	if _, err := DecodeClientMessage(JSON, []byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestMsgPackDecodesClientMessage(t *testing.T) {
	payload, err := MsgPack.Marshal(ClientMessage{Type: TypeEat, FoodID: "food-9"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	msg, err := DecodeClientMessage(MsgPack, payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != TypeEat || msg.FoodID != "food-9" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestCodecFor(t *testing.T) {
	codec, err := CodecFor("")
	if err != nil || codec.Name() != "json" || codec.Binary() {
		t.Fatalf("expected default json codec, got %v err=%v", codec, err)
	}
	codec, err = CodecFor("MsgPack")
	if err != nil || codec.Name() != "msgpack" || !codec.Binary() {
		t.Fatalf("expected msgpack codec, got %v err=%v", codec, err)
	}
	if _, err := CodecFor("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestNewStateCarriesParticleDiff(t *testing.T) {
	joined := time.UnixMilli(1_700_000_000_000)
	frame := sim.Frame{
		Tick: 42,
		Players: []world.Player{{
			Conn:      "conn-a",
			Name:      "alice",
			Account:   "0x1111111111111111111111111111111111111111",
			Score:     0.3,
			Length:    4,
			Alive:     true,
			Collected: tokens.Single(tokens.Native, 0.3),
			JoinedAt:  joined,
		}},
		Leaderboard:   []world.LeaderboardEntry{{Conn: "conn-a", Name: "alice", Score: 0.3, SurvivalTime: 2.5}},
		PlayerCount:   1,
		ParticleCount: 7,
		Changes: world.Changes{
			Spawned: []distribute.Particle{{ID: "p1", X: 1, Y: 2, Token: tokens.Balance{Token: tokens.Native, Amount: 0.1}}},
			Removed: []string{"p0"},
		},
	}

	data, err := JSON.Marshal(NewState(frame))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != TypeState {
		t.Fatalf("expected type %q, got %v", TypeState, decoded["type"])
	}
	if decoded["foodCount"].(float64) != 7 || decoded["playerCount"].(float64) != 1 {
		t.Fatalf("unexpected counts: %s", data)
	}
	spawned, ok := decoded["foodsSpawned"].([]any)
	if !ok || len(spawned) != 1 {
		t.Fatalf("expected one spawned food, got %v", decoded["foodsSpawned"])
	}
	removed, ok := decoded["foodsRemoved"].([]any)
	if !ok || len(removed) != 1 || removed[0] != "p0" {
		t.Fatalf("expected removed p0, got %v", decoded["foodsRemoved"])
	}
	players := decoded["players"].([]any)
	player := players[0].(map[string]any)
	if player["joinTime"].(float64) != float64(joined.UnixMilli()) {
		t.Fatalf("unexpected join time: %v", player["joinTime"])
	}
	collected := player["collectedTokens"].([]any)
	if len(collected) != 1 {
		t.Fatalf("expected collected tokens, got %v", player["collectedTokens"])
	}
}

func TestStateRoundTripsThroughMsgPack(t *testing.T) {
	state := NewState(sim.Frame{
		Tick:          3,
		Players:       []world.Player{{Conn: "conn-a", Name: "alice", Length: 2, Alive: true}},
		PlayerCount:   1,
		ParticleCount: 2,
	})
	data, err := MsgPack.Marshal(state)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded State
	if err := MsgPack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != TypeState || decoded.Tick != 3 || len(decoded.Players) != 1 || decoded.Players[0].Length != 2 {
		t.Fatalf("unexpected decoded state: %+v", decoded)
	}
}

func TestNewSettlement(t *testing.T) {
	msg := NewSettlement(settlement.Completion{
		Conn:   "conn-a",
		Status: settlement.CompletionFailed,
		Result: settlement.Result{Value: 1.5, Attempt: 3},
		Err:    errors.New("ledger unavailable"),
	})
	if msg.Type != TypeSettlement || msg.Status != "failed" || msg.Attempt != 3 || msg.Error != "ledger unavailable" {
		t.Fatalf("unexpected settlement message: %+v", msg)
	}
	if msg.Outcome != "" {
		t.Fatalf("expected no outcome for failed settlement, got %q", msg.Outcome)
	}
}

func TestNewGameStateNeverSendsNullFoods(t *testing.T) {
	data, err := JSON.Marshal(NewGameState(world.Snapshot{}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded["foods"].([]any); !ok {
		t.Fatalf("expected foods array, got %v", decoded["foods"])
	}
}
