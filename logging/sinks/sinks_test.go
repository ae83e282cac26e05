package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"stake-arena/server/logging"
)

func TestConsoleLineFlattensPayload(t *testing.T) {
	line := formatLine(logging.Event{
		Type:     "settlement.attempt_failed",
		Category: logging.CategorySettlement,
		Severity: logging.SeverityWarn,
		Tick:     812,
		Actor:    logging.PlayerRef("0xab12"),
		Payload:  map[string]any{"gameId": 7, "attempt": 2},
		Extra:    map[string]any{"service": "stake-arena"},
	})
	want := "WARN  settlement/settlement.attempt_failed tick=812 actor=player:0xab12 attempt=2 gameId=7 service=stake-arena"
	if line != want {
		t.Fatalf("unexpected line\n got: %q\nwant: %q", line, want)
	}
}

func TestConsoleLineRawPayload(t *testing.T) {
	line := formatLine(logging.Event{Type: "x", Payload: []int{1, 2}})
	if !strings.HasSuffix(line, " payload=[1,2]") {
		t.Fatalf("expected raw payload, got %q", line)
	}
}

func TestJSONSinkWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := sink.Write(logging.Event{Type: "session.exited", Category: logging.CategoryLifecycle, Time: stamp, Tick: 9, Actor: logging.PlayerRef("conn-1")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(logging.Event{Type: "room.checkpoint", Time: stamp}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["type"] != "session.exited" || first["time"] != "2026-01-02T03:04:05Z" || first["severity"] != "debug" {
		t.Fatalf("unexpected record: %v", first)
	}
	if _, ok := first["actor"]; !ok {
		t.Fatalf("expected actor on first record")
	}
	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := second["actor"]; ok {
		t.Fatalf("empty actor should be omitted: %v", second)
	}
}

func TestMemorySinkCopiesEvents(t *testing.T) {
	sink := NewMemorySink()
	extra := map[string]any{"k": 1}
	sink.Publish(context.Background(), logging.Event{Type: "a", Category: logging.CategoryEconomy, Extra: extra})
	sink.Publish(context.Background(), logging.Event{Type: "b", Category: logging.CategoryEconomy})
	extra["k"] = 2

	if got := sink.EventsOfType("a"); len(got) != 1 || got[0].Extra["k"] != 1 {
		t.Fatalf("captured event shares caller map: %+v", got)
	}
	if counts := sink.CountByCategory(); counts[logging.CategoryEconomy] != 2 {
		t.Fatalf("unexpected category counts: %v", counts)
	}
}
