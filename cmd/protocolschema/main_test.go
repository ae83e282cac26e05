package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildSchemaCoversMessages(t *testing.T) {
	schema := buildSchema()
	for _, name := range []string{"ClientMessage", "State", "Settlement", "PlayerDied"} {
		if _, ok := schema.Definitions[name]; !ok {
			t.Fatalf("expected definition for %s", name)
		}
	}
}

func TestWriteSchema(t *testing.T) {
	out := filepath.Join(t.TempDir(), "schema", "protocol.json")
	if err := writeSchema(out, buildSchema()); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if decoded["title"] != "Stake Arena Websocket Protocol" {
		t.Fatalf("unexpected title %v", decoded["title"])
	}
}
