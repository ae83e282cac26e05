package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"stake-arena/server/internal/net/proto"
)

// protocolMessages groups every wire message so one schema document covers
// the whole websocket protocol.
type protocolMessages struct {
	Client        proto.ClientMessage `json:"client"`
	Joined        proto.Joined        `json:"joined"`
	GameState     proto.GameState     `json:"gameState"`
	State         proto.State         `json:"state"`
	FoodEaten     proto.FoodEaten     `json:"foodEaten"`
	PlayerUpdated proto.PlayerUpdated `json:"playerUpdated"`
	CanEscape     proto.CanEscape     `json:"canEscape"`
	PlayerLeft    proto.PlayerLeft    `json:"playerLeft"`
	PlayerDied    proto.PlayerDied    `json:"playerDied"`
	EscapeSuccess proto.EscapeSuccess `json:"escapeSuccess"`
	Notice        proto.Notice        `json:"notice"`
	Settlement    proto.Settlement    `json:"settlement"`
}

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	if err := writeSchema(outPath, buildSchema()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(protocolMessages))
	schema.Title = "Stake Arena Websocket Protocol"
	schema.Description = fmt.Sprintf("Client and server messages of protocol version %d", proto.Version)
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}
