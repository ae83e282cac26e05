package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"strings"

	"stake-arena/server/logging"
)

// ConsoleSink renders one key=value line per event, for example
//
//	WARN  settlement/settlement.attempt_failed tick=812 actor=player:0xab12 attempt=2
type ConsoleSink struct {
	logger *log.Logger
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Print(formatLine(event))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatLine(event logging.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s ", strings.ToUpper(event.Severity.String()))
	if event.Category != "" {
		b.WriteString(event.Category)
		b.WriteByte('/')
	}
	b.WriteString(string(event.Type))
	if event.Tick > 0 {
		fmt.Fprintf(&b, " tick=%d", event.Tick)
	}
	if ref := formatRef(event.Actor); ref != "" {
		fmt.Fprintf(&b, " actor=%s", ref)
	}
	if len(event.Targets) > 0 {
		refs := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			refs = append(refs, formatRef(target))
		}
		fmt.Fprintf(&b, " targets=%s", strings.Join(refs, ","))
	}
	writePayload(&b, event.Payload)
	for _, key := range slices.Sorted(maps.Keys(event.Extra)) {
		fmt.Fprintf(&b, " %s=%v", key, event.Extra[key])
	}
	if event.TraceID != "" {
		fmt.Fprintf(&b, " trace=%s", event.TraceID)
	}
	return b.String()
}

func formatRef(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	default:
		return string(ref.Kind) + ":" + ref.ID
	}
}

// writePayload flattens object payloads into sorted key=value pairs and
// falls back to raw JSON for anything else.
func writePayload(b *strings.Builder, payload any) {
	if payload == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(b, " payload=%v", payload)
		return
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		fmt.Fprintf(b, " payload=%s", data)
		return
	}
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(b, " %s=%s", key, strings.Trim(string(fields[key]), `"`))
	}
}
