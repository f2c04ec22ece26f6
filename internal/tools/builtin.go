package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins installs the broker's built-in tools. They exist so a
// fresh runtime has something invocable end to end before any external
// tool is configured.
func RegisterBuiltins(br *Broker) error {
	echo := Manifest{
		Name:        "echo",
		Description: "Returns its text argument unchanged.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"],
			"additionalProperties": false
		}`),
	}
	if err := br.Register(echo, echoHandler); err != nil {
		return err
	}

	clock := Manifest{
		Name:        "clock",
		Description: "Returns the current time in RFC3339.",
		Schema: json.RawMessage(`{
			"type": "object",
			"additionalProperties": false
		}`),
	}
	return br.Register(clock, clockHandler)
}

func echoHandler(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	out, err := json.Marshal(map[string]string{"text": p.Text})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func clockHandler(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
}
