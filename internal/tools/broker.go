// Package tools implements the tool broker: the component that turns a
// tool.invoke event into a validated handler call and a tool.result event.
// From the bus's perspective a tool call is nothing special, just one
// Batched publish in and one Batched publish out, correlated by
// InvocationID.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/loom/internal/bus"
)

// Handler executes one tool invocation. Args have already been validated
// against the tool's schema when one is configured.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Manifest describes a tool: its name and the JSON Schema its arguments
// must satisfy. A nil Schema disables validation for that tool.
type Manifest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type registeredTool struct {
	manifest Manifest
	schema   *jsonschema.Schema
	handler  Handler
}

// Broker subscribes to tool.invoke and publishes tool.result.
type Broker struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewBroker(b *bus.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		bus:    b,
		logger: logger,
		tools:  make(map[string]*registeredTool),
	}
}

// Register binds a handler (and optional argument schema) to a tool name.
// Re-registering a name replaces the previous binding.
func (br *Broker) Register(m Manifest, h Handler) error {
	if m.Name == "" {
		return fmt.Errorf("tools: manifest has no name")
	}
	if h == nil {
		return fmt.Errorf("tools: tool %s has no handler", m.Name)
	}
	var compiled *jsonschema.Schema
	if len(m.Schema) > 0 {
		var err error
		compiled, err = compileSchema(m.Name, m.Schema)
		if err != nil {
			return err
		}
	}
	br.mu.Lock()
	br.tools[m.Name] = &registeredTool{manifest: m, schema: compiled, handler: h}
	br.mu.Unlock()
	return nil
}

// UpdateSchema swaps a registered tool's argument schema in place, used by
// the manifest hot-reload path. The handler binding is untouched.
func (br *Broker) UpdateSchema(name string, schema json.RawMessage) error {
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return err
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	tool, ok := br.tools[name]
	if !ok {
		return fmt.Errorf("tools: unknown tool %s", name)
	}
	tool.schema = compiled
	tool.manifest.Schema = schema
	return nil
}

// Tools lists the registered manifests, for the dashboard.
func (br *Broker) Tools() []Manifest {
	br.mu.RLock()
	defer br.mu.RUnlock()
	out := make([]Manifest, 0, len(br.tools))
	for _, tool := range br.tools {
		out = append(out, tool.manifest)
	}
	return out
}

// Run subscribes to tool.invoke and serves invocations until ctx is
// canceled or the bus shuts down.
func (br *Broker) Run(ctx context.Context) error {
	_, sub, err := br.bus.SubscribeQoS(bus.TopicToolInvoke, bus.Batched, bus.SubscribeOptions{Owner: "tool-broker"})
	if err != nil {
		return err
	}
	defer br.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			invoke, ok := env.Payload.(bus.ToolInvokeEvent)
			if !ok {
				if br.logger != nil {
					br.logger.Warn("tool_invoke_bad_payload", slog.String("type", fmt.Sprintf("%T", env.Payload)))
				}
				continue
			}
			result := br.invoke(ctx, invoke)
			_, err := br.bus.PublishEnvelope(bus.Event{
				Topic:     bus.TopicToolResult,
				EventType: bus.TopicToolResult,
				QoS:       bus.Batched,
				Sender:    "tool-broker",
				Payload:   result,
			})
			if err != nil && br.logger != nil {
				br.logger.Warn("tool_result_publish_failed", slog.String("tool", invoke.Tool), slog.String("error", err.Error()))
			}
		}
	}
}

func (br *Broker) invoke(ctx context.Context, ev bus.ToolInvokeEvent) bus.ToolResultEvent {
	out := bus.ToolResultEvent{InvocationID: ev.InvocationID, Tool: ev.Tool}

	br.mu.RLock()
	tool, ok := br.tools[ev.Tool]
	br.mu.RUnlock()
	if !ok {
		out.Err = fmt.Sprintf("unknown tool: %s", ev.Tool)
		return out
	}

	if tool.schema != nil {
		if err := validateArgs(tool.schema, ev.Args); err != nil {
			out.Err = fmt.Sprintf("invalid arguments: %s", err)
			return out
		}
	}

	result, err := tool.handler(ctx, ev.Args)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Result = result
	return out
}

// compileSchema compiles a raw JSON Schema document.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema for %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	return schema, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(parsed)
}
