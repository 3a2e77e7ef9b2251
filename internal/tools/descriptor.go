// Package tools implements the tool registry and the gated tool invoker.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
)

// RiskClass statically classifies a tool. It controls whether redaction and
// confirmation gating apply before the handler runs.
type RiskClass string

const (
	// RiskSafe tools stay inside the trust boundary; arguments pass through
	// unmodified.
	RiskSafe RiskClass = "safe"
	// RiskExternal tools cross the trust boundary; arguments are redacted
	// before the handler ever sees them.
	RiskExternal RiskClass = "external"
	// RiskHigh tools perform irreversible or high-risk actions; they execute
	// only after explicit user confirmation, and their arguments are also
	// redacted.
	RiskHigh RiskClass = "high_risk"
)

// Handler executes a tool call against already-validated, already-sanitized
// arguments and returns a JSON-serializable payload.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Summarizer renders a human-readable description of what a high-risk call
// would do, surfaced to the client in the confirmation prompt.
type Summarizer func(args map[string]any) string

// Descriptor describes one registered capability.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Risk        RiskClass
	Handler     Handler
	// Summarize is optional; a generic summary is used when nil.
	Summarize Summarizer

	compiled *jsonschema.Schema
}

// compile parses the input schema once at registration time so lookups on
// the sealed registry are allocation-free.
func (d *Descriptor) compile() error {
	if len(d.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(d.Name+".schema.json", string(d.InputSchema))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", d.Name, err)
	}
	d.compiled = schema
	return nil
}

// Validate checks decoded arguments against the compiled input schema.
func (d *Descriptor) Validate(args any) error {
	if d.compiled == nil {
		return nil
	}
	return d.compiled.Validate(args)
}

// Definition renders the descriptor in OpenAI function format for the model
// request payload.
func (d *Descriptor) Definition() openai.Tool {
	var params any
	if len(d.InputSchema) > 0 {
		// Schema was validated at registration; decode cannot fail here.
		_ = json.Unmarshal(d.InputSchema, &params)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}
