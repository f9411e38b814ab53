// Package policy classifies tool calls with OPA.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Input is the document a tool call is evaluated against.
type Input struct {
	ToolName  string          `json:"tool_name"`
	Sensitive bool            `json:"sensitive"`
	Blocked   bool            `json:"blocked"`
	ProjectID string          `json:"project_id,omitempty"`
	Args      json.RawMessage `json:"-"`
}

func (in Input) document() map[string]interface{} {
	doc := map[string]interface{}{
		"tool_name":  in.ToolName,
		"sensitive":  in.Sensitive,
		"blocked":    in.Blocked,
		"project_id": in.ProjectID,
		"args":       map[string]interface{}{},
	}
	if len(in.Args) > 0 {
		var args interface{}
		if err := json.Unmarshal(in.Args, &args); err == nil {
			doc["args"] = args
		}
	}
	return doc
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module at path, or DefaultPolicy when
// path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy and returns the decision with an optional
// reason.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input.document()))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return DecisionAllow, "unexpected return type", nil
	}
	reason, _ := doc["reason"].(string)
	switch d, _ := doc["decision"].(string); Decision(d) {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return Decision(d), reason, nil
	default:
		return "", "", fmt.Errorf("policy returned unknown decision %q", d)
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

decision = "block" {
	input.blocked
}

reason = "tool is disabled" {
	input.blocked
}

decision = "require_approval" {
	not input.blocked
	input.sensitive
}

reason = "tool is marked sensitive" {
	not input.blocked
	input.sensitive
}

# Overwriting an existing file always needs a human.
decision = "require_approval" {
	not input.blocked
	input.tool_name == "write_file"
	input.args.overwrite == true
}

reason = "write overwrites an existing file" {
	not input.blocked
	not input.sensitive
	input.tool_name == "write_file"
	input.args.overwrite == true
}
`
