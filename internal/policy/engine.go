// Package policy decides whether a turn may proceed against its resolved
// model.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by Evaluate.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the admission-check input for one turn.
type Input struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// Engine evaluates the turn-admission policy. The compiled query is
// published once at startup; evaluation is read-only and safe to share
// across all in-flight turns.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given Rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_policy.decision"),
		rego.Module("chat_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate returns the admission decision for a turn. An empty result set
// defaults to allow; the shipped policy always defines a default.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy admits every turn. Deployments restricting model access
// override it via configuration.
const DefaultPolicy = `
package chat_policy

default decision = "allow"

# Example: block anonymous users from large hosted models
# decision = "block" {
# 	input.user_id == "default_user"
# 	startswith(input.model, "gpt-")
# }
`
