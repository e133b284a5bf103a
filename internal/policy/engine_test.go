package policy

import (
	"context"
	"testing"
)

func TestDefaultPolicyAllows(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, err := e.Evaluate(ctx, Input{UserID: "u1", SessionID: "s1", Model: "llama3"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %q", decision)
	}
}

func TestBlockingPolicy(t *testing.T) {
	const policy = `
package chat_policy

default decision = "allow"

decision = "block" {
	input.user_id == "default_user"
	startswith(input.model, "gpt-")
}
`
	ctx := context.Background()
	e, err := NewEngine(ctx, policy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, err := e.Evaluate(ctx, Input{UserID: "default_user", SessionID: "s1", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %q", decision)
	}

	decision, err = e.Evaluate(ctx, Input{UserID: "u1", SessionID: "s1", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("expected allow for named user, got %q", decision)
	}
}
