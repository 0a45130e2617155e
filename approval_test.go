package corewire

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalGateWhitelistAutoApproves(t *testing.T) {
	gate := NewApprovalGate(NewApprovalCache(), []string{"mcp:github:*"}, nil)
	sess := NewSession(testKey("wl"), nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	decision, err := gate.Check(ctx, sess, testKey("wl"), "mcp:github:create_issue", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAutoApproved {
		t.Fatalf("expected auto-approved, got %v", decision)
	}
	if _, pending := sess.GetPendingApproval(); pending {
		t.Fatal("whitelisted tool must not create a pending approval")
	}
}

func TestApprovalGateNonWhitelistedBlocksForResolution(t *testing.T) {
	gate := NewApprovalGate(NewApprovalCache(), []string{"mcp:github:*"}, nil)
	key := testKey("blocked")
	sess := NewSession(key, nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	resultCh := make(chan ApprovalDecision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := gate.Check(ctx, sess, key, "mcp:slack:post_message", nil, nil)
		resultCh <- d
		errCh <- err
	}()

	deadline := time.After(time.Second)
	for {
		if req, ok := sess.GetPendingApproval(); ok {
			if req.ToolName != "mcp:slack:post_message" {
				t.Fatalf("unexpected pending tool name %q", req.ToolName)
			}
			if !gate.Resolve(sess, req.ID, ApprovalResult{Decision: DecisionApproved}) {
				t.Fatal("expected Resolve to succeed")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pending approval")
		case <-time.After(time.Millisecond):
		}
	}

	if d := <-resultCh; d != DecisionApproved {
		t.Fatalf("expected approved decision, got %v", d)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApprovalGateRememberCachesDecision(t *testing.T) {
	cache := NewApprovalCache()
	gate := NewApprovalGate(cache, nil, nil)
	key := testKey("remember")
	sess := NewSession(key, nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	go func() {
		req, _ := waitForPending(sess, time.Second)
		gate.Resolve(sess, req.ID, ApprovalResult{Decision: DecisionApprovedAndRemember})
	}()
	d, err := gate.Check(ctx, sess, key, "mcp:docs:search", nil, nil)
	if err != nil || d != DecisionApprovedAndRemember {
		t.Fatalf("unexpected first check result: %v %v", d, err)
	}

	// Second call for the same tool in the same conversation must not block.
	sess2 := NewSession(key, nil)
	ctx2, cancel2 := sess2.beginRun(context.Background())
	defer cancel2(false)
	d2, err := gate.Check(ctx2, sess2, key, "mcp:docs:search", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error on cached check: %v", err)
	}
	if d2 != DecisionApprovedAndRemember {
		t.Fatalf("expected cached decision to auto-apply, got %v", d2)
	}
	if _, pending := sess2.GetPendingApproval(); pending {
		t.Fatal("cached decision must not create a new pending approval")
	}
}

func TestApprovalGateRejectedDoesNotCache(t *testing.T) {
	cache := NewApprovalCache()
	gate := NewApprovalGate(cache, nil, nil)
	key := testKey("rejected")
	sess := NewSession(key, nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	go func() {
		req, _ := waitForPending(sess, time.Second)
		gate.Resolve(sess, req.ID, ApprovalResult{Decision: DecisionRejected})
	}()
	d, err := gate.Check(ctx, sess, key, "mcp:shell:run", nil, nil)
	if err != nil || d != DecisionRejected {
		t.Fatalf("unexpected result: %v %v", d, err)
	}
	if _, ok := cache.get(key, "mcp:shell:run"); ok {
		t.Fatal("rejected decisions must not be cached")
	}
}

func TestApprovalGateRejectsArgsFailingSchema(t *testing.T) {
	gate := NewApprovalGate(NewApprovalCache(), []string{"*"}, nil)
	key := testKey("schema")
	sess := NewSession(key, nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	defs := []ToolDefinition{{
		Name:       "search",
		Parameters: []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}}

	_, err := gate.Check(ctx, sess, key, "search", []byte(`{}`), defs)
	var invalid *ErrArgsInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrArgsInvalid, got %v", err)
	}
	if invalid.ToolName != "search" {
		t.Errorf("ToolName = %q, want %q", invalid.ToolName, "search")
	}
}

func TestApprovalGateAllowsArgsMatchingSchema(t *testing.T) {
	gate := NewApprovalGate(NewApprovalCache(), []string{"*"}, nil)
	key := testKey("schema-ok")
	sess := NewSession(key, nil)
	ctx, cancel := sess.beginRun(context.Background())
	defer cancel(false)

	defs := []ToolDefinition{{
		Name:       "search",
		Parameters: []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}}

	decision, err := gate.Check(ctx, sess, key, "search", []byte(`{"query":"go"}`), defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAutoApproved {
		t.Fatalf("expected auto-approved, got %v", decision)
	}
}

func waitForPending(sess *Session, timeout time.Duration) (*ApprovalRequest, bool) {
	deadline := time.After(timeout)
	for {
		if req, ok := sess.GetPendingApproval(); ok {
			return req, true
		}
		select {
		case <-deadline:
			return nil, false
		case <-time.After(time.Millisecond):
		}
	}
}
