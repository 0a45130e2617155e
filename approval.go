package corewire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var errApprovalAlreadyPending = errors.New("corewire: a conversation may have at most one pending approval")

// ErrArgsInvalid wraps a tool call's arguments failing validation against
// its declared JSON Schema. The gate rejects the call before it ever reaches
// a human or the whitelist — a malformed call isn't worth a human's time.
type ErrArgsInvalid struct {
	ToolName string
	Err      error
}

func (e *ErrArgsInvalid) Error() string {
	return fmt.Sprintf("corewire: arguments for tool %q failed schema validation: %v", e.ToolName, e.Err)
}

func (e *ErrArgsInvalid) Unwrap() error { return e.Err }

// schemaCache compiles each tool's Parameters schema once and reuses it,
// keyed by tool name. A Tool's Parameters schema is assumed immutable for
// the process lifetime.
type schemaCache struct {
	mu     sync.Mutex
	byTool map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byTool: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(toolName string, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.byTool[toolName]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	resourceName := toolName + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(rawSchema)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	c.byTool[toolName] = s
	return s, nil
}

// cacheKey is the ApprovalCache lookup key: one decision per tool, per
// conversation.
type cacheKey struct {
	key      ConversationKey
	toolName string
}

// ApprovalCache remembers "approved and remember" decisions so the gate
// doesn't re-prompt for a tool the human already trusted in this
// conversation. It is a process-scoped singleton per Monitor, created and
// torn down through ApprovalGate's own API rather than a package-level
// global.
type ApprovalCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]ApprovalDecision
}

// NewApprovalCache creates an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{entries: make(map[cacheKey]ApprovalDecision)}
}

func (c *ApprovalCache) get(key ConversationKey, tool string) (ApprovalDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[cacheKey{key, tool}]
	return d, ok
}

func (c *ApprovalCache) remember(key ConversationKey, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{key, tool}] = DecisionApprovedAndRemember
}

// Forget clears any remembered decision for key, e.g. on /clear.
func (c *ApprovalCache) Forget(key ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.key == key {
			delete(c.entries, k)
		}
	}
}

// ApprovalGate decides whether a tool call may proceed without asking a
// human, and otherwise blocks the call behind a Session's pending-approval
// slot until a human answers.
//
// Whitelist patterns are glob-style over the fully-qualified tool name
// ("mcp:<server>:<tool>", or a bare name for a local tool): "*" matches any
// run of characters, so "mcp:github:*" auto-approves every GitHub MCP tool
// and "*" auto-approves everything.
type ApprovalGate struct {
	cache     *ApprovalCache
	whitelist []string
	logger    *slog.Logger
	schemas   *schemaCache
}

// NewApprovalGate creates a gate backed by cache, auto-approving any tool
// name matching one of the whitelist glob patterns.
func NewApprovalGate(cache *ApprovalCache, whitelist []string, logger *slog.Logger) *ApprovalGate {
	if cache == nil {
		cache = NewApprovalCache()
	}
	if logger == nil {
		logger = nopLogger
	}
	return &ApprovalGate{cache: cache, whitelist: whitelist, logger: logger, schemas: newSchemaCache()}
}

// Check resolves the approval state for one tool call. defs supplies the
// calling turn's tool definitions so the call's args can be validated
// against the matching tool's declared JSON Schema before anything else
// runs — a malformed call is rejected outright rather than spent on a
// whitelist check or a human's attention.
//
// If the tool is whitelisted or was previously remembered for this
// conversation, Check returns immediately with no human interaction.
// Otherwise it registers an ApprovalRequest on sess and blocks until the
// human resolves it or ctx ends.
func (g *ApprovalGate) Check(ctx context.Context, sess *Session, key ConversationKey, toolName string, args json.RawMessage, defs []ToolDefinition) (ApprovalDecision, error) {
	if err := g.validateArgs(toolName, args, defs); err != nil {
		g.logger.Warn("tool call rejected by schema validation", "tool", toolName, "error", err)
		return DecisionRejected, err
	}

	for _, pat := range g.whitelist {
		if ok, _ := path.Match(pat, toolName); ok {
			g.logger.Debug("tool auto-approved by whitelist", "tool", toolName, "pattern", pat)
			return DecisionAutoApproved, nil
		}
	}
	if d, ok := g.cache.get(key, toolName); ok {
		g.logger.Debug("tool auto-approved by cache", "tool", toolName)
		return d, nil
	}

	req := &ApprovalRequest{
		ID:          NewID(),
		Key:         key,
		ToolName:    toolName,
		Args:        args,
		RequestedAt: NowUnix(),
	}
	res, err := sess.requestApproval(ctx, req)
	if err != nil {
		return DecisionRejected, err
	}
	if res.Decision == DecisionApprovedAndRemember {
		g.cache.remember(key, toolName)
	}
	return res.Decision, nil
}

// validateArgs compiles and checks args against toolName's declared
// Parameters schema, found by scanning defs. A tool with no matching
// definition or an empty schema is left unvalidated — schema validation is
// opportunistic, not a substitute for the tool's own argument handling.
func (g *ApprovalGate) validateArgs(toolName string, args json.RawMessage, defs []ToolDefinition) error {
	var schema json.RawMessage
	for _, d := range defs {
		if d.Name == toolName {
			schema = d.Parameters
			break
		}
	}
	if len(schema) == 0 {
		return nil
	}
	compiled, err := g.schemas.compile(toolName, schema)
	if err != nil {
		return nil // an uncompilable schema is a tool-authoring bug, not grounds to block every call
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return &ErrArgsInvalid{ToolName: toolName, Err: err}
	}
	if err := compiled.Validate(v); err != nil {
		return &ErrArgsInvalid{ToolName: toolName, Err: err}
	}
	return nil
}

// Resolve answers a pending approval on sess. Returns false if approvalID
// does not match the session's current pending request (already resolved,
// wrong session, or stale client).
func (g *ApprovalGate) Resolve(sess *Session, approvalID string, result ApprovalResult) bool {
	return sess.ResolveApproval(approvalID, result)
}
