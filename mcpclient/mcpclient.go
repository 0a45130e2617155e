// Package mcpclient implements the MCP Client Manager: it owns the set of
// Model Context Protocol server connections for one conversation, merges
// their tool/prompt/resource catalogs, and answers sampling requests on the
// servers' behalf by delegating to the conversation's own LLM provider.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nevindra/corewire"
)

// Endpoint describes one MCP server a Manager should connect to.
type Endpoint struct {
	// Name qualifies every tool/prompt/resource from this server, e.g.
	// "github" turns a "create_issue" tool into "mcp:github:create_issue".
	Name string
	// Command/Args/Env configure a stdio server. Leave Command empty and
	// set URL for an HTTP/SSE server instead.
	Command string
	Args    []string
	Env     []string
	URL     string
}

const (
	dialMaxAttempts = 3
	dialBaseDelay   = 2 * time.Second
)

// client is the subset of the mcp-go client surface the Manager depends on,
// declared locally so Manager can be exercised against a fake in tests.
type client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Subscribe(ctx context.Context, req mcp.SubscribeRequest) error
	Unsubscribe(ctx context.Context, req mcp.UnsubscribeRequest) error
	OnNotification(handler func(mcp.JSONRPCNotification))
	SetSamplingHandler(handler mcpsdk.SamplingHandler)
	Close() error
}

type server struct {
	name    string
	client  client
	tools   []mcp.Tool
	prompts []mcp.Prompt
}

// ResourceNotifier receives "resources/updated" notifications for a
// concrete URI, forwarded from whichever server owns that subscription.
// The Resource Subscription Monitor implements this.
type ResourceNotifier interface {
	NotifyResourceUpdated(serverName, uri string)
}

// Manager owns every MCP server connection for one conversation session.
type Manager struct {
	key      corewire.ConversationKey
	provider corewire.Provider
	notifier ResourceNotifier
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]*server
	catalog map[string]qualifiedTool
}

type qualifiedTool struct {
	server     string
	underlying string
	def        corewire.ToolDefinition
}

// Dial concurrently connects to every endpoint, retrying each dial up to
// dialMaxAttempts times with exponential backoff (base 2s). If any endpoint
// never connects, Dial fails and closes whatever did connect — a Manager is
// all-or-nothing, matching the "dial failure fails whole manager" contract.
func Dial(ctx context.Context, key corewire.ConversationKey, provider corewire.Provider, notifier ResourceNotifier, logger *slog.Logger, endpoints []Endpoint) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		key:      key,
		provider: provider,
		notifier: notifier,
		logger:   logger,
		servers:  make(map[string]*server),
		catalog:  make(map[string]qualifiedTool),
	}

	type dialResult struct {
		name string
		srv  *server
		err  error
	}
	results := make(chan dialResult, len(endpoints))
	for _, ep := range endpoints {
		ep := ep
		go func() {
			srv, err := dialWithRetry(ctx, ep, m.samplingHandler(), m.notificationHandler(ep.Name))
			results <- dialResult{name: ep.Name, srv: srv, err: err}
		}()
	}

	var firstErr error
	for range endpoints {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mcp server %q: %w", r.name, r.err)
			}
			continue
		}
		m.servers[r.name] = r.srv
	}
	if firstErr != nil {
		m.Close()
		return nil, firstErr
	}

	for name, srv := range m.servers {
		if err := m.refreshCatalog(ctx, name, srv); err != nil {
			m.Close()
			return nil, fmt.Errorf("mcp server %q: list tools: %w", name, err)
		}
	}
	return m, nil
}

func dialWithRetry(ctx context.Context, ep Endpoint, sampling mcpsdk.SamplingHandler, onNotify func(mcp.JSONRPCNotification)) (*server, error) {
	var lastErr error
	for attempt := 0; attempt < dialMaxAttempts; attempt++ {
		c, err := connect(ep)
		if err == nil {
			c.SetSamplingHandler(sampling)
			c.OnNotification(onNotify)
			if _, err = c.Initialize(ctx, mcp.InitializeRequest{}); err == nil {
				return &server{name: ep.Name, client: c}, nil
			}
			_ = c.Close()
		}
		lastErr = err
		if attempt < dialMaxAttempts-1 {
			delay := dialBaseDelay * time.Duration(1<<attempt)
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

func connect(ep Endpoint) (client, error) {
	if ep.Command != "" {
		return mcpsdk.NewStdioMCPClient(ep.Command, ep.Env, ep.Args...)
	}
	return mcpsdk.NewSSEMCPClient(ep.URL)
}

func (m *Manager) refreshCatalog(ctx context.Context, name string, srv *server) error {
	res, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return err
	}
	srv.tools = res.Tools

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range res.Tools {
		qname := qualify(name, t.Name)
		schema, _ := json.Marshal(t.InputSchema)
		m.catalog[qname] = qualifiedTool{
			server:     name,
			underlying: t.Name,
			def: corewire.ToolDefinition{
				Name:        qname,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}

	if promptRes, err := srv.client.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
		srv.prompts = promptRes.Prompts
	}
	return nil
}

// qualify always namespaces a tool name — this is what prevents collisions
// between servers exposing tools with the same underlying name.
func qualify(server, tool string) string {
	return "mcp:" + server + ":" + tool
}

// Tools returns the merged, qualified tool catalog across every connected
// server.
func (m *Manager) Tools() []corewire.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]corewire.ToolDefinition, 0, len(m.catalog))
	for _, qt := range m.catalog {
		defs = append(defs, qt.def)
	}
	return defs
}

// CallTool invokes a qualified tool name ("mcp:<server>:<tool>").
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) (corewire.ToolResult, error) {
	m.mu.RLock()
	qt, ok := m.catalog[qualifiedName]
	var srv *server
	if ok {
		srv = m.servers[qt.server]
	}
	m.mu.RUnlock()
	if !ok || srv == nil {
		return corewire.ToolResult{Error: "unknown mcp tool: " + qualifiedName}, nil
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return corewire.ToolResult{}, fmt.Errorf("mcp tool args: %w", err)
		}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = qt.underlying
	req.Params.Arguments = argMap

	res, err := srv.client.CallTool(ctx, req)
	if err != nil {
		if isTransportErr(err) {
			return corewire.ToolResult{}, fmt.Errorf("mcp transport lost on %q: %w", qt.server, err)
		}
		return corewire.ToolResult{Error: err.Error()}, nil
	}
	return corewire.ToolResult{Content: renderContent(res), Error: errorText(res)}, nil
}

func isTransportErr(err error) bool {
	return strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "closed pipe") || strings.Contains(err.Error(), "connection")
}

func renderContent(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func errorText(res *mcp.CallToolResult) string {
	if res.IsError {
		return renderContent(res)
	}
	return ""
}

// Prompts concatenates every connected server's resolved prompt text under a
// single "User Context" header, for injection as a leading system message.
func (m *Manager) Prompts(ctx context.Context) string {
	m.mu.RLock()
	servers := make([]*server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	var sections []string
	for _, srv := range servers {
		for _, p := range srv.prompts {
			req := mcp.GetPromptRequest{}
			req.Params.Name = p.Name
			res, err := srv.client.GetPrompt(ctx, req)
			if err != nil {
				continue
			}
			var body strings.Builder
			for _, msg := range res.Messages {
				if tc, ok := mcp.AsTextContent(msg.Content); ok {
					body.WriteString(tc.Text)
					body.WriteString("\n")
				}
			}
			if body.Len() > 0 {
				sections = append(sections, fmt.Sprintf("### %s: %s\n%s", srv.name, p.Name, body.String()))
			}
		}
	}
	if len(sections) == 0 {
		return ""
	}
	return "## User Context\n\n" + strings.Join(sections, "\n\n")
}

// SubscribeResource asks the named server to notify this manager when uri
// changes. It does not register anything with the Resource Subscription
// Monitor; the server's update notifications reach the manager's
// ResourceNotifier.
func (m *Manager) SubscribeResource(ctx context.Context, serverName, uri string) error {
	m.mu.RLock()
	srv, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", serverName)
	}
	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	return srv.client.Subscribe(ctx, req)
}

// UnsubscribeResource reverses SubscribeResource.
func (m *Manager) UnsubscribeResource(ctx context.Context, serverName, uri string) error {
	m.mu.RLock()
	srv, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", serverName)
	}
	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	return srv.client.Unsubscribe(ctx, req)
}

func (m *Manager) notificationHandler(serverName string) func(mcp.JSONRPCNotification) {
	return func(n mcp.JSONRPCNotification) {
		if n.Method != "notifications/resources/updated" || m.notifier == nil {
			return
		}
		var params struct {
			URI string `json:"uri"`
		}
		raw, err := json.Marshal(n.Params)
		if err != nil || json.Unmarshal(raw, &params) != nil || params.URI == "" {
			return
		}
		m.notifier.NotifyResourceUpdated(serverName, params.URI)
	}
}

// samplingHandler maps an inbound MCP sampling/createMessage request to the
// conversation's own Provider, mapping MCP roles to chat roles and
// aggregating streamed deltas into one CreateMessageResult.
func (m *Manager) samplingHandler() mcpsdk.SamplingHandler {
	return mcpsdk.SamplingHandlerFunc(func(ctx context.Context, req mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		messages := make([]corewire.ChatMessage, 0, len(req.Messages))
		for _, sm := range req.Messages {
			role := "user"
			if sm.Role == mcp.RoleAssistant {
				role = "assistant"
			}
			text := ""
			if tc, ok := mcp.AsTextContent(sm.Content); ok {
				text = tc.Text
			}
			messages = append(messages, corewire.ChatMessage{Role: role, Content: text})
		}
		if req.SystemPrompt != "" {
			messages = append([]corewire.ChatMessage{corewire.SystemMessage(req.SystemPrompt)}, messages...)
		}

		ch := make(chan corewire.StreamEvent, 16)
		var resp corewire.ChatResponse
		var err error
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, err = m.provider.ChatStream(ctx, corewire.ChatRequest{Messages: messages}, ch)
		}()
		var aggregated strings.Builder
		for ev := range ch {
			if ev.Type == corewire.EventTextDelta {
				aggregated.WriteString(ev.Content)
			}
		}
		<-done
		if err != nil {
			return nil, err
		}
		content := resp.Content
		if content == "" {
			content = aggregated.String()
		}
		return &mcp.CreateMessageResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.NewTextContent(content),
			Model:   m.provider.Name(),
		}, nil
	})
}

// Close shuts down every connected server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, srv := range m.servers {
		if err := srv.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ corewire.MCPManager = (*Manager)(nil)
