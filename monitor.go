package corewire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MCPManager is the capability a Conversation Monitor needs from an MCP
// Client Manager: a merged tool catalog, a way to invoke a qualified tool,
// and a context prompt contributed by connected servers. The concrete type
// is mcpclient.Manager; Monitor depends only on this interface so the root
// package never imports the transport package.
type MCPManager interface {
	Tools() []ToolDefinition
	CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) (ToolResult, error)
	Prompts(ctx context.Context) string
	Close() error
}

// MCPManagerFactory builds (or reuses) the MCP Client Manager for one
// conversation key. Implementations typically cache by key and redial on
// the next prompt if the previous manager's transport was lost.
type MCPManagerFactory func(ctx context.Context, key ConversationKey) (MCPManager, error)

// ChatHistoryStore is what the Monitor needs to load and persist
// conversation turns, keyed by ConversationKey instead of thread ID so
// callers can swap in any backing store that understands the schema in
// [ConversationKey.StoreKey].
type ChatHistoryStore interface {
	LoadHistory(ctx context.Context, key ConversationKey, limit int) ([]ChatMessage, error)
	AppendHistory(ctx context.Context, key ConversationKey, messages ...ChatMessage) error
	Clear(ctx context.Context, key ConversationKey) error
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithMonitorLogger(l *slog.Logger) MonitorOption   { return func(m *Monitor) { m.logger = l } }
func WithMonitorTracer(t Tracer) MonitorOption         { return func(m *Monitor) { m.tracer = t } }
func WithMCPManagers(f MCPManagerFactory) MonitorOption { return func(m *Monitor) { m.mcpFactory = f } }
func WithApprovalGate(g *ApprovalGate) MonitorOption   { return func(m *Monitor) { m.gate = g } }
func WithMaxToolIterations(n int) MonitorOption        { return func(m *Monitor) { m.maxIter = n } }

// Monitor runs one independent, serialized turn-loop per ConversationKey,
// fanning prompts from any number of adapters into per-key sessions that
// clients subscribe to for streamed updates.
type Monitor struct {
	provider Provider
	history  ChatHistoryStore
	tools    *ToolRegistry
	gate     *ApprovalGate

	mcpFactory MCPManagerFactory

	logger  *slog.Logger
	tracer  Tracer
	maxIter int

	mu       sync.Mutex
	sessions map[ConversationKey]*Session
	mcps     map[ConversationKey]MCPManager
	queues   map[ConversationKey]chan Prompt
}

// NewMonitor creates a Monitor. provider and history must be non-nil; tools
// and opts are optional.
func NewMonitor(provider Provider, history ChatHistoryStore, tools *ToolRegistry, opts ...MonitorOption) *Monitor {
	if tools == nil {
		tools = NewToolRegistry()
	}
	m := &Monitor{
		provider: provider,
		history:  history,
		tools:    tools,
		gate:     NewApprovalGate(NewApprovalCache(), nil, nil),
		logger:   nopLogger,
		maxIter:  10,
		sessions: make(map[ConversationKey]*Session),
		mcps:     make(map[ConversationKey]MCPManager),
		queues:   make(map[ConversationKey]chan Prompt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run fans prompts in from src until ctx is cancelled or src is closed.
// Each prompt is routed to its key's queue; a key's prompts are processed
// strictly in order, but distinct keys run concurrently.
func (m *Monitor) Run(ctx context.Context, src <-chan Prompt) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-src:
			if !ok {
				return nil
			}
			m.enqueue(ctx, p)
		}
	}
}

// Submit enqueues p for processing on its key's queue, same as a prompt
// arriving through Run's fan-in channel. Adapters that own their own request
// loop (the message bus, the browser gateway) call this directly instead of
// routing through a shared channel.
func (m *Monitor) Submit(ctx context.Context, p Prompt) {
	m.enqueue(ctx, p)
}

func (m *Monitor) enqueue(ctx context.Context, p Prompt) {
	m.mu.Lock()
	q, ok := m.queues[p.Key]
	if !ok {
		q = make(chan Prompt, 32)
		m.queues[p.Key] = q
		go m.drain(ctx, p.Key, q)
	}
	m.mu.Unlock()

	select {
	case q <- p:
	case <-ctx.Done():
	}
}

func (m *Monitor) drain(ctx context.Context, key ConversationKey, q chan Prompt) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-q:
			m.runTurn(ctx, key, p)
		}
	}
}

// SessionFor resolves (creating if necessary) the Session for key. Creation
// is lazy: a Session only exists once its key has received a prompt, or a
// caller has explicitly asked to subscribe/reconnect ahead of one.
func (m *Monitor) SessionFor(key ConversationKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = NewSession(key, m.logger)
		m.sessions[key] = s
	}
	return s
}

// Cancel stops the active run for key, if any.
func (m *Monitor) Cancel(key ConversationKey) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Clear wipes key's persisted history and remembered approvals, in addition
// to whatever Cancel does. This realizes the "/clear" semantics decided in
// the design notes: /cancel only stops the active run, /clear also forgets
// the conversation.
func (m *Monitor) Clear(ctx context.Context, key ConversationKey) error {
	m.Cancel(key)
	m.gate.cache.Forget(key)
	if m.history != nil {
		return m.history.Clear(ctx, key)
	}
	return nil
}

func (m *Monitor) mcpManagerFor(ctx context.Context, key ConversationKey) (MCPManager, error) {
	if m.mcpFactory == nil {
		return nil, nil
	}
	m.mu.Lock()
	mgr, ok := m.mcps[key]
	m.mu.Unlock()
	if ok {
		return mgr, nil
	}
	mgr, err := m.mcpFactory(ctx, key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.mcps[key] = mgr
	m.mu.Unlock()
	return mgr, nil
}

// dropMCPManager forgets a manager whose transport was lost mid-session, so
// the next prompt rebuilds it from scratch.
func (m *Monitor) dropMCPManager(key ConversationKey) {
	m.mu.Lock()
	mgr, ok := m.mcps[key]
	delete(m.mcps, key)
	m.mu.Unlock()
	if ok && mgr != nil {
		_ = mgr.Close()
	}
}

// runTurn implements the per-key algorithm: load history, build/reuse the
// MCP manager, construct the message list, call the provider, and
// append/broadcast/persist updates as they arrive.
func (m *Monitor) runTurn(ctx context.Context, key ConversationKey, p Prompt) {
	sess := m.SessionFor(key)
	runCtx, finish := sess.beginRun(ctx)

	var span Span
	if m.tracer != nil {
		runCtx, span = m.tracer.Start(runCtx, "conversation.turn", StringAttr("conversation.key", key.String()))
	}
	cancelled := false
	defer func() {
		if span != nil {
			span.End()
		}
		sess.Append(ResponseUpdate{Kind: UpdateStreamComplete, Cancelled: cancelled})
		finish(cancelled)
	}()

	history, err := m.loadHistory(runCtx, key)
	if err != nil {
		sess.Append(ResponseUpdate{Kind: UpdateError, Err: fmt.Sprintf("load history: %v", err)})
		return
	}

	mcpMgr, err := m.mcpManagerFor(runCtx, key)
	if err != nil {
		sess.Append(ResponseUpdate{Kind: UpdateError, Err: fmt.Sprintf("mcp dial: %v", err)})
		return
	}

	messages := m.buildMessages(history, mcpMgr, p.Text)
	toolDefs := m.tools.AllDefinitions()
	if mcpMgr != nil {
		toolDefs = append(toolDefs, mcpMgr.Tools()...)
	}

	for i := 0; i < m.maxIter; i++ {
		if runCtx.Err() != nil {
			cancelled = true
			return
		}

		resp, callErr := m.callProvider(runCtx, messages, toolDefs, sess)
		if callErr != nil {
			if runCtx.Err() != nil {
				cancelled = true
				return
			}
			sess.Append(ResponseUpdate{Kind: UpdateError, Err: callErr.Error()})
			return
		}

		if len(resp.ToolCalls) == 0 {
			m.persistTurn(runCtx, key, p.Text, resp.Content)
			return
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			sess.Append(ResponseUpdate{Kind: UpdateToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Args})

			decision, approveErr := m.gate.Check(runCtx, sess, key, tc.Name, tc.Args, toolDefs)
			if approveErr != nil {
				cancelled = true
				return
			}
			if decision == DecisionRejected {
				messages = append(messages, ToolResultMessage(tc.ID, "error: rejected by user"))
				sess.Append(ResponseUpdate{Kind: UpdateToolCallResult, ToolCallID: tc.ID, ToolName: tc.Name, ToolResult: ToolResult{Error: "rejected by user"}})
				continue
			}

			result, execErr := m.executeTool(runCtx, mcpMgr, tc.Name, tc.Args)
			if execErr != nil {
				result = ToolResult{Error: execErr.Error()}
				if strings.Contains(execErr.Error(), "transport") {
					m.dropMCPManager(key)
					mcpMgr = nil
				}
			}
			content := result.Content
			if result.Error != "" {
				content = "error: " + result.Error
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
			sess.Append(ResponseUpdate{Kind: UpdateToolCallResult, ToolCallID: tc.ID, ToolName: tc.Name, ToolResult: result})
		}
	}
}

func (m *Monitor) callProvider(ctx context.Context, messages []ChatMessage, toolDefs []ToolDefinition, sess *Session) (ChatResponse, error) {
	ch := make(chan StreamEvent, 64)
	var resp ChatResponse
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = m.provider.ChatStream(ctx, ChatRequest{Messages: messages, Tools: toolDefs}, ch)
	}()
	for ev := range ch {
		if ev.Type == EventTextDelta && ev.Content != "" {
			sess.Append(ResponseUpdate{Kind: UpdateTextDelta, Text: ev.Content})
		}
	}
	<-done
	return resp, err
}

func (m *Monitor) executeTool(ctx context.Context, mcpMgr MCPManager, name string, args json.RawMessage) (ToolResult, error) {
	if mcpMgr != nil && strings.HasPrefix(name, "mcp:") {
		return mcpMgr.CallTool(ctx, name, args)
	}
	return m.tools.Execute(ctx, name, args)
}

func (m *Monitor) loadHistory(ctx context.Context, key ConversationKey) ([]ChatMessage, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.LoadHistory(ctx, key, 40)
}

func (m *Monitor) buildMessages(history []ChatMessage, mcpMgr MCPManager, userText string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	if mcpMgr != nil {
		if ctxPrompt := mcpMgr.Prompts(context.Background()); ctxPrompt != "" {
			messages = append(messages, SystemMessage(ctxPrompt))
		}
	}
	messages = append(messages, history...)
	messages = append(messages, UserMessage(userText))
	return messages
}

func (m *Monitor) persistTurn(ctx context.Context, key ConversationKey, userText, assistantText string) {
	if m.history == nil {
		return
	}
	_ = m.history.AppendHistory(ctx, key, UserMessage(userText), AssistantMessage(assistantText))
}
