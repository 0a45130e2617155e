// Package corewire implements the conversation orchestration core shared by
// every multi-adapter deployment of a chat agent: a [Monitor] that runs one
// independent turn-loop per conversation key, an [ApprovalGate] that pauses
// tool execution for human sign-off, the mcpclient package that manages a
// session's Model Context Protocol server connections, a [Session] type that
// buffers and replays streamed updates to any number of reconnecting
// subscribers, the resourcemon package that watches MCP resource
// subscriptions for state changes, and the uistate package that mirrors that
// state into a reducer-based store for browser clients.
//
// # Quick Start
//
// Wire a Monitor from a Provider, a ChatHistoryStore, and a ToolRegistry,
// then feed it Prompts from any adapter (browser websocket, Telegram bot,
// NATS bus):
//
//	prov := observer.WrapProvider(
//		corewire.WithRateLimit(corewire.WithRetry(openaicompat.NewProvider(apiKey, model, baseURL)), corewire.RPM(60)),
//		model, inst)
//	store, err := sqlite.Open(ctx, dbPath)
//	mon := corewire.NewMonitor(prov, store, registry, corewire.WithMonitorTracer(observer.NewTracer()))
//
//	sess := mon.SessionFor(key)
//	mon.Submit(ctx, corewire.Prompt{Key: key, Text: "hello", SenderID: "u1"})
//	for sess.State() == corewire.RunIdle { // subscribe only once the run has started
//		time.Sleep(10 * time.Millisecond)
//	}
//	for update := range sess.Subscribe(ctx) {
//		// forward update to whichever transport owns this conversation
//	}
//
// # Core Interfaces
//
// The root package defines the contracts every adapter and backend
// implements:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Tool] — pluggable capability for LLM function calling, gated by [ApprovalGate]
//   - [Tracer] — span/attribute abstraction, backed by OTEL in package observer
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat completion APIs),
// decorated with [WithRetry] and [WithRateLimit].
// Storage: store/sqlite, implementing the Monitor's ChatHistoryStore contract.
// Adapters: adapters/telegram (Telegram bot), wsgateway (browser websocket
// push), adapters/web (HTTP/JSON via gin), bus (NATS message bus).
//
// See cmd/core for a complete reference application wiring all of the above.
package corewire
