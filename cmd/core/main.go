// Command core wires every adapter in the repo to one shared Conversation
// Monitor: Telegram, the browser websocket gateway, the HTTP/JSON surface,
// and the NATS message bus all submit prompts to the same per-key turn-loop
// and read back the same replayable update stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/nevindra/corewire"
	"github.com/nevindra/corewire/adapters/telegram"
	"github.com/nevindra/corewire/adapters/web"
	"github.com/nevindra/corewire/bus"
	"github.com/nevindra/corewire/internal/config"
	"github.com/nevindra/corewire/observer"
	"github.com/nevindra/corewire/provider/openaicompat"
	"github.com/nevindra/corewire/store/sqlite"
	"github.com/nevindra/corewire/wsgateway"
)

const httpShutdownTimeout = 5 * time.Second

var (
	cfgPath string
	chatMsg string
)

func main() {
	root := &cobra.Command{
		Use:   "core",
		Short: "Run the corewire conversation engine",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "corewire.toml", "path to the TOML config file")
	root.Flags().StringVar(&chatMsg, "chat", "", "send a single prompt to a scratch conversation and print the reply, instead of starting the adapter servers")

	if err := root.Execute(); err != nil {
		slog.Error("core: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(cfgPath)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.Database.Path, sqlite.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	monitor, shutdownObserver, err := buildMonitor(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	if shutdownObserver != nil {
		defer shutdownObserver(context.Background())
	}

	if chatMsg != "" {
		return runOneShot(ctx, monitor, chatMsg)
	}

	return serve(ctx, cfg, monitor, logger)
}

// buildMonitor assembles the provider decorator chain (retry, rate limit,
// OTEL instrumentation) and returns a Monitor backed by it, along with the
// observer shutdown func (nil if observability is disabled).
func buildMonitor(ctx context.Context, cfg config.Config, store *sqlite.Store, logger *slog.Logger) (*corewire.Monitor, func(context.Context) error, error) {
	base := openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, openaicompat.WithName(cfg.LLM.Provider))
	provider := corewire.WithRateLimit(
		corewire.WithRetry(base),
		corewire.RPM(cfg.LLM.RPM),
		corewire.TPM(cfg.LLM.TPM),
	)

	var tracer corewire.Tracer
	var shutdown func(context.Context) error
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, obsShutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return nil, nil, fmt.Errorf("observer init: %w", err)
		}
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		tracer = observer.NewTracer()
		shutdown = obsShutdown
	}

	gate := corewire.NewApprovalGate(corewire.NewApprovalCache(), []string{"mcp:docs:*"}, logger)

	opts := []corewire.MonitorOption{
		corewire.WithMonitorLogger(logger),
		corewire.WithApprovalGate(gate),
	}
	if tracer != nil {
		opts = append(opts, corewire.WithMonitorTracer(tracer))
	}

	monitor := corewire.NewMonitor(provider, store, corewire.NewToolRegistry(), opts...)
	return monitor, shutdown, nil
}

// runOneShot submits text to a scratch conversation key and prints the
// assembled reply to stdout, so a deployment's LLM wiring can be smoke
// tested without any adapter running.
func runOneShot(ctx context.Context, monitor *corewire.Monitor, text string) error {
	key := corewire.ConversationKey{ChatID: "cli", ThreadID: "cli", AgentID: "cli"}
	sess := monitor.SessionFor(key)
	monitor.Submit(ctx, corewire.Prompt{Key: key, Text: text, SenderID: "cli"})

	// Subscribe only once the run has started: a subscriber registered
	// before the run begins is closed by the run's subscriber reset.
	for sess.State() == corewire.RunIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	for u := range sess.Subscribe(ctx) {
		switch u.Kind {
		case corewire.UpdateTextDelta:
			fmt.Print(u.Text)
		case corewire.UpdateError:
			return fmt.Errorf("conversation error: %s", u.Err)
		}
	}
	fmt.Println()
	return nil
}

// serve starts every configured adapter against monitor and blocks until
// ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, monitor *corewire.Monitor, logger *slog.Logger) error {
	router := gin.New()
	router.Use(gin.Recovery())
	web.NewHandler(monitor).Register(router)
	hub := wsgateway.New(monitor, logger)
	router.GET("/ws", gin.WrapF(hub.ServeHTTP))

	httpServer := &http.Server{Addr: cfg.Web.Addr, Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("core: http server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		go func() {
			if err := tg.Run(ctx, monitor); err != nil && ctx.Err() == nil {
				logger.Error("core: telegram adapter stopped", "error", err)
			}
		}()
	}

	if cfg.Bus.URL != "" {
		conn, err := nats.Connect(cfg.Bus.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer conn.Close()
		bridge := bus.New(conn, monitor, cfg.Bus.InboundSubject, cfg.Bus.ResponseSubject, cfg.Bus.DeadLetterSubject, cfg.Bus.ValidAgentIDs, bus.WithLogger(logger))
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("core: bus bridge stopped", "error", err)
			}
		}()
	}

	logger.Info("core: serving", "addr", cfg.Web.Addr)
	<-ctx.Done()
	return nil
}
