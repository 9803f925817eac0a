package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/chatflow/internal/automation"
	"github.com/capitalize-ai/chatflow/internal/config"
	"github.com/capitalize-ai/chatflow/internal/flow"
	"github.com/capitalize-ai/chatflow/internal/handler"
	"github.com/capitalize-ai/chatflow/internal/llm"
	natsclient "github.com/capitalize-ai/chatflow/internal/nats"
	"github.com/capitalize-ai/chatflow/internal/service"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/internal/store/postgres"
	"github.com/capitalize-ai/chatflow/internal/tenant"
	"github.com/capitalize-ai/chatflow/internal/transport"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/tracing"
)

// serve wires the components and runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting chatflow server", zap.String("store", cfg.StoreDriver))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatflow", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.WithoutCancel(ctx), tp)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	emitter := natsclient.NewEmitter(natsClient, log)
	if err := emitter.EnsureStream(ctx); err != nil {
		return err
	}

	var trigger automation.Trigger = automation.Nop{}
	if cfg.AMQPURL != "" {
		publisher, err := automation.Dial(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return err
		}
		trigger = publisher
	} else {
		log.Info("AMQP_URL not set, workflow triggers disabled")
	}
	defer trigger.Close()

	provider := transport.New(transport.Config{
		BaseURL: cfg.TransportBaseURL,
		APIKey:  cfg.TransportAPIKey,
		Timeout: cfg.TransportTimeout,
		Rate:    cfg.TransportRate,
		Burst:   cfg.TransportBurst,
	}, log)

	resolver := tenant.NewResolver(st)
	crm := service.NewCRM(trigger)
	outbound := service.NewOutbound(st, provider, trigger)

	flowCfg := flow.DefaultConfig()
	flowCfg.MaxExecutions = cfg.FlowMaxExecutions
	flowCfg.MaxDepth = cfg.FlowMaxDepth
	flowCfg.MaxDelay = cfg.FlowMaxDelay
	flowCfg.WebhookTimeout = cfg.FlowWebhookTimeout
	flowCfg.SweepBatch = cfg.FlowSweepBatch
	engine := flow.NewEngine(flowCfg, flow.Deps{
		Store:    st,
		Sender:   outbound,
		Emitter:  emitter,
		Queues:   st,
		Contacts: crm,
		LLM:      newLLM(cfg, log),
	}, log)

	conversations := service.NewConversationService(st, emitter, log)
	messages := service.NewMessageService(st, emitter, log)
	auto := service.NewAutomationTrigger(engine, trigger, 0, log)
	post := service.NewPostProcessor(conversations, messages, service.PostProcessorConfig{
		Profiles: provider,
		Media:    provider,
		Leads:    crm,
	}, log)
	ingestSvc := service.NewIngestService(service.IngestDeps{
		Resolver:      resolver,
		Conversations: conversations,
		Messages:      messages,
		Automation:    auto,
		Post:          post,
		Emitter:       emitter,
	}, log)

	webhook := handler.NewWebhookHandler(ingestSvc, log)
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	}, handler.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": st.Ping,
			"nats": func(context.Context) error {
				if !natsClient.IsConnected() {
					return errors.New("NATS not connected")
				}
				return nil
			},
		}),
		Webhook:       webhook,
		Conversations: handler.NewConversationHandler(st, log),
		Messages:      handler.NewMessageHandler(st, st, outbound, log),
		Stream:        handler.NewStreamHandler(emitter, st, log),
		Admin:         handler.NewAdminHandler(resolver, engine, log),
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+cfg.FlowTimeoutSweep.String(), func() {
		n, err := engine.SweepTimeouts(ctx, time.Now())
		if err != nil {
			log.Error("flow timeout sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("flow timeouts fired", zap.Int("sessions", n))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		// accepted webhooks finish before their downstream work is drained
		drain(shutdownCtx, log, "webhook", webhook.Wait)
		drain(shutdownCtx, log, "automation", auto.Wait)
		drain(shutdownCtx, log, "post-processing", post.Wait)
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver != "postgres" {
		return store.NewMemoryStore(), nil
	}
	if cfg.MigrateOnServe {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	db, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MaxConnLifetime: cfg.DBMaxConnLife,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// newLLM returns the configured completion client, or nil when no key is set.
func newLLM(cfg *config.Config, log *logger.Logger) llm.Client {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	order := []llm.Provider{llm.Provider(cfg.DefaultLLM), llm.ProviderAnthropic, llm.ProviderOpenAI}
	for _, p := range order {
		if keys[p] == "" {
			continue
		}
		opts := llm.Options{APIKey: keys[p], MaxTokens: cfg.LLMMaxTokens}
		if p == llm.Provider(cfg.DefaultLLM) {
			opts.Model = cfg.LLMModel
		}
		client, err := llm.NewClient(p, opts)
		if err != nil {
			log.Warn("failed to create LLM client", zap.String("provider", string(p)), zap.Error(err))
			continue
		}
		return client
	}
	log.Info("no LLM key configured, ai_reply actions disabled")
	return nil
}

// drain waits for wait to return or ctx to expire.
func drain(ctx context.Context, log *logger.Logger, name string, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown timeout while draining", zap.String("component", name))
	}
}
