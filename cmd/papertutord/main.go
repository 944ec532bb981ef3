package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/adapter"
	"github.com/papertutor/papertutor/internal/adapter/fallback"
	"github.com/papertutor/papertutor/internal/adapter/loopback"
	adapteropenai "github.com/papertutor/papertutor/internal/adapter/openai"
	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/auth"
	"github.com/papertutor/papertutor/internal/bootstrap"
	"github.com/papertutor/papertutor/internal/config"
	"github.com/papertutor/papertutor/internal/consent"
	"github.com/papertutor/papertutor/internal/explain"
	"github.com/papertutor/papertutor/internal/health"
	"github.com/papertutor/papertutor/internal/hooks"
	"github.com/papertutor/papertutor/internal/httpserver"
	"github.com/papertutor/papertutor/internal/logging"
	"github.com/papertutor/papertutor/internal/metrics"
	"github.com/papertutor/papertutor/internal/ratelimit"
	"github.com/papertutor/papertutor/internal/settlement"
	"github.com/papertutor/papertutor/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging when log_file is set; "-" disables it.
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	log.SetFlags(logging.Flags)
	log.SetPrefix("[papertutord] ")
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes, cfg.LogMaxFiles)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	componentLogger := func(name string) *log.Logger {
		return logging.New(log.Writer(), "papertutord/"+name)
	}

	ctx := context.Background()
	stores, err := bootstrap.OpenStores(ctx, cfg, componentLogger("db"))
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	var events hooks.Emitter
	var asyncHooks *hooks.Async
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		dispatcher := &hooks.Dispatcher{}
		dispatcher.Register(handler)
		asyncHooks = hooks.NewAsync(dispatcher, hooks.AsyncConfig{
			QueueSize: cfg.Hooks.QueueSize,
			Workers:   cfg.Hooks.Workers,
			Timeout:   cfg.Hooks.Timeout,
			Logger:    componentLogger("hooks"),
		})
		events = asyncHooks
		log.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	m := metrics.New()

	producer, err := buildProducer(cfg)
	if err != nil {
		log.Fatalf("build producer: %v", err)
	}

	gate := consent.NewGate(stores.Accounts, consent.Config{
		Window:  cfg.ConsentWindow,
		Events:  events,
		Metrics: m,
		Logger:  componentLogger("consent"),
	})
	cache := artifact.NewCache(stores.Explain, artifact.Config{
		ProduceTimeout: cfg.ProducerTimeout,
		MemorySize:     cfg.ArtifactCacheSize,
		Events:         events,
		Metrics:        m,
		Logger:         componentLogger("artifact"),
	})
	meter := access.NewMeter(stores.Explain, stores.Ledger, access.Config{
		Events:  events,
		Metrics: m,
		Logger:  componentLogger("access"),
	})
	service := explain.NewService(gate, meter, cache, stores.Ledger, explain.DirImages{Dir: cfg.QuestionImageDir}, producer, explain.Config{
		Cost:         cfg.ExplanationCost,
		PreviewChars: cfg.PreviewChars,
		Metrics:      m,
		Logger:       componentLogger("explain"),
	})

	catalog, err := settlement.LoadCatalog(cfg.CreditPacksFile)
	if err != nil {
		log.Fatalf("load credit packs: %v", err)
	}
	guardCfg := settlement.Config{
		Catalog:       catalog,
		WebhookSecret: cfg.StripeWebhookSecret,
		Events:        events,
		Metrics:       m,
		Logger:        componentLogger("settlement"),
	}
	if cfg.CheckoutEnabled() {
		stripe, err := settlement.NewStripeClient(settlement.StripeConfig{
			SecretKey:  cfg.StripeSecretKey,
			BaseURL:    cfg.StripeBaseURL,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		if err != nil {
			log.Fatalf("stripe client: %v", err)
		}
		guardCfg.Processor = stripe
	} else {
		log.Printf("checkout disabled: stripe_secret_key and checkout urls not configured")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Printf("stripe_webhook_secret not set: every webhook will be rejected")
	}
	guard := settlement.NewGuard(stores.Ledger, guardCfg)

	checker := health.New(health.Config{
		Stores:      stores.Pingers(),
		UpstreamURL: cfg.OpenAIBaseURL,
	})

	explainLimit := ratelimit.NewLimiter(ratelimit.Config{
		Scope:  "explain",
		Rule:   ratelimit.Rule{PerMinute: float64(cfg.ExplainPerMinute), Burst: float64(cfg.ExplainBurst)},
		Logger: componentLogger("ratelimit"),
	})
	defer explainLimit.Close()
	signupLimit := ratelimit.NewLimiter(ratelimit.Config{
		Scope:  "signup",
		Rule:   ratelimit.Rule{PerMinute: float64(cfg.SignupPerMinute), Burst: float64(cfg.SignupBurst)},
		Logger: componentLogger("ratelimit"),
	})
	defer signupLimit.Close()

	httpSrv := httpserver.New(httpserver.Deps{
		Accounts:     stores.Accounts,
		Ledger:       stores.Ledger,
		Auth:         auth.NewManager(cfg.AuthSecret),
		Consent:      gate,
		Explain:      service,
		Guard:        guard,
		Health:       checker,
		Metrics:      m,
		ExplainLimit: explainLimit,
		SignupLimit:  signupLimit,
		SignupBonus:  cfg.SignupBonusCredits,
	})
	// Pass logger and level to HTTP server for debug logs
	httpSrv.SetLogger(cfg.LogLevel, componentLogger("http"))

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// Producing an explanation may take up to producer_timeout.
		WriteTimeout: cfg.ProducerTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("papertutord %s listening on %s env=%s store=%s cost=%d", version.String(), cfg.HTTPAddress, cfg.Environment, stores.Backend, service.Cost())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if asyncHooks != nil {
		_ = asyncHooks.Close()
	}
}

// buildProducer returns the OpenAI vision producer wrapped in retries, or the
// loopback producer when no API key is configured. Loopback is never a
// fallback for OpenAI: its text would be cached and billed as real.
func buildProducer(cfg config.Config) (adapter.Producer, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Printf("openai_api_key not set: using loopback producer")
		return loopback.New(), nil
	}
	oa, err := adapteropenai.New(adapteropenai.Config{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		Model:          cfg.OpenAIModel,
		RequestTimeout: cfg.ProducerTimeout,
	})
	if err != nil {
		return nil, err
	}
	retries := cfg.ProducerRetries
	if retries == 0 {
		retries = -1
	}
	log.Printf("openai producer model=%s retries=%d", cfg.OpenAIModel, cfg.ProducerRetries)
	return fallback.New(fallback.Config{
		Producers:  []adapter.Producer{oa},
		RetryCount: retries,
	})
}
