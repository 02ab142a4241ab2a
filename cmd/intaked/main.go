// Command intaked runs the supplier intake service: the chat-platform
// webhook endpoint, the processing pipeline, the admin validation console,
// and the background schedulers, all in one process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Louguiman/tekra-store-sub000/pkg/api"
	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/console"
	"github.com/Louguiman/tekra-store-sub000/pkg/duplicate"
	"github.com/Louguiman/tekra-store-sub000/pkg/extraction"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/media"
	"github.com/Louguiman/tekra-store-sub000/pkg/observability"
	"github.com/Louguiman/tekra-store-sub000/pkg/pipeline"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/scheduler"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
	"github.com/Louguiman/tekra-store-sub000/pkg/validation"
	"github.com/Louguiman/tekra-store-sub000/pkg/webhook"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "intaked - supplier product-offer intake service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  intaked [serve]   Start the intake server (default)")
	fmt.Fprintln(w, "  intaked health    Probe a running server's /health endpoint")
	fmt.Fprintln(w, "  intaked help      Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from environment variables; see pkg/config.")
}

//nolint:gocognit,gocyclo
func runServer() {
	ctx := context.Background()
	logger := slog.Default()

	cfg := config.Load()
	if cfg.WebhookSecret == "" {
		log.Fatalf("WEBHOOK_SECRET is required")
	}

	// Persistence. No DATABASE_URL falls back to in-process stores; the
	// pipeline behaves identically, nothing survives a restart.
	var (
		db        *sql.DB
		store     submission.Store
		suppliers supplier.Registry
		pinger    health.Pinger
		err       error
	)
	if cfg.DatabaseURL == "" {
		log.Println("[intaked] DATABASE_URL not set, running in-memory")
		store = submission.NewMemoryStore()
		suppliers = supplier.NewMemoryRegistry()
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB ping failed: %v", err)
		}
		log.Println("[intaked] postgres: connected")

		pg, err := submission.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatalf("Failed to init submission store: %v", err)
		}
		store = pg
		reg, err := supplier.NewPostgresRegistry(ctx, db)
		if err != nil {
			log.Fatalf("Failed to init supplier registry: %v", err)
		}
		suppliers = reg
		pinger = db
	}

	// Audit trail and security alerts. With a database attached, entries
	// also land in audit_log for retention; the in-memory chain stays
	// authoritative for verification.
	auditStore := audit.NewStore()
	auditLog := audit.NewStoreLogger(auditStore)
	alerts := audit.NewAlertStore()
	if db != nil {
		auditSink, err := audit.NewPostgresSink(ctx, db, logger)
		if err != nil {
			log.Fatalf("Failed to init audit sink: %v", err)
		}
		auditStore.AddHandler(auditSink.Persist)
	}

	engine := retry.NewEngine()
	monitor := health.NewMonitor(store, suppliers, engine.Queue(), cfg, pinger, auditLog, logger)

	// Extraction: rules always, LLM enhancement when configured.
	var profile *config.ExtractionProfile
	if cfg.ProfilePath != "" {
		profile, err = config.LoadExtractionProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("Failed to load extraction profile: %v", err)
		}
		log.Printf("[intaked] extraction profile: %s", profile.Name)
	}
	var extractorOpts []extraction.Option
	if cfg.LLMEnabled {
		llm, err := extraction.NewOllamaClient(cfg.LLMBaseURL, cfg.LLMModel)
		if err != nil {
			log.Fatalf("Failed to init LLM client: %v", err)
		}
		extractorOpts = append(extractorOpts, extraction.WithLLM(llm, cfg.LLMConfidenceThreshold))
		log.Printf("[intaked] llm extraction: %s via %s", cfg.LLMModel, cfg.LLMBaseURL)
	}
	extractor := extraction.New(profile, logger, extractorOpts...)

	policy, err := pipeline.NewAutoApprovalPolicy(cfg.AutoApprovalPolicy)
	if err != nil {
		log.Fatalf("Failed to compile auto-approval policy: %v", err)
	}

	// Downstream catalogue sink and admin notifier.
	var sink integration.IntegrationSink
	if cfg.SinkBaseURL != "" {
		sink = integration.NewHTTPSink(cfg.SinkBaseURL)
		log.Printf("[intaked] integration sink: %s", cfg.SinkBaseURL)
	} else {
		log.Println("[intaked] SINK_BASE_URL not set, recording upserts in memory")
		sink = &integration.MemorySink{}
	}
	var notifier integration.Notifier
	if cfg.NotifierBaseURL != "" {
		notifier = integration.NewHTTPNotifier(cfg.NotifierBaseURL)
	}

	orchestrator := pipeline.NewOrchestrator(store, suppliers, extractor, policy, sink, engine, monitor, auditLog, logger)
	dispatcher := pipeline.NewDispatcher(orchestrator, pipeline.DefaultWorkers, logger)

	queue := validation.NewQueue(store, suppliers, sink, notifier, engine.Queue(), auditLog, logger).
		WithDetector(duplicate.NewDetector(duplicate.NewMemoryCatalog()))

	// Media pipeline, only when the platform media API is reachable.
	// Without it the intake handler stores raw media ids as refs.
	var fetcher webhook.MediaFetcher
	if cfg.MediaAPIBase != "" {
		resolver := media.NewPlatformResolver(cfg.MediaAPIBase, cfg.MediaAPIKey)
		var blobs media.Blobs
		switch cfg.MediaBackend {
		case "local", "":
			blobs, err = media.NewLocalBlobs(cfg.MediaDir)
		case "s3":
			blobs, err = media.NewS3Blobs(ctx, cfg.MediaBucket)
		case "gcs":
			blobs, err = media.NewGCSBlobs(ctx, cfg.MediaBucket)
		default:
			log.Fatalf("Unknown MEDIA_BACKEND %q", cfg.MediaBackend)
		}
		if err != nil {
			log.Fatalf("Failed to init media backend %q: %v", cfg.MediaBackend, err)
		}
		index, err := media.OpenIndex(filepath.Join(cfg.MediaDir, "media-index.db"))
		if err != nil {
			log.Fatalf("Failed to open media index: %v", err)
		}
		fetcher = media.NewStore(resolver, resolver, blobs, index, alerts, logger)
		log.Printf("[intaked] media: %s backend", cfg.MediaBackend)
	}

	// Webhook rate limiting: shared Redis counters when available, else
	// per-process windows.
	var limiter webhook.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		limiter = webhook.NewRedisLimiter(rdb, webhook.WindowLimit)
		log.Printf("[intaked] rate limiter: redis at %s", cfg.RedisAddr)
	} else {
		limiter = webhook.NewMemoryLimiter(webhook.WindowLimit)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	handler := webhook.NewHandler(cfg.WebhookSecret, cfg.ProductID, limiter,
		suppliers, store, fetcher, dispatcher, auditLog, logger)
	adminAPI := console.NewServer(queue, monitor, auditStore, alerts, logger)

	// The webhook carries its own fixed-window limiter; the token-bucket
	// limiter covers only the admin and health surfaces.
	adminLimiter := api.NewGlobalRateLimiter(10, 20)
	defer adminLimiter.Close()
	adminMux := http.NewServeMux()
	adminAPI.Register(adminMux)
	limited := adminLimiter.Middleware(adminMux)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/admin/", limited)
	mux.Handle("/health", limited)
	mux.Handle("/health/", limited)
	root := obs.Middleware(api.WithRequestID(mux))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatcher.Start(runCtx)
	sched := scheduler.New(store, orchestrator, sink, engine, monitor, logger)
	sched.Start(runCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[intaked] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("[intaked] press ctrl+c to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[intaked] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[intaked] server shutdown: %v", err)
	}
	cancel()
	sched.Stop()
	dispatcher.Stop()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[intaked] observability shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
