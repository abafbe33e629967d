package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/grantly/backend/internal/api"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/compliance"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/documents"
	"github.com/grantly/backend/internal/email"
	"github.com/grantly/backend/internal/embedding"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/handlers"
	"github.com/grantly/backend/internal/llm"
	_ "github.com/grantly/backend/internal/llm/providers" // register chat providers
	"github.com/grantly/backend/internal/middleware"
	"github.com/grantly/backend/internal/monitoring"
	"github.com/grantly/backend/internal/notify"
	"github.com/grantly/backend/internal/pipeline"
	"github.com/grantly/backend/internal/raggen"
	"github.com/grantly/backend/internal/research"
	"github.com/grantly/backend/internal/scheduler"
	"github.com/grantly/backend/internal/vector"
	"github.com/grantly/backend/internal/websocket"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	log.Println("🔥 Starting Grantly grant-discovery backend...")

	// .env is a local-development convenience; containers get real env.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	manager, err := config.NewManager(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	snap := manager.Current()
	cfg := snap.App

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	// --- Persistence ---

	store, err := database.Open(bootCtx, cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer store.Close()

	// Migrations are applied by grantctl; the server only verifies. The
	// development env self-migrates so a fresh checkout just runs.
	if cfg.Server.Env == "development" {
		if err := store.Migrate(bootCtx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	} else if pending, err := store.PendingMigrations(bootCtx); err != nil {
		log.Fatalf("migration check: %v", err)
	} else if pending > 0 {
		log.Fatalf("%d migrations pending; run `grantctl migrate` before starting", pending)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(bootCtx).Err(); err != nil {
			// Redis only backs caches and notification dedup; keep going.
			log.Printf("⚠️ redis unreachable at %s: %v (caching disabled)", cfg.Redis.Addr, err)
			rdb = nil
		}
	}

	// --- External adapters behind the breaker fabric ---

	breakers := circuitbreaker.NewServiceBreakers(cfg.Breakers)
	retry := circuitbreaker.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay())

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatalf("llm client: %v", err)
	}
	llmCache := llm.NewCache(rdb)

	embedder, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatalf("embedding client: %v", err)
	}
	index := vector.New(store.DB(), embedder.Dimension())

	var sender email.Sender
	var emailClient *email.Client
	if cfg.Email.APIKey != "" {
		emailClient, err = email.NewClient(cfg.Email)
		if err != nil {
			log.Fatalf("email client: %v", err)
		}
		sender = emailClient
	} else {
		log.Println("⚠️ EMAIL_API_KEY not set; emails go to the log only")
		sender = email.NewLogSender()
	}

	// --- Event bus (Pub/Sub-mirrored when GCP is configured) ---

	var bus *events.Bus
	var emitter events.Emitter
	if cfg.GCP.ProjectID != "" && cfg.GCP.PubSubTopic != "" {
		pb, err := events.NewPubSubBus(cfg.GCP.ProjectID, cfg.GCP.PubSubTopic)
		if err != nil {
			log.Printf("⚠️ pub/sub bus unavailable, using in-memory only: %v", err)
			b := events.NewBus()
			bus, emitter = b, b
		} else {
			defer pb.Close()
			bus, emitter = pb.Bus, pb
		}
	} else {
		b := events.NewBus()
		bus, emitter = b, b
	}

	// --- Pipeline stages ---

	agent := research.New(llmClient, llmCache, breakers, retry, snap.Docs, cfg.Search)
	engine := compliance.New(snap.Docs)
	pipe := pipeline.New(store, agent, engine, emitter, cfg.LLM.Model)

	pool := scheduler.NewPool(cfg.Workers)
	coord := scheduler.NewCoordinator(store, pipe, pool)
	sched := scheduler.New(coord, store, index, cfg.Scheduler)

	generator := raggen.NewGenerator(store, llmClient, embedder, index, breakers, retry, emitter, cfg.RAG)

	// --- Notifications ---

	dispatcher := notify.NewDispatcher(store, sender, rdb, breakers, retry, cfg.Notifications, cfg.Workers)
	defer dispatcher.Shutdown()
	var deliverer handlers.RunSummaryDeliverer = dispatcher
	serviceURL := os.Getenv("SERVICE_URL")
	if cfg.GCP.CloudTasksQueue != "" && serviceURL != "" {
		cloud, err := notify.NewCloudDispatcher(dispatcher, cfg.GCP, serviceURL+"/internal/tasks/run-summary", cfg.Auth.TaskToken)
		if err != nil {
			log.Printf("⚠️ cloud tasks unavailable, dispatching in-process: %v", err)
			dispatcher.Subscribe(bus)
			dispatcher.StartDigestLoop()
		} else {
			// Shutdown is once-guarded, so the deferred inner shutdown
			// after this is a no-op.
			defer cloud.Shutdown()
			cloud.Subscribe(bus)
			cloud.StartDigestLoop()
		}
	} else {
		dispatcher.Subscribe(bus)
		dispatcher.StartDigestLoop()
	}

	// --- Monitoring ---

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	monitor := monitoring.NewMonitor(breakers, metrics, store, pool,
		time.Duration(cfg.Scheduler.ProbeIntervalSecs)*time.Second, cfg.Workers.JobTimeout())
	monitor.RegisterProbe("database", store.Health)
	monitor.RegisterProbe("llm", llmClient.Ping)
	monitor.RegisterProbe("embeddings", embedder.Ping)
	monitor.RegisterProbe("vector", index.Health)
	if emailClient != nil {
		monitor.RegisterProbe("email", emailClient.Ping)
	}
	if rdb != nil {
		monitor.RegisterProbe("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	monitor.Subscribe(bus)
	monitor.Start()
	defer monitor.Stop()

	// --- HTTP surface ---

	keys := auth.NewKeyManager(store)
	authenticator := auth.NewAuthenticator(store, keys, cfg.Auth.TokenSecret, cfg.Limits)
	limiter := middleware.NewRateLimiter(metrics)
	defer limiter.Stop()
	progress := websocket.NewProgressStreamer(store, bus)

	var bucket documents.BucketClient
	if cfg.Storage.SupabaseURL != "" {
		bucket, err = database.NewSupabaseStorage(cfg.Storage)
		if err != nil {
			log.Fatalf("supabase storage: %v", err)
		}
	} else {
		log.Println("⚠️ SUPABASE_URL not set; document uploads disabled")
	}
	docService := documents.NewService(bucket, cfg.Storage.Bucket, store, generator)

	server := api.NewServer(api.Deps{
		Config:      cfg,
		Store:       store,
		Coordinator: coord,
		Generator:   generator,
		Indexer:     generator,
		Queue:       pool,
		Monitor:     monitor,
		Breakers:    breakers,
		Metrics:     metrics,
		Limiter:     limiter,
		Auth:        authenticator,
		Keys:        keys,
		Dispatcher:  deliverer,
		Progress:    progress,
		Documents:   docService,
		Vectors:     index,
		Events:      emitter,
		Version:     version,
	})

	sched.Start()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go manager.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("🔻 received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	// Shutdown order: stop admitting (server + scheduler), let workers
	// finish or soft-cancel so pipelines commit partials, then the
	// deferred closes tear down dispatch, monitor, and storage.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	sched.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}
	pool.Stop(30 * time.Second)
	log.Println("👋 shutdown complete")
}
