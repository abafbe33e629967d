// grantctl is the operational CLI: migrations, pre-deploy checks, and
// manual maintenance sweeps.
//
// Exit codes: 0 success, 1 configuration error, 2 database unavailable,
// 3 migrations pending, 4 external-service probe failed.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/email"
	"github.com/grantly/backend/internal/embedding"
	"github.com/grantly/backend/internal/llm"
	_ "github.com/grantly/backend/internal/llm/providers" // register chat providers
	"github.com/grantly/backend/internal/vector"
)

const (
	exitOK = iota
	exitConfig
	exitDatabase
	exitMigrations
	exitProbe
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		os.Exit(runMigrate(ctx, cfg))
	case "check":
		os.Exit(runCheck(ctx, cfg))
	case "cleanup":
		os.Exit(runCleanup(ctx, cfg))
	case "config":
		if len(os.Args) > 2 && os.Args[2] == "validate" {
			os.Exit(runConfigValidate(cfg))
		}
		usage()
		os.Exit(exitConfig)
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: grantctl <command>

commands:
  migrate          apply pending database migrations
  check            pre-deploy probe of every dependency
  cleanup          expire and delete stale grants, sweep orphan vectors
  config validate  load and validate configuration + documents`)
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	return config.LoadConfig(path)
}

func openStore(ctx context.Context, cfg *config.Config) (*database.Store, int) {
	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		return nil, exitDatabase
	}
	return store, exitOK
}

func runMigrate(ctx context.Context, cfg *config.Config) int {
	store, code := openStore(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return exitDatabase
	}
	fmt.Println("✅ migrations up to date")
	return exitOK
}

// runCheck is the pre-deploy diagnostic: database and migrations are
// fatal, adapter probes report together and fail with their own code so
// deploy tooling can tell "DB down" from "LLM key wrong".
func runCheck(ctx context.Context, cfg *config.Config) int {
	fmt.Println("Grantly pre-deploy check")
	fmt.Println("------------------------")

	store, code := openStore(ctx, cfg)
	if code != exitOK {
		report("database", fmt.Errorf("unreachable"))
		return code
	}
	defer store.Close()
	report("database", store.Health(ctx))

	pending, err := store.PendingMigrations(ctx)
	if err != nil {
		report("migrations", err)
		return exitDatabase
	}
	if pending > 0 {
		report("migrations", fmt.Errorf("%d pending", pending))
		return exitMigrations
	}
	report("migrations", nil)

	probesOK := true
	probe := func(name string, err error) {
		report(name, err)
		if err != nil {
			probesOK = false
		}
	}

	if client, err := llm.NewClient(cfg.LLM); err != nil {
		probe("llm", err)
	} else {
		probe("llm", client.Ping(ctx))
	}
	if client, err := embedding.NewClient(cfg.Embedding); err != nil {
		probe("embeddings", err)
	} else {
		probe("embeddings", client.Ping(ctx))
		probe("vector", vector.New(store.DB(), client.Dimension()).Health(ctx))
	}
	if cfg.Email.APIKey != "" {
		if client, err := email.NewClient(cfg.Email); err != nil {
			probe("email", err)
		} else {
			probe("email", client.Ping(ctx))
		}
	}

	if !probesOK {
		return exitProbe
	}
	fmt.Println("------------------------")
	fmt.Println("✅ ready for traffic")
	return exitOK
}

func runCleanup(ctx context.Context, cfg *config.Config) int {
	store, code := openStore(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer store.Close()

	res, err := store.CleanupGrants(ctx, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		return exitDatabase
	}
	swept := int64(0)
	if cfg.Embedding.Dimension > 0 {
		swept, err = vector.New(store.DB(), cfg.Embedding.Dimension).SweepOrphans(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orphan sweep: %v\n", err)
			return exitDatabase
		}
	}
	fmt.Printf("{\"expired\": %d, \"deleted\": %d, \"orphan_vectors\": %d}\n",
		res.Expired, res.Deleted, swept)
	return exitOK
}

func runConfigValidate(cfg *config.Config) int {
	docs, err := config.LoadDocuments(cfg.ConfigDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "documents: %v\n", err)
		return exitConfig
	}
	fmt.Printf("✅ configuration valid (%d sectors, %d regions, %d compliance rules)\n",
		len(docs.Sectors.Sectors), len(docs.Geography.Regions), len(docs.Compliance.Rules))
	return exitOK
}

func report(name string, err error) {
	if err != nil {
		fmt.Printf("  %-12s \033[31m[FAIL]\033[0m %v\n", name, err)
		return
	}
	fmt.Printf("  %-12s \033[32m[OK]\033[0m\n", name)
}
