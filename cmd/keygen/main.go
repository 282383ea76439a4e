package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/quota"
	"github.com/af-corp/llm-relay/internal/store"
)

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	premium := flag.Bool("premium", false, "issue a premium-tier key")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, _, err := config.LoadGateway(*configDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open %s storage: %v", cfg.Storage.Backend, err)
	}
	defer backend.Close()

	ledger := quota.NewLedger(backend.Tokens, cfg.Quota, nil, logger)
	if err := ledger.Load(ctx); err != nil {
		log.Fatalf("failed to load api keys: %v", err)
	}

	tier := quota.TierStandard
	if *premium {
		tier = quota.TierPremium
	}
	key, err := ledger.Issue(ctx, tier)
	if err != nil {
		log.Fatalf("failed to issue key: %v", err)
	}

	fmt.Println("=== API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Tier:          %s\n", tier)
	fmt.Printf("  Daily limit:   %d requests\n", ledger.Limit(tier))
	fmt.Printf("  Storage:       %s\n", cfg.Storage.Backend)
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", key)
	fmt.Println()
	fmt.Println("=========================")
}
