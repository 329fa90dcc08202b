// Command mixerd runs the mixing coordinator: the request lifecycle
// engine, the coinjoin session coordinator, the wallet manager, the
// monitoring stack and the HTTP API, wired over PostgreSQL or, in dev
// mode, the in-memory store and simulated chains.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer_core/internal/api"
	"github.com/R3E-Network/mixer_core/internal/audit"
	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/engine"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/monitoring"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/security"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/storage/postgres"
	"github.com/R3E-Network/mixer_core/internal/storage/postgres/migrations"
	"github.com/R3E-Network/mixer_core/internal/vault"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	shutdownGrace     = 30 * time.Second
	keyImageCacheSize = 16384
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlay")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mixerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	log.Info("starting mixerd")

	// Storage: postgres when a DSN is configured, the in-memory store
	// otherwise. Memory mode is for development and integration tests;
	// it loses every registry guarantee on restart.
	var store storage.Store
	var closeStore func() error
	if cfg.Database.DSN != "" {
		pg, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if cfg.Database.MigrateOnStart {
			if err := migrations.Up(pg.DB().DB); err != nil {
				pg.Close()
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		store = pg
		closeStore = pg.Close
		log.Info("storage ready", "driver", "postgres")
	} else {
		store = storage.NewMemory()
		closeStore = func() error { return nil }
		log.Warn("no DB_DSN configured, using the in-memory store")
	}
	defer closeStore()

	ev := events.NewRingBuffer(4096)

	masterSecret := cfg.Vault.MasterSecret
	if masterSecret == "" {
		if cfg.Database.DSN != "" {
			return fmt.Errorf("VAULT_MASTER_SECRET is required with persistent storage")
		}
		// Memory mode keeps nothing across restarts, so an ephemeral
		// secret is acceptable for development.
		masterSecret = uuid.NewString()
		log.Warn("no vault master secret configured, using an ephemeral one")
	}
	v, err := vault.NewLocal(masterSecret, cfg.Vault.Salt, cfg.Vault.Iterations)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	cache := wallet.NewCache(cfg.Redis, cfg.Wallet.BalanceCacheTTL)
	defer cache.Close()
	wallets := wallet.NewManager(store, store, cache, v, ev, log, cfg.Wallet)

	chains, err := chain.Build(cfg.Chains, log)
	if err != nil {
		return fmt.Errorf("build chain clients: %w", err)
	}

	images := registry.NewKeyImages(store, log, keyImageCacheSize)
	bans := registry.NewBans(store, log)

	ctx := context.Background()
	if err := bans.Load(ctx); err != nil {
		return fmt.Errorf("load ban list: %w", err)
	}

	coordinator := coinjoin.New(cfg.CoinJoin, store, images, bans, ev, log,
		coinjoin.WithBroadcaster(chains),
		coinjoin.WithFeeEstimator(chains))

	decoys := newTipTrackingSource(chains, cfg.Ring.ConfidentialOutputs)
	mixer, err := ring.NewMixer(cfg.Ring, images, decoys, log)
	if err != nil {
		return fmt.Errorf("init ring mixer: %w", err)
	}

	lists := security.NewAddressLists()
	var reputation security.ReputationProvider
	if cfg.Security.ReputationURL != "" {
		rep, err := security.NewHTTPReputation(cfg.Security, log)
		if err != nil {
			return fmt.Errorf("init reputation provider: %w", err)
		}
		reputation = rep
	}
	validator := security.NewValidator(cfg.Security, lists, store, reputation, ev, log)

	aud := audit.NewWriter(store, log)
	aud.Start()
	defer aud.Stop()

	eng := engine.New(cfg.Engine, cfg.Chains, store, wallets, validator, chains,
		coordinator, mixer, ev, aud, log)

	monitor := monitoring.New(cfg.Monitoring, store, ev, log)

	server := api.New(cfg.Server, eng, coordinator, wallets, monitor, ev, log)

	// Start order: sessions before the engine so resumed requests can
	// rejoin; the API last so nothing is reachable half-wired.
	coordinator.Start()
	defer coordinator.Stop()

	if err := wallets.StartMaintenance(); err != nil {
		return fmt.Errorf("start wallet maintenance: %w", err)
	}
	defer wallets.StopMaintenance()

	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	if err := monitor.Start(); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	defer monitor.Stop()

	if err := server.Start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	log.Info("mixerd ready", "addr", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown incomplete")
	}
	return nil
}
