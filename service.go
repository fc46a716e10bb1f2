package openmates

import (
	"context"
	"fmt"
	"os"

	"openmates/broker"
	"openmates/common"
	"openmates/delivery"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/persist"
	"openmates/reminder"
	"openmates/replay"
	"openmates/srv"
	"openmates/srv/sqlite"
	"openmates/versions"

	"github.com/rs/zerolog/log"
)

// Core bundles the wired sync components with explicit init and shutdown
// lifecycles. Everything shares the same cache and store handles; nothing is
// reached through ambient state.
type Core struct {
	Store     srv.Store
	Cache     *hotcache.Cache
	Vault     keyvault.KeyVault
	Engine    *versions.Engine
	Worker    *persist.Worker
	Broker    *broker.Broker
	Pending   *delivery.Queue
	Handler   *broker.Handler
	Reminders *reminder.Engine
}

// GetCore wires the full core from environment configuration.
func GetCore() (*Core, error) {
	storage, err := sqlite.NewDefaultStorage()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
	}

	cache := hotcache.NewCache()
	if err := cache.CheckConnection(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to hot cache: %w", err)
	}

	var vault keyvault.KeyVault
	switch os.Getenv("OM_KEYVAULT") {
	case "transit":
		cfg, err := keyvault.LoadTransitConfig()
		if err != nil {
			return nil, err
		}
		vault, err = keyvault.NewTransitVault(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize transit key vault: %w", err)
		}
		log.Info().Msg("Using Vault transit key vault")
	default:
		vault = keyvault.NewLocalVault()
		log.Info().Msg("Using local key vault")
	}

	engine := versions.NewEngine(cache, storage)
	worker := persist.NewWorker(storage, cache)
	brk := broker.NewBroker()
	pending := delivery.NewQueue(cache)
	topN := common.GetTopNChats()
	replayer := replay.NewReplayer(engine, cache, worker, vault, storage, brk, topN)

	handler := &broker.Handler{
		Broker:   brk,
		Auth:     &broker.CacheAuthenticator{Cache: cache, Users: storage},
		Engine:   engine,
		Cache:    cache,
		Worker:   worker,
		Vault:    vault,
		Chats:    storage,
		Pending:  pending,
		Replayer: replayer,
		TopN:     topN,
	}

	reminders := reminder.NewEngine(cache, vault, storage, brk, pending, nil)

	return &Core{
		Store:     storage,
		Cache:     cache,
		Vault:     vault,
		Engine:    engine,
		Worker:    worker,
		Broker:    brk,
		Pending:   pending,
		Handler:   handler,
		Reminders: reminders,
	}, nil
}

// Start restores spilled state, recovers interrupted reminders and launches
// the background loops.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Cache.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore spilled state: %w", err)
	}
	if err := c.Reminders.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover reminders: %w", err)
	}
	c.Worker.Start(ctx)
	go c.Reminders.Run(ctx)
	return nil
}

// Shutdown drains in order: stop accepting actions, flush pending
// persistence, then spill reminder and delivery state to disk.
func (c *Core) Shutdown(ctx context.Context) {
	c.Broker.Drain()
	c.Worker.Flush()
	if err := c.Cache.Spill(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to spill hot cache state")
	}
	log.Info().Msg("Core shut down")
}
