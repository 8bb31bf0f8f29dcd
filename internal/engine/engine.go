// Package engine is the composition root: it wires the store,
// filesystem adapter, discovery, concurrency controller, retry
// policy, quarantine service, orchestrator, and crash recovery into
// one runnable unit from a single config.Config (C1-C13, spec §4).
// There is no cmd/ package here — bootstrapping from flags or a
// config file and running main() is an explicit non-goal; embedders
// call New and Run directly.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/johnnywatts/forker/internal/concurrency"
	"github.com/johnnywatts/forker/internal/config"
	"github.com/johnnywatts/forker/internal/discovery"
	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/obslog"
	"github.com/johnnywatts/forker/internal/orchestrator"
	"github.com/johnnywatts/forker/internal/quarantine"
	"github.com/johnnywatts/forker/internal/recovery"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
)

// Engine owns every long-running component for one configured
// replication instance.
type Engine struct {
	cfg          config.Config
	store        store.Store
	adapter      *fsadapter.Adapter
	discoverer   *discovery.Discoverer
	orchestrator *orchestrator.Orchestrator
	recovery     *recovery.Runner
	closeStore   func() error
	log          zerolog.Logger
}

// New validates cfg and wires every component. It opens the durable
// store (a real SQLite file at cfg.DBPath) but does not start any
// background work; call Run for that.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obslog.Init(obslog.Config{Level: obslog.InfoLevel})
	log := obslog.WithComponent("engine")

	sqliteStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	roots := make([]string, 0, len(cfg.SourceRoots)+len(cfg.Targets))
	roots = append(roots, cfg.SourceRoots...)
	orchTargets := make([]orchestrator.Target, 0, len(cfg.Targets))
	recoveryTargets := make([]recovery.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		roots = append(roots, t.Root)
		orchTargets = append(orchTargets, orchestrator.Target{ID: types.TargetID(t.ID), Root: t.Root})
		recoveryTargets = append(recoveryTargets, recovery.Target{ID: types.TargetID(t.ID), Root: t.Root})
	}

	adapter, err := fsadapter.New(roots)
	if err != nil {
		_ = sqliteStore.Close()
		return nil, fmt.Errorf("engine: build fsadapter: %w", err)
	}

	cc := concurrency.New(cfg.Concurrency)
	q := quarantine.New(sqliteStore)

	orch := orchestrator.New(orchestrator.Config{
		Store:                sqliteStore,
		Adapter:              adapter,
		Targets:              orchTargets,
		Concurrency:          cc,
		RetryPolicy:          cfg.Retry,
		Quarantine:           q,
		ChunkBytes:           cfg.ChunkBytes,
		EngineName:           cfg.EngineName,
		PerTargetParallelism: cfg.PerTargetParallelism,
		Log:                  log,
	})

	disc := discovery.New(cfg.SourceRoots, adapter, orch, cfg.Discovery, log)

	rec := recovery.New(sqliteStore, adapter, recoveryTargets, cfg.EngineName, log)

	return &Engine{
		cfg:          cfg,
		store:        sqliteStore,
		adapter:      adapter,
		discoverer:   disc,
		orchestrator: orch,
		recovery:     rec,
		closeStore:   sqliteStore.Close,
		log:          log,
	}, nil
}

// Run executes startup recovery to completion (spec §4.12: "runs once
// at startup before discovery or orchestration begins"), then runs
// discovery and the orchestrator's admission loop concurrently until
// ctx is cancelled. The first of the two loops to return an error
// cancels the other; Run returns that first error.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Msg("starting crash recovery sweep")
	if err := e.recovery.Run(ctx); err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}
	e.log.Info().Msg("recovery sweep complete, resuming discovery and orchestration")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- e.discoverer.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		errs <- e.orchestrator.Run(runCtx, e.cfg.HealthCheckInterval)
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil && runCtx.Err() == nil {
			first = err
			cancel()
		}
	}
	wg.Wait()
	return first
}

// Stop releases the engine's durable resources. Callers should cancel
// the context passed to Run first and wait for Run to return before
// calling Stop.
func (e *Engine) Stop() error {
	return e.closeStore()
}
