package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/propagation"
	"github.com/markymo/compass-sub003/internal/proposal"
	"github.com/markymo/compass-sub003/internal/registry"
	"github.com/markymo/compass-sub003/internal/resilience"
	"github.com/markymo/compass-sub003/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initRegistry builds the field registry once per command. An invalid
// catalog is a *model.ConfigurationError and aborts the command.
func initRegistry() (*model.FieldRegistry, error) {
	return registry.Load(cfg.Catalog.Path)
}

func initPolicy() (proposal.Policy, error) {
	if cfg.Policy.Path == "" {
		return proposal.DefaultPolicy(), nil
	}
	return proposal.LoadPolicy(cfg.Policy.Path)
}

// runtime bundles the collaborators most ledger commands need.
type runtime struct {
	store    store.Store
	registry *model.FieldRegistry
	ledger   *ledger.Ledger
}

func initRuntime(ctx context.Context) (*runtime, error) {
	reg, err := initRegistry()
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	return &runtime{store: st, registry: reg, ledger: ledger.New(st)}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// newPipeline builds the propagation pipeline from the configured policy and
// retry settings. m may be nil.
func newPipeline(rt *runtime, m *metrics.Metrics) (*propagation.Pipeline, error) {
	policy, err := initPolicy()
	if err != nil {
		return nil, err
	}
	return propagation.New(rt.registry, policy, rt.ledger, propagation.Options{
		Retry: resilience.FromConfig(
			cfg.Propagation.RetryAttempts,
			cfg.Propagation.RetryInitialBackoffMs,
			cfg.Propagation.RetryMaxBackoffMs,
		),
		MaxConcurrentEntities: cfg.Propagation.MaxConcurrentEntities,
		Actor:                 cfg.Propagation.Actor,
		Metrics:               m,
	}), nil
}
