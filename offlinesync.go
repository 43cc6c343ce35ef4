// Package offlinesync wires the offline table-sync engine together: a
// durable local table store, an operation log of pending mutations, and a
// sync context that reconciles with a remote HTTP table service.
package offlinesync

import (
	"context"
	"fmt"

	"github.com/loctable/offline-sync/config"
	"github.com/loctable/offline-sync/logging"
	"github.com/loctable/offline-sync/metrics"
	"github.com/loctable/offline-sync/remote"
	"github.com/loctable/offline-sync/store"
	"github.com/loctable/offline-sync/store/postgres"
	"github.com/loctable/offline-sync/store/sqlite"
	"github.com/loctable/offline-sync/sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Open builds an initialized sync context from environment configuration.
// The returned close function releases the underlying store.
func Open(ctx context.Context) (*sync.Context, func() error, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var st store.Store
	if cfg.PgDatabaseURL != "" {
		st, err = postgres.Connect(cfg.PgDatabaseURL, log)
	} else {
		st, err = sqlite.Connect(cfg.DatabasePath, log)
	}
	if err != nil {
		return nil, nil, err
	}

	client, err := remote.NewClient(cfg.RemoteURL,
		remote.WithAPIVersion(cfg.APIVersionHeader, cfg.APIVersion),
		remote.WithLogger(log))
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	syncCtx := sync.New(st, client,
		sync.WithLogger(log),
		sync.WithPageSize(cfg.PageSize),
		sync.WithMetrics(metrics.New(prometheus.DefaultRegisterer)))
	if err := syncCtx.Initialize(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return syncCtx, st.Close, nil
}
