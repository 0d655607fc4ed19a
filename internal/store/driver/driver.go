package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relay/internal/config"
	"relay/internal/store"
	"relay/internal/store/pg"
	"relay/internal/store/sqlite"
)

// Open returns the store selected by STORE_DRIVER ("sqlite" or "postgres").
func Open(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(c.Driver) {
	case "", "sqlite":
		s, err := sqlite.Open(c.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "pg":
		if c.DBDSN == "" {
			return nil, errors.New("DB_DSN is required for the postgres store")
		}
		s, err := pg.Open(ctx, c.DBDSN, pg.PoolOptions{
			MaxConns:          c.DBPoolMaxConns,
			MinConns:          c.DBPoolMinConns,
			MaxConnLifetime:   c.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
		}, c.DBMigrateOnStart)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", c.Driver)
}
