package config

import (
	"context"
	"time"

	"gitlab.com/distributed_lab/figure/v3"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/storage"
	chstore "atomic-pek/internal/storage/clickhouse"
	"atomic-pek/internal/storage/memory"
	pebblestore "atomic-pek/internal/storage/pebble"
	pgstore "atomic-pek/internal/storage/postgres"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
)

const (
	connectTimeout   = 15 * time.Second
	defaultPebbleDir = "./data/swaps"
)

type Listener struct {
	Addr string `fig:"addr"`
	// StreamRefresh is how often /swap_stream re-reads a swap between events.
	StreamRefresh time.Duration `fig:"stream_refresh"`
	// AdminToken guards /swap_abort. Empty disables the endpoint.
	AdminToken string `fig:"admin_token"`
}

func (c *config) Listener() Listener {
	return c.listenerOnce.Do(func() interface{} {
		cfg := Listener{Addr: ":10000", StreamRefresh: 5 * time.Second}
		err := figure.Out(&cfg).
			From(section(c.getter, "listener")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out listener"))
		}
		return cfg
	}).(Listener)
}

// Storage holds the swap and lease stores of the configured backend.
type Storage struct {
	Backend string
	Swaps   storage.SwapStore
	Leases  storage.LeaseStore
}

func (c *config) Storage() Storage {
	return c.storageOnce.Do(func() interface{} {
		var cfg struct {
			Backend string `fig:"backend"`
		}
		err := figure.Out(&cfg).
			From(section(c.getter, "storage")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out storage"))
		}

		switch cfg.Backend {
		case "", BackendMemory:
			return Storage{
				Backend: BackendMemory,
				Swaps:   memory.NewSwapStore(),
				Leases:  memory.NewLeaseStore(),
			}
		case BackendPostgres:
			pool := c.Postgres().Pool
			return Storage{
				Backend: BackendPostgres,
				Swaps:   pgstore.NewSwapStore(pool),
				Leases:  pgstore.NewLeaseStore(pool),
			}
		case BackendPebble:
			var pcfg struct {
				Dir string `fig:"dir"`
			}
			err := figure.Out(&pcfg).
				From(section(c.getter, "pebble")).
				Please()
			if err != nil {
				panic(errors.Wrap(err, "failed to figure out pebble"))
			}
			if pcfg.Dir == "" {
				pcfg.Dir = defaultPebbleDir
			}
			store, err := pebblestore.Open(pcfg.Dir)
			if err != nil {
				panic(errors.Wrap(err, "failed to open pebble store"))
			}
			c.onClose(store.Close)
			// Pebble is single-process, so leases only need to live in memory.
			return Storage{
				Backend: BackendPebble,
				Swaps:   store,
				Leases:  memory.NewLeaseStore(),
			}
		default:
			panic(errors.From(errors.New("unknown storage backend"), logan.F{"backend": cfg.Backend}))
		}
	}).(Storage)
}

// Postgres is the connection pool of the postgres section.
type Postgres struct {
	URL  string
	Pool *pgstore.Pool
}

func (c *config) Postgres() Postgres {
	return c.postgresOnce.Do(func() interface{} {
		var cfg struct {
			URL      string `fig:"url,required"`
			MaxConns int    `fig:"max_conns"`
		}
		err := figure.Out(&cfg).
			From(kv.MustGetStringMap(c.getter, "postgres")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out postgres"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		pool, err := pgstore.NewPool(ctx, cfg.URL, pgstore.WithMaxConns(int32(cfg.MaxConns)))
		if err != nil {
			panic(errors.Wrap(err, "failed to connect to postgres"))
		}
		c.onClose(func() error {
			pool.Close()
			return nil
		})
		return Postgres{URL: cfg.URL, Pool: pool}
	}).(Postgres)
}

// ClickHouse is the analytics section. An empty DSN disables the transition log.
type ClickHouse struct {
	DSN           string        `fig:"dsn"`
	BatchSize     int           `fig:"batch_size"`
	FlushInterval time.Duration `fig:"flush_interval"`
}

func (c *config) ClickHouse() ClickHouse {
	return c.clickhouseOnce.Do(func() interface{} {
		var cfg ClickHouse
		err := figure.Out(&cfg).
			From(section(c.getter, "clickhouse")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out clickhouse"))
		}
		return cfg
	}).(ClickHouse)
}

// TransitionLog returns the ClickHouse transition log, or nil when disabled.
func (c *config) TransitionLog() storage.TransitionLog {
	log := c.transitionLogOnce.Do(func() interface{} {
		cfg := c.ClickHouse()
		if cfg.DSN == "" {
			return (*chstore.TransitionStore)(nil)
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		conn, err := chstore.NewConn(ctx, cfg.DSN)
		if err != nil {
			panic(errors.Wrap(err, "failed to connect to clickhouse"))
		}
		c.onClose(conn.Close)
		return chstore.NewTransitionStore(conn)
	}).(*chstore.TransitionStore)

	if log == nil {
		return nil
	}
	return log
}
