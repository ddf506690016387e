package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-pek/internal/external/rpc"
	"atomic-pek/internal/external/stub"
	"atomic-pek/internal/orchestrator"
	"atomic-pek/internal/storage/memory"
	pebblestore "atomic-pek/internal/storage/pebble"
)

// mapGetter serves sections from a map; absent sections are empty.
type mapGetter map[string]map[string]interface{}

func (g mapGetter) GetStringMap(key string) (map[string]interface{}, error) {
	if v, ok := g[key]; ok {
		return v, nil
	}
	return map[string]interface{}{}, nil
}

func baseGetter() mapGetter {
	return mapGetter{
		"log":  {"level": "error", "disable_sentry": true},
		"swap": {"swap_account": "pek-swap"},
	}
}

func TestDefaults(t *testing.T) {
	cfg := New(baseGetter())
	defer cfg.Close()

	assert.Equal(t, ":10000", cfg.Listener().Addr)
	assert.Equal(t, 5*time.Second, cfg.Listener().StreamRefresh)

	st := cfg.Storage()
	assert.Equal(t, BackendMemory, st.Backend)
	assert.IsType(t, &memory.SwapStore{}, st.Swaps)
	assert.IsType(t, &memory.LeaseStore{}, st.Leases)

	sw := cfg.Swap()
	assert.Equal(t, "pek-swap", sw.SwapAccount)
	assert.Equal(t, "SWAP.HIVE", sw.SettlementAsset)
	assert.Equal(t, "PEK", sw.TargetAsset)
	assert.Empty(t, sw.AllowedTokens)

	oc := cfg.Orchestrator()
	assert.Equal(t, orchestrator.DefaultConfig(), oc.Config)
	assert.Equal(t, 30*time.Second, oc.LeaseTTL)

	assert.Nil(t, cfg.Kafka())
	assert.Nil(t, cfg.TransitionLog())

	assert.IsType(t, &stub.Chain{}, cfg.Chain())
	assert.IsType(t, &stub.Market{}, cfg.Market())
}

func TestSectionsAreFiguredOnce(t *testing.T) {
	cfg := New(baseGetter())
	defer cfg.Close()

	assert.Same(t, cfg.Storage().Swaps, cfg.Storage().Swaps)
	assert.Same(t, cfg.Chain(), cfg.Chain())
}

func TestOverrides(t *testing.T) {
	g := baseGetter()
	g["listener"] = map[string]interface{}{"addr": ":8080", "stream_refresh": "1s", "admin_token": "s3cret"}
	g["swap"] = map[string]interface{}{
		"swap_account":     "custody",
		"target_asset":     "BEE",
		"settlement_asset": "SWAP.HBD",
		"allowed_tokens":   []interface{}{"SRC", "DEC"},
	}
	g["orchestrator"] = map[string]interface{}{
		"lease_ttl":         "10s",
		"deposit_match":     "exact",
		"min_confirmations": 3,
		"require_memo":      false,
		"attempt_cap":       7,
		"max_orders":        5,
		"deposit_deadline":  "1h",
		"deliver_poll":      "500ms",
	}
	g["chain"] = map[string]interface{}{"mode": "rpc", "endpoint": "http://gateway:8545", "request_timeout": "3s"}
	g["market"] = map[string]interface{}{"fallback_price": "0.25"}

	cfg := New(g)
	defer cfg.Close()

	assert.Equal(t, ":8080", cfg.Listener().Addr)
	assert.Equal(t, time.Second, cfg.Listener().StreamRefresh)
	assert.Equal(t, "s3cret", cfg.Listener().AdminToken)

	sw := cfg.Swap()
	assert.Equal(t, "custody", sw.SwapAccount)
	assert.Equal(t, "BEE", sw.TargetAsset)
	assert.Equal(t, "SWAP.HBD", sw.SettlementAsset)
	assert.Equal(t, []string{"SRC", "DEC"}, sw.AllowedTokens)

	oc := cfg.Orchestrator()
	assert.Equal(t, 10*time.Second, oc.LeaseTTL)
	assert.Equal(t, orchestrator.DepositMatchExact, oc.DepositMatch)
	assert.Equal(t, 3, oc.MinConfirmations)
	assert.False(t, oc.RequireMemo)
	assert.Equal(t, uint64(7), oc.AttemptCap)
	assert.Equal(t, 5, oc.MaxOrders)
	assert.Equal(t, time.Hour, oc.Deposit.Deadline)
	assert.Equal(t, 500*time.Millisecond, oc.Deliver.Poll)
	assert.Equal(t, orchestrator.DefaultConfig().Convert, oc.Convert)

	assert.IsType(t, &rpc.Client{}, cfg.Chain())
	assert.IsType(t, &stub.Market{}, cfg.Market())
}

func TestPebbleBackend(t *testing.T) {
	g := baseGetter()
	g["storage"] = map[string]interface{}{"backend": "pebble"}
	g["pebble"] = map[string]interface{}{"dir": t.TempDir()}

	cfg := New(g)
	st := cfg.Storage()
	assert.Equal(t, BackendPebble, st.Backend)
	assert.IsType(t, &pebblestore.SwapStore{}, st.Swaps)
	assert.IsType(t, &memory.LeaseStore{}, st.Leases)
	require.NoError(t, cfg.Close())
	require.NoError(t, cfg.Close(), "second close is a no-op")
}

func TestInvalidConfigPanics(t *testing.T) {
	tests := []struct {
		name  string
		patch func(mapGetter)
		use   func(Config)
	}{
		{
			name:  "unknown backend",
			patch: func(g mapGetter) { g["storage"] = map[string]interface{}{"backend": "redis"} },
			use:   func(c Config) { c.Storage() },
		},
		{
			name:  "missing swap account",
			patch: func(g mapGetter) { g["swap"] = map[string]interface{}{} },
			use:   func(c Config) { c.Swap() },
		},
		{
			name:  "zero attempt cap",
			patch: func(g mapGetter) { g["orchestrator"] = map[string]interface{}{"attempt_cap": 0} },
			use:   func(c Config) { c.Orchestrator() },
		},
		{
			name:  "unknown deposit match",
			patch: func(g mapGetter) { g["orchestrator"] = map[string]interface{}{"deposit_match": "roughly"} },
			use:   func(c Config) { c.Orchestrator() },
		},
		{
			name:  "rpc without endpoint",
			patch: func(g mapGetter) { g["market"] = map[string]interface{}{"mode": "rpc"} },
			use:   func(c Config) { c.Market() },
		},
		{
			name:  "unknown client mode",
			patch: func(g mapGetter) { g["chain"] = map[string]interface{}{"mode": "mainnet"} },
			use:   func(c Config) { c.Chain() },
		},
		{
			name:  "bad fallback price",
			patch: func(g mapGetter) { g["market"] = map[string]interface{}{"fallback_price": "-1"} },
			use:   func(c Config) { c.Market() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := baseGetter()
			tt.patch(g)
			cfg := New(g)
			defer cfg.Close()
			assert.Panics(t, func() { tt.use(cfg) })
		})
	}
}
