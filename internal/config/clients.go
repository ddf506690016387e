package config

import (
	"time"

	"github.com/shopspring/decimal"
	"gitlab.com/distributed_lab/figure/v3"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/external"
	"atomic-pek/internal/external/rpc"
	"atomic-pek/internal/external/stub"
)

// Client modes.
const (
	ModeSimulated = "simulated"
	ModeRPC       = "rpc"
)

const defaultRequestTimeout = 10 * time.Second

type clientConfig struct {
	Mode           string        `fig:"mode"`
	Endpoint       string        `fig:"endpoint"`
	RequestTimeout time.Duration `fig:"request_timeout"`
	// FallbackPrice prices every pair of the simulated market.
	FallbackPrice string `fig:"fallback_price"`
}

func (c *config) client(key string) clientConfig {
	cfg := clientConfig{
		Mode:           ModeSimulated,
		RequestTimeout: defaultRequestTimeout,
		FallbackPrice:  "1",
	}
	err := figure.Out(&cfg).
		From(section(c.getter, key)).
		Please()
	if err != nil {
		panic(errors.Wrap(err, "failed to figure out "+key))
	}
	if cfg.Mode == ModeRPC && cfg.Endpoint == "" {
		panic(errors.From(errors.New("endpoint is required in rpc mode"), logan.F{"section": key}))
	}
	if cfg.Mode != ModeRPC && cfg.Mode != ModeSimulated {
		panic(errors.From(errors.New("unknown client mode"), logan.F{"section": key, "mode": cfg.Mode}))
	}
	return cfg
}

func (c *config) Chain() external.ChainClient {
	return c.chainOnce.Do(func() interface{} {
		cfg := c.client("chain")
		if cfg.Mode == ModeRPC {
			return external.ChainClient(rpc.NewClient(cfg.Endpoint, rpc.WithTimeout(cfg.RequestTimeout)))
		}
		c.Log().Warn("using simulated chain, every swap observes its deposit at once")
		return external.ChainClient(stub.NewChain(stub.WithAutoDeposit()))
	}).(external.ChainClient)
}

func (c *config) Market() external.MarketClient {
	return c.marketOnce.Do(func() interface{} {
		cfg := c.client("market")
		if cfg.Mode == ModeRPC {
			return external.MarketClient(rpc.NewClient(cfg.Endpoint, rpc.WithTimeout(cfg.RequestTimeout)))
		}
		price, err := decimal.NewFromString(cfg.FallbackPrice)
		if err != nil || !price.IsPositive() {
			panic(errors.From(errors.New("market fallback_price must be a positive number"), logan.F{"value": cfg.FallbackPrice}))
		}
		c.Log().WithField("price", price.String()).Warn("using simulated market")
		return external.MarketClient(stub.NewMarket(stub.WithFallbackPrice(price)))
	}).(external.MarketClient)
}
