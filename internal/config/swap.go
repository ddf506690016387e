package config

import (
	"gitlab.com/distributed_lab/figure/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/swap"
)

func (c *config) Swap() swap.Config {
	return c.swapOnce.Do(func() interface{} {
		cfg := struct {
			SwapAccount     string   `fig:"swap_account,required"`
			SettlementAsset string   `fig:"settlement_asset"`
			TargetAsset     string   `fig:"target_asset"`
			AllowedTokens   []string `fig:"allowed_tokens"`
		}{
			SettlementAsset: "SWAP.HIVE",
			TargetAsset:     "PEK",
		}
		err := figure.Out(&cfg).
			From(section(c.getter, "swap")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out swap"))
		}

		return swap.Config{
			SwapAccount:     cfg.SwapAccount,
			SettlementAsset: cfg.SettlementAsset,
			TargetAsset:     cfg.TargetAsset,
			AllowedTokens:   cfg.AllowedTokens,
		}
	}).(swap.Config)
}
