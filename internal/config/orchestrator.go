package config

import (
	"time"

	"gitlab.com/distributed_lab/figure/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/orchestrator"
)

const defaultLeaseTTL = 30 * time.Second

// Orchestrator is the stage policy plus the lease settings of the task guard.
type Orchestrator struct {
	orchestrator.Config
	LeaseTTL time.Duration
}

func (c *config) Orchestrator() Orchestrator {
	return c.orchestratorOnce.Do(func() interface{} {
		def := orchestrator.DefaultConfig()
		cfg := struct {
			LeaseTTL         time.Duration `fig:"lease_ttl"`
			RecoveryPeriod   time.Duration `fig:"recovery_period"`
			DepositMatch     string        `fig:"deposit_match"`
			MinConfirmations int           `fig:"min_confirmations"`
			RequireMemo      bool          `fig:"require_memo"`
			AttemptCap       int           `fig:"attempt_cap"`
			BackoffInitial   time.Duration `fig:"backoff_initial"`
			BackoffMax       time.Duration `fig:"backoff_max"`
			MaxOrders        int           `fig:"max_orders"`
			MaxTransfers     int           `fig:"max_transfers"`
			DepositDeadline  time.Duration `fig:"deposit_deadline"`
			DepositPoll      time.Duration `fig:"deposit_poll"`
			ConvertDeadline  time.Duration `fig:"convert_deadline"`
			ConvertPoll      time.Duration `fig:"convert_poll"`
			AcquireDeadline  time.Duration `fig:"acquire_deadline"`
			AcquirePoll      time.Duration `fig:"acquire_poll"`
			DeliverDeadline  time.Duration `fig:"deliver_deadline"`
			DeliverPoll      time.Duration `fig:"deliver_poll"`
		}{
			LeaseTTL:         defaultLeaseTTL,
			RecoveryPeriod:   def.RecoveryPeriod,
			DepositMatch:     string(def.DepositMatch),
			MinConfirmations: def.MinConfirmations,
			RequireMemo:      def.RequireMemo,
			AttemptCap:       int(def.AttemptCap),
			BackoffInitial:   def.BackoffInitial,
			BackoffMax:       def.BackoffMax,
			MaxOrders:        def.MaxOrders,
			MaxTransfers:     def.MaxTransfers,
			DepositDeadline:  def.Deposit.Deadline,
			DepositPoll:      def.Deposit.Poll,
			ConvertDeadline:  def.Convert.Deadline,
			ConvertPoll:      def.Convert.Poll,
			AcquireDeadline:  def.Acquire.Deadline,
			AcquirePoll:      def.Acquire.Poll,
			DeliverDeadline:  def.Deliver.Deadline,
			DeliverPoll:      def.Deliver.Poll,
		}

		err := figure.Out(&cfg).
			From(section(c.getter, "orchestrator")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out orchestrator"))
		}
		if cfg.AttemptCap < 1 {
			panic(errors.New("orchestrator attempt_cap must be at least 1"))
		}
		if cfg.LeaseTTL <= 0 {
			panic(errors.New("orchestrator lease_ttl must be positive"))
		}

		oc := orchestrator.Config{
			DepositMatch:     orchestrator.DepositMatch(cfg.DepositMatch),
			MinConfirmations: cfg.MinConfirmations,
			RequireMemo:      cfg.RequireMemo,
			AttemptCap:       uint64(cfg.AttemptCap),
			BackoffInitial:   cfg.BackoffInitial,
			BackoffMax:       cfg.BackoffMax,
			MaxOrders:        cfg.MaxOrders,
			MaxTransfers:     cfg.MaxTransfers,
			RecoveryPeriod:   cfg.RecoveryPeriod,
			Deposit:          orchestrator.StagePolicy{Deadline: cfg.DepositDeadline, Poll: cfg.DepositPoll},
			Convert:          orchestrator.StagePolicy{Deadline: cfg.ConvertDeadline, Poll: cfg.ConvertPoll},
			Acquire:          orchestrator.StagePolicy{Deadline: cfg.AcquireDeadline, Poll: cfg.AcquirePoll},
			Deliver:          orchestrator.StagePolicy{Deadline: cfg.DeliverDeadline, Poll: cfg.DeliverPoll},
		}
		if err := oc.Validate(); err != nil {
			panic(errors.Wrap(err, "invalid orchestrator config"))
		}

		return Orchestrator{Config: oc, LeaseTTL: cfg.LeaseTTL}
	}).(Orchestrator)
}
