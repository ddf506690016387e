// Package config builds the service's components from a kv.Getter.
// Sections are figured out lazily, once, and panic on invalid values.
package config

import (
	stderrors "errors"
	"sync"

	"gitlab.com/distributed_lab/kit/comfig"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/events"
	"atomic-pek/internal/external"
	"atomic-pek/internal/storage"
	"atomic-pek/internal/swap"
)

type Config interface {
	comfig.Logger

	Listener() Listener
	Storage() Storage
	Postgres() Postgres
	ClickHouse() ClickHouse
	TransitionLog() storage.TransitionLog
	Kafka() *events.KafkaPublisher
	Swap() swap.Config
	Orchestrator() Orchestrator
	Chain() external.ChainClient
	Market() external.MarketClient

	// Close releases every connection opened by the config.
	Close() error
}

type config struct {
	comfig.Logger
	getter kv.Getter

	listenerOnce      comfig.Once
	storageOnce       comfig.Once
	postgresOnce      comfig.Once
	poolOnce          comfig.Once
	clickhouseOnce    comfig.Once
	transitionLogOnce comfig.Once
	kafkaOnce         comfig.Once
	swapOnce          comfig.Once
	orchestratorOnce  comfig.Once
	chainOnce         comfig.Once
	marketOnce        comfig.Once

	mu      sync.Mutex
	closers []func() error
}

func New(getter kv.Getter) Config {
	return &config{
		getter: getter,
		Logger: comfig.NewLogger(getter, comfig.LoggerOpts{}),
	}
}

func (c *config) onClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Close runs the registered closers in reverse order of opening.
func (c *config) Close() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "failed to close config resources")
	}
	return nil
}

// section returns the raw map of an optional section; absent sections are empty.
func section(getter kv.Getter, key string) map[string]interface{} {
	raw, err := getter.GetStringMap(key)
	if err != nil {
		panic(errors.Wrap(err, "failed to get "+key+" section"))
	}
	return raw
}
