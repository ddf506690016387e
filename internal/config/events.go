package config

import (
	"gitlab.com/distributed_lab/figure/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"atomic-pek/internal/events"
)

const defaultKafkaTopic = "swap-transitions"

// Kafka returns the transition publisher, or nil when no brokers are set.
func (c *config) Kafka() *events.KafkaPublisher {
	return c.kafkaOnce.Do(func() interface{} {
		cfg := struct {
			Brokers []string `fig:"brokers"`
			Topic   string   `fig:"topic"`
		}{
			Topic: defaultKafkaTopic,
		}
		err := figure.Out(&cfg).
			From(section(c.getter, "kafka")).
			Please()
		if err != nil {
			panic(errors.Wrap(err, "failed to figure out kafka"))
		}
		if len(cfg.Brokers) == 0 {
			return (*events.KafkaPublisher)(nil)
		}

		p := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic, c.Log().WithField("sink", "kafka"))
		c.onClose(p.Close)
		return p
	}).(*events.KafkaPublisher)
}
