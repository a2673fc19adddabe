// Package detect consumes ML detection events from Kafka and hands them to
// the session coordinator.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Notifier receives decoded detection events.
type Notifier interface {
	NotifyDetection(ctx context.Context, ev domain.DetectionEvent) (int, error)
}

type Consumer struct {
	group sarama.ConsumerGroup
	topic string
	h     *handler
}

func newConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

func NewConsumer(brokers []string, groupID, topic string, n Notifier) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, newConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return &Consumer{group: group, topic: topic, h: newHandler(n)}, nil
}

// Run consumes until ctx ends. Consume returns on every rebalance, so it is
// called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			log.Error().Err(err).Str("module", "adapters.detect").Msg("consumer group error")
		}
	}()
	log.Info().Str("module", "adapters.detect").Str("topic", c.topic).Msg("consuming detections")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", c.topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

// handler implements sarama.ConsumerGroupHandler.
type handler struct {
	n Notifier
	// newBackOff paces retries of a notifier failure that may go away.
	newBackOff func() backoff.BackOff
}

func newHandler(n Notifier) *handler {
	return &handler{n: n, newBackOff: func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		return b
	}}
}

func (h *handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message once it is settled: delivered, or rejected
// in a way a retry cannot change. A message still failing when the session
// ends stays unmarked and is consumed again.
func (h *handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(session.Context(), msg) {
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// permanent reports whether err will not change on retry.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrNotFound)
}

// handle reports whether msg is settled.
func (h *handler) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var ev domain.DetectionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		metrics.DetectionEvents.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Str("module", "adapters.detect").Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("message decode error")
		return true
	}

	var n int
	op := func() error {
		var err error
		n, err = h.n.NotifyDetection(ctx, ev)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	retrying := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "adapters.detect").Int64("offset", msg.Offset).Dur("retry_in", wait).Msg("detection not recorded, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(h.newBackOff(), ctx), retrying)
	switch {
	case err == nil:
		log.Debug().Str("module", "adapters.detect").Str("user", string(ev.UserID)).Int("notified", n).Msg("detection delivered")
		return true
	case permanent(err):
		log.Warn().Err(err).Str("module", "adapters.detect").Str("user", string(ev.UserID)).Str("event_type", ev.EventType).Msg("detection rejected")
		return true
	}
	log.Error().Err(err).Str("module", "adapters.detect").Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("detection left unmarked")
	return false
}
