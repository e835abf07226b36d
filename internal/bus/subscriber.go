// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
)

// SubscriberConfig configures the NATS consumer.
type SubscriberConfig struct {
	URL            string
	DurableName    string
	QueueGroup     string
	Prefetch       int // maps to JetStream MaxAckPending
	AckWait        time.Duration
	MaxDeliver     int
	CloseTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// NatsSubscriber consumes durable queues. Failed messages that are
// nacked without requeue are forwarded to "<queue>.dlq" through an
// internal publisher.
type NatsSubscriber struct {
	subscriber message.Subscriber
	dlqPub     Publisher
	mu         sync.Mutex
	closed     bool
}

// NewSubscriber builds a durable JetStream consumer. The dlqPublisher
// is optional; without it, nack(requeue=false) drops the message after
// removal.
func NewSubscriber(cfg SubscriberConfig, dlqPublisher Publisher) (*NatsSubscriber, error) {
	logger := watermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("bus subscriber disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("bus subscriber reconnected")
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.Prefetch),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false, // streams are pre-created by the StreamManager
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus subscriber: %w", err)
	}

	return &NatsSubscriber{subscriber: sub, dlqPub: dlqPublisher}, nil
}

// Consume subscribes to every queue in the comma-separated list and
// merges them into one envelope channel. Each queue is drained by its
// own goroutine, so a slow queue cannot starve the others beyond the
// shared channel's backpressure.
func (s *NatsSubscriber) Consume(ctx context.Context, queues string) (<-chan Envelope, error) {
	names := SplitQueues(queues)
	if len(names) == 0 {
		return nil, fmt.Errorf("consume with no queue names")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("bus subscriber is closed")
	}
	s.mu.Unlock()

	merged := make(chan Envelope)
	var wg sync.WaitGroup

	for _, queue := range names {
		messages, err := s.subscriber.Subscribe(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", queue, err)
		}
		wg.Add(1)
		go func(queue string, messages <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-messages:
					if !ok {
						return
					}
					metrics.BusMessagesConsumed.WithLabelValues(queue).Inc()
					env := newEnvelope(msg, queue, s.deadLetter)
					select {
					case merged <- env:
					case <-ctx.Done():
						// Unsettled on shutdown: the broker redelivers.
						env.Nack(true)
						return
					}
				}
			}
		}(queue, messages)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

func (s *NatsSubscriber) deadLetter(queue string, payload []byte) error {
	if s.dlqPub == nil {
		return nil
	}
	dlq := DLQName(queue)
	if err := s.dlqPub.Publish(context.Background(), dlq, payload); err != nil {
		logging.Error().Err(err).Str("queue", dlq).Msg("failed to dead-letter message")
		return err
	}
	return nil
}

// Close shuts the subscriber down; open envelope channels close after
// the broker connection drains.
func (s *NatsSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.subscriber.Close()
}
