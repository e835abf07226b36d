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

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
)

// PublisherConfig configures the NATS publisher.
type PublisherConfig struct {
	URL            string
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	BreakerEnabled bool
}

// NatsPublisher publishes persistent messages over JetStream with
// optional circuit breaker protection. Message UUIDs double as
// Nats-Msg-Id for broker-side deduplication.
type NatsPublisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher connects to NATS and builds the JetStream publisher.
func NewPublisher(cfg PublisherConfig) (*NatsPublisher, error) {
	logger := watermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("bus publisher disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("bus publisher reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // streams are pre-created by the StreamManager
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus publisher: %w", err)
	}

	p := &NatsPublisher{publisher: pub}
	if cfg.BreakerEnabled {
		p.breaker = newPublishBreaker()
	}
	return p, nil
}

func newPublishBreaker() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "bus-publish",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Publish sends a payload to the named queue. The write is persistent:
// it survives a broker restart once acknowledged.
func (p *NatsPublisher) Publish(ctx context.Context, queue string, payload []byte) error {
	if queue == "" {
		return fmt.Errorf("publish to empty queue name")
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("bus publisher is closed")
	}
	p.mu.RUnlock()

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(queue, msg)
		})
	} else {
		err = p.publisher.Publish(queue, msg)
	}

	metrics.RecordPublish(queue, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Close shuts the publisher down. Further publishes fail.
func (p *NatsPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}

// watermillLogger adapts the global zerolog logger for Watermill.
func watermillLogger() watermill.LoggerAdapter {
	return &zerologAdapter{}
}

type zerologAdapter struct {
	fields watermill.LogFields
}

func (z *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]any(z.merged(fields))).Msg(msg)
}

func (z *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	logging.Info().Fields(map[string]any(z.merged(fields))).Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]any(z.merged(fields))).Msg(msg)
}

func (z *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]any(z.merged(fields))).Msg(msg)
}

func (z *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zerologAdapter{fields: z.merged(fields)}
}

func (z *zerologAdapter) merged(fields watermill.LogFields) watermill.LogFields {
	if len(z.fields) == 0 {
		return fields
	}
	out := make(watermill.LogFields, len(z.fields)+len(fields))
	for k, v := range z.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
