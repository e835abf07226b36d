// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package bus provides durable named queues over NATS JetStream via
// Watermill. Delivery is at-least-once: consumers must be idempotent by
// tile id. nack(requeue=false) dead-letters the message to
// "<queue>.dlq".
package bus

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orthovec/orthovec/internal/metrics"
)

// DLQSuffix is appended to a queue name to form its dead letter queue.
const DLQSuffix = ".dlq"

// Publisher publishes persistent messages to named queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	Close() error
}

// Consumer yields envelopes from one or more queues.
type Consumer interface {
	// Consume accepts a comma-separated queue list and returns a merged
	// envelope channel. The channel closes when the context is canceled
	// or the consumer is closed.
	Consume(ctx context.Context, queues string) (<-chan Envelope, error)
	Close() error
}

// Envelope is one in-flight message. Ack and Nack are idempotent: the
// first settlement wins and later calls (including after close) are
// no-ops.
type Envelope interface {
	Payload() []byte
	Queue() string
	Ack()
	// Nack with requeue returns the message for redelivery; without
	// requeue it is dead-lettered and removed from the queue.
	Nack(requeue bool)
}

// DLQName returns the dead letter queue for a queue.
func DLQName(queue string) string {
	return queue + DLQSuffix
}

// SplitQueues parses a comma-separated queue list, dropping empty
// entries and duplicates while preserving order.
func SplitQueues(queues string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range strings.Split(queues, ",") {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// deadLetterFunc publishes a payload to a dead letter queue.
type deadLetterFunc func(queue string, payload []byte) error

// envelope wraps a Watermill message with settle-once semantics.
type envelope struct {
	msg     *message.Message
	queue   string
	dlq     deadLetterFunc
	settled atomic.Bool
}

func newEnvelope(msg *message.Message, queue string, dlq deadLetterFunc) *envelope {
	return &envelope{msg: msg, queue: queue, dlq: dlq}
}

func (e *envelope) Payload() []byte { return e.msg.Payload }
func (e *envelope) Queue() string   { return e.queue }

func (e *envelope) Ack() {
	if !e.settled.CompareAndSwap(false, true) {
		return
	}
	e.msg.Ack()
	metrics.BusMessagesAcked.WithLabelValues(e.queue).Inc()
}

func (e *envelope) Nack(requeue bool) {
	if !e.settled.CompareAndSwap(false, true) {
		return
	}
	metrics.RecordNack(e.queue, requeue)
	if requeue {
		e.msg.Nack()
		return
	}
	if e.dlq != nil {
		if err := e.dlq(e.queue, e.msg.Payload); err != nil {
			// Dead-lettering failed: return the message for redelivery
			// instead of dropping it.
			e.msg.Nack()
			return
		}
		metrics.BusDeadLettered.WithLabelValues(e.queue).Inc()
	}
	// The original is removed from the queue once dead-lettered.
	e.msg.Ack()
}
