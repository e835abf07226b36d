// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/orthovec/orthovec/internal/logging"
)

// StreamManager provisions one JetStream stream per queue (plus its
// dead letter queue) so durable consumers can bind without wildcard
// subjects.
type StreamManager struct {
	js jetstream.JetStream
	nc *nats.Conn
}

// StreamLimits bound per-queue stream growth.
type StreamLimits struct {
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
}

// DefaultStreamLimits match a single-node indexing deployment.
func DefaultStreamLimits() StreamLimits {
	return StreamLimits{
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        4 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// NewStreamManager connects to the broker for stream administration.
func NewStreamManager(url string, connectTimeout time.Duration) (*StreamManager, error) {
	nc, err := nats.Connect(url, nats.Timeout(connectTimeout), nats.RetryOnFailedConnect(true))
	if err != nil {
		return nil, fmt.Errorf("connect for stream management: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &StreamManager{js: js, nc: nc}, nil
}

// EnsureQueues creates or updates the streams backing each queue and
// its dead letter queue.
func (m *StreamManager) EnsureQueues(ctx context.Context, limits StreamLimits, queues ...string) error {
	for _, queue := range queues {
		for _, subject := range []string{queue, DLQName(queue)} {
			if err := m.ensureStream(ctx, subject, limits); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *StreamManager) ensureStream(ctx context.Context, subject string, limits StreamLimits) error {
	cfg := jetstream.StreamConfig{
		Name:        StreamName(subject),
		Subjects:    []string{subject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      limits.MaxAge,
		MaxBytes:    limits.MaxBytes,
		MaxMsgs:     limits.MaxMsgs,
		Duplicates:  limits.DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := m.js.Stream(ctx, cfg.Name); err == nil {
		if _, err := m.js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if _, err := m.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logging.Info().Str("stream", cfg.Name).Str("subject", subject).Msg("stream provisioned")
	return nil
}

// StreamName derives a valid stream name from a queue subject. Stream
// names cannot contain dots.
func StreamName(subject string) string {
	name := strings.NewReplacer(".", "_", "*", "any", ">", "all").Replace(subject)
	return strings.ToUpper(name)
}

// QueueDepth returns the number of stored messages for a queue.
func (m *StreamManager) QueueDepth(ctx context.Context, queue string) (uint64, error) {
	stream, err := m.js.Stream(ctx, StreamName(queue))
	if err != nil {
		return 0, fmt.Errorf("get stream for %s: %w", queue, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info for %s: %w", queue, err)
	}
	return info.State.Msgs, nil
}

// Close releases the admin connection.
func (m *StreamManager) Close() {
	m.nc.Close()
}
