// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package bus

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orthovec/orthovec/internal/errs"
)

func TestSplitQueues(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"index.default", []string{"index.default"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,,a", []string{"a", "b"}},
		{"", nil},
		{",,", nil},
	}
	for _, tt := range tests {
		if got := SplitQueues(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitQueues(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDLQName(t *testing.T) {
	if got := DLQName("index.pe_core"); got != "index.pe_core.dlq" {
		t.Errorf("DLQName = %q", got)
	}
}

func TestStreamName(t *testing.T) {
	if got := StreamName("index.pe_core.dlq"); got != "INDEX_PE_CORE_DLQ" {
		t.Errorf("StreamName = %q", got)
	}
}

func TestEnvelopeAckIdempotent(t *testing.T) {
	msg := message.NewMessage("id", []byte("payload"))
	env := newEnvelope(msg, "q", nil)

	env.Ack()
	// Settling again, including after the channel is gone, is a no-op.
	env.Ack()
	env.Nack(true)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("message should be acked")
	}
}

func TestEnvelopeNackRequeue(t *testing.T) {
	msg := message.NewMessage("id", []byte("payload"))
	env := newEnvelope(msg, "q", nil)

	env.Nack(true)
	env.Ack() // late ack is a no-op

	select {
	case <-msg.Nacked():
	default:
		t.Fatal("message should be nacked for redelivery")
	}
}

func TestEnvelopeDeadLetter(t *testing.T) {
	msg := message.NewMessage("id", []byte("payload"))
	var gotQueue string
	var gotPayload []byte
	env := newEnvelope(msg, "work", func(queue string, payload []byte) error {
		gotQueue = queue
		gotPayload = payload
		return nil
	})

	env.Nack(false)

	if gotQueue != "work" || string(gotPayload) != "payload" {
		t.Errorf("dead letter got (%q, %q)", gotQueue, gotPayload)
	}
	// Original is removed from the queue (acked) after dead-lettering.
	select {
	case <-msg.Acked():
	default:
		t.Fatal("dead-lettered message should be acked")
	}
}

// When the DLQ publish fails the message must go back for redelivery,
// never be acked away.
func TestEnvelopeDeadLetterFailureRequeues(t *testing.T) {
	msg := message.NewMessage("id", []byte("payload"))
	env := newEnvelope(msg, "work", func(string, []byte) error {
		return fmt.Errorf("broker unavailable")
	})

	env.Nack(false)

	select {
	case <-msg.Acked():
		t.Fatal("message was dropped despite failed dead-lettering")
	default:
	}
	select {
	case <-msg.Nacked():
	default:
		t.Fatal("message should be nacked for redelivery")
	}
}

func TestDecodeIndexRequest(t *testing.T) {
	payload := []byte(`{
		"image_id": 42, "tile_id": "orthophoto:3/1/2", "source": "orthophoto",
		"tile_store": "orthophoto", "raster_path": "/rasters/a.tif",
		"pixel_polygon": "POLYGON ((0 0, 256 0, 256 256, 0 256, 0 0))",
		"width": 256, "height": 256, "embedder_backend": "pe_core",
		"unknown_field": true
	}`)
	req, err := DecodeIndexRequest(payload)
	if err != nil {
		t.Fatalf("DecodeIndexRequest: %v", err)
	}
	if *req.ImageID != 42 || req.TileID != "orthophoto:3/1/2" || *req.Width != 256 {
		t.Errorf("decoded fields wrong: %+v", req)
	}
}

func TestDecodeIndexRequestPoison(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"bad json", `{not json`},
		{"missing image_id", `{"width": 256, "height": 256}`},
		{"missing dimensions", `{"image_id": 1}`},
		{"zero dimensions", `{"image_id": 1, "width": 0, "height": 256}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeIndexRequest([]byte(tt.payload))
			if errs.KindOf(err) != errs.KindPoison {
				t.Errorf("want Poison, got %v", err)
			}
		})
	}
}

func TestIndexRequestRoundTrip(t *testing.T) {
	id, w, h := int64(7), 512, 512
	req := &IndexRequest{ImageID: &id, Width: &w, Height: &h, TileID: "s:0/0/0", RunID: "run-1"}
	data, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeIndexRequest(data)
	if err != nil {
		t.Fatalf("DecodeIndexRequest: %v", err)
	}
	if *got.ImageID != 7 || got.RunID != "run-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
