// Package ingest stages raw transaction records into the source document
// store from CSV exports, JSON lines dumps and a Kafka topic.
package ingest

import (
	"context"
	"fmt"

	"retailsync/internal/metrics"
	"retailsync/internal/model"

	"github.com/rs/zerolog"
)

const DefaultChunkSize = 1000

// Sink receives staged records. source.DocStore implements it.
type Sink interface {
	Append(ctx context.Context, recs []model.RawRecord) (int, error)
}

// Result counts what one load did. Rows counts data rows or messages seen;
// every row is either Loaded or Malformed.
type Result struct {
	Source    string `json:"source"`
	Rows      int    `json:"rows"`
	Loaded    int    `json:"loaded"`
	Malformed int    `json:"malformed"`
}

type Options struct {
	ChunkSize int
	Metrics   *metrics.Registry
	Logger    zerolog.Logger
}

func (o Options) chunk() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// batcher buffers records and appends them to the sink in chunks.
type batcher struct {
	ctx    context.Context
	sink   Sink
	opts   Options
	label  string
	buf    []model.RawRecord
	result *Result
}

func newBatcher(ctx context.Context, sink Sink, opts Options, label string, res *Result) *batcher {
	return &batcher{ctx: ctx, sink: sink, opts: opts, label: label, result: res}
}

func (b *batcher) add(r model.RawRecord) error {
	b.buf = append(b.buf, r)
	if len(b.buf) >= b.opts.chunk() {
		return b.flush()
	}
	return nil
}

func (b *batcher) flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.sink.Append(b.ctx, b.buf)
	if err != nil {
		return fmt.Errorf("append %d records: %w", len(b.buf), err)
	}
	b.result.Loaded += n
	if m := b.opts.Metrics; m != nil {
		m.IngestedRecords.WithLabelValues(b.label).Add(float64(n))
	}
	b.opts.Logger.Debug().Str("source", b.result.Source).Int("records", n).Msg("chunk staged")
	b.buf = b.buf[:0]
	return nil
}
