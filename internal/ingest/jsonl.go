package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"retailsync/internal/model"
)

const maxJSONLine = 1 << 20

func LoadJSONLFile(ctx context.Context, path string, sink Sink, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{Source: path}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return LoadJSONL(ctx, path, f, sink, opts)
}

// LoadJSONL stages one document per line, as produced by collection
// exports. Blank lines are ignored; undecodable lines are malformed.
func LoadJSONL(ctx context.Context, name string, r io.Reader, sink Sink, opts Options) (Result, error) {
	res := Result{Source: name}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxJSONLine)
	b := newBatcher(ctx, sink, opts, "jsonl", &res)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		res.Rows++
		var rec model.RawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			res.Malformed++
			opts.Logger.Debug().Err(err).Int("line", res.Rows).Msg("malformed document")
			continue
		}
		if err := b.add(rec); err != nil {
			return res, err
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("scan %s: %w", name, err)
	}
	if err := b.flush(); err != nil {
		return res, err
	}
	opts.Logger.Info().Str("source", name).Int("rows", res.Rows).Int("loaded", res.Loaded).
		Int("malformed", res.Malformed).Msg("jsonl staged")
	return res, nil
}
