// Package source reads raw transaction records page by page.
package source

import (
	"context"
	"fmt"

	"retailsync/internal/model"
)

// DefaultPageSize balances round trips against peak memory.
const DefaultPageSize = 5000

type Page struct {
	Records []model.RawRecord
	// Malformed counts documents in the page that could not be decoded.
	Malformed int
	HasMore   bool
}

// Reader yields pages of a forward-only scan. It cannot be restarted.
type Reader interface {
	NextPage(ctx context.Context) (Page, error)
}

// Opener starts a new scan over the whole collection.
type Opener interface {
	Open(ctx context.Context, pageSize int) (Reader, error)
}

// Memory is an Opener over a fixed slice of records.
type Memory struct {
	records []model.RawRecord
	// FailOpen and FailAfter make the source unreachable when opened or
	// once FailAfter pages were served (FailAfter <= 0 disables it).
	FailOpen  bool
	FailAfter int
}

func NewMemory(records []model.RawRecord) *Memory {
	return &Memory{records: records}
}

func (m *Memory) Open(ctx context.Context, pageSize int) (Reader, error) {
	if m.FailOpen {
		return nil, fmt.Errorf("%w: memory source closed", model.ErrSourceUnavailable)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &memoryReader{src: m, pageSize: pageSize}, nil
}

type memoryReader struct {
	src      *Memory
	pageSize int
	pos      int
	served   int
}

func (r *memoryReader) NextPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if r.src.FailAfter > 0 && r.served >= r.src.FailAfter {
		return Page{}, fmt.Errorf("%w: memory source lost after %d pages", model.ErrSourceUnavailable, r.served)
	}
	end := r.pos + r.pageSize
	if end > len(r.src.records) {
		end = len(r.src.records)
	}
	page := Page{Records: append([]model.RawRecord(nil), r.src.records[r.pos:end]...)}
	r.pos = end
	r.served++
	page.HasMore = r.pos < len(r.src.records)
	return page, nil
}
