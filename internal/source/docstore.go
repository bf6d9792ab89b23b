package source

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"retailsync/internal/model"

	"github.com/cockroachdb/pebble"
)

var (
	rawPrefix = []byte("raw/")
	rawUpper  = []byte("raw0") // '0' sorts right after '/'
	seqKey    = []byte("meta/seq")
)

// DocStore keeps raw records as JSON documents in Pebble. Keys are
// raw/<sequence> so key order is insertion order.
type DocStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	closed bool
}

func OpenDocStore(dir string) (*DocStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: pebble open: %v", model.ErrSourceUnavailable, err)
	}
	s := &DocStore{db: db}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			s.seq = binary.BigEndian.Uint64(v)
		}
		_ = closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		_ = db.Close()
		return nil, fmt.Errorf("%w: read sequence: %v", model.ErrSourceUnavailable, err)
	}
	return s, nil
}

func (s *DocStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func docKey(seq uint64) []byte {
	return append(append([]byte(nil), rawPrefix...), fmt.Sprintf("%020d", seq)...)
}

// Append stores records in one synced batch and returns how many were written.
// Records get their sequence number as ID when they have none.
func (s *DocStore) Append(ctx context.Context, recs []model.RawRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", model.ErrSourceUnavailable)
	}
	b := s.db.NewBatch()
	defer b.Close()
	seq := s.seq
	for _, r := range recs {
		seq++
		if r.ID == "" {
			r.ID = strconv.FormatUint(seq, 10)
		}
		val, err := json.Marshal(&r)
		if err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
		if err := b.Set(docKey(seq), val, nil); err != nil {
			return 0, fmt.Errorf("batch set: %w", err)
		}
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := b.Set(seqKey, seqBuf[:], nil); err != nil {
		return 0, fmt.Errorf("batch set: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", model.ErrSourceUnavailable, err)
	}
	s.seq = seq
	return len(recs), nil
}

func (s *DocStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, rawPrefix, func([]byte, []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// Clear removes every raw document. The sequence keeps counting.
func (s *DocStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", model.ErrSourceUnavailable)
	}
	if err := s.db.DeleteRange(rawPrefix, rawUpper, pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete range: %v", model.ErrSourceUnavailable, err)
	}
	return nil
}

// scan visits documents with key >= from until fn returns false.
func (s *DocStore) scan(ctx context.Context, from []byte, fn func(key, val []byte) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", model.ErrSourceUnavailable)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: from, UpperBound: rawUpper})
	if err != nil {
		return fmt.Errorf("%w: new iterator: %v", model.ErrSourceUnavailable, err)
	}
	for it.First(); it.Valid(); it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			_ = it.Close()
			return err
		}
		if !more {
			break
		}
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("%w: iterate: %v", model.ErrSourceUnavailable, err)
	}
	return nil
}

func (s *DocStore) Open(ctx context.Context, pageSize int) (Reader, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: store closed", model.ErrSourceUnavailable)
	}
	return &docPager{store: s, pageSize: pageSize, cursor: rawPrefix}, nil
}

type docPager struct {
	store    *DocStore
	pageSize int
	cursor   []byte
	done     bool
}

func (p *docPager) NextPage(ctx context.Context) (Page, error) {
	if p.done {
		return Page{}, nil
	}
	var page Page
	var last []byte
	err := p.store.scan(ctx, p.cursor, func(key, val []byte) (bool, error) {
		if len(page.Records)+page.Malformed == p.pageSize {
			page.HasMore = true
			return false, nil
		}
		last = append(last[:0], key...)
		var r model.RawRecord
		if err := json.Unmarshal(val, &r); err != nil {
			page.Malformed++
			return true, nil
		}
		page.Records = append(page.Records, r)
		return true, nil
	})
	if err != nil {
		return Page{}, err
	}
	if last != nil {
		// next scan starts strictly after the last key served
		p.cursor = append(last, 0)
	}
	p.done = !page.HasMore
	return page, nil
}
