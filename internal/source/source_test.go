package source

import (
	"context"
	"fmt"
	"testing"

	"retailsync/internal/model"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"
)

func records(n int) []model.RawRecord {
	out := make([]model.RawRecord, n)
	for i := range out {
		out[i] = model.RawRecord{InvoiceNo: fmt.Sprintf("INV%d", i/2), StockCode: fmt.Sprintf("P%d", i)}
	}
	return out
}

func readAll(t *testing.T, r Reader) ([]model.RawRecord, int) {
	t.Helper()
	var all []model.RawRecord
	pages := 0
	for {
		p, err := r.NextPage(context.Background())
		require.NoError(t, err)
		pages++
		all = append(all, p.Records...)
		if !p.HasMore {
			return all, pages
		}
	}
}

func TestMemoryPaging(t *testing.T) {
	src := NewMemory(records(7))
	r, err := src.Open(context.Background(), 3)
	require.NoError(t, err)
	all, pages := readAll(t, r)
	require.Len(t, all, 7)
	require.Equal(t, 3, pages)
}

func TestMemoryFailures(t *testing.T) {
	src := NewMemory(records(7))
	src.FailOpen = true
	_, err := src.Open(context.Background(), 3)
	require.ErrorIs(t, err, model.ErrSourceUnavailable)

	src.FailOpen = false
	src.FailAfter = 1
	r, err := src.Open(context.Background(), 3)
	require.NoError(t, err)
	_, err = r.NextPage(context.Background())
	require.NoError(t, err)
	_, err = r.NextPage(context.Background())
	require.ErrorIs(t, err, model.ErrSourceUnavailable)
}

func TestDocStorePaging(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDocStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Append(ctx, records(5))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	_, err = s.Append(ctx, records(6)[5:])
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, count)

	r, err := s.Open(ctx, 4)
	require.NoError(t, err)
	all, pages := readAll(t, r)
	require.Equal(t, 2, pages)
	require.Len(t, all, 6)
	for i, rec := range all {
		require.Equal(t, fmt.Sprintf("P%d", i), rec.StockCode, "storage order is insertion order")
		require.Equal(t, fmt.Sprint(i+1), rec.ID)
	}
}

func TestDocStoreExactPageBoundary(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDocStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Append(ctx, records(4))
	require.NoError(t, err)

	r, err := s.Open(ctx, 4)
	require.NoError(t, err)
	p, err := r.NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, p.Records, 4)
	require.False(t, p.HasMore)
}

func TestDocStoreSkipsUndecodableDocuments(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDocStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(ctx, records(3))
	require.NoError(t, err)
	require.NoError(t, s.db.Set(docKey(4), []byte(`{"Quantity":[1,2]}`), pebble.Sync))
	require.NoError(t, s.db.Set(docKey(5), []byte(`not json`), pebble.Sync))
	s.seq = 5
	_, err = s.Append(ctx, records(2))
	require.NoError(t, err)

	r, err := s.Open(ctx, 3)
	require.NoError(t, err)
	var (
		got       []model.RawRecord
		malformed int
	)
	for {
		p, err := r.NextPage(ctx)
		require.NoError(t, err)
		got = append(got, p.Records...)
		malformed += p.Malformed
		if !p.HasMore {
			break
		}
	}
	require.Len(t, got, 5)
	require.Equal(t, 2, malformed)
	require.Equal(t, "6", got[3].ID)
	require.Equal(t, "7", got[4].ID)
}

func TestDocStoreSequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenDocStore(dir)
	require.NoError(t, err)
	_, err = s.Append(ctx, records(2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenDocStore(dir)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Append(ctx, []model.RawRecord{{InvoiceNo: "X"}})
	require.NoError(t, err)

	r, err := s.Open(ctx, 10)
	require.NoError(t, err)
	all, _ := readAll(t, r)
	require.Len(t, all, 3)
	require.Equal(t, "3", all[2].ID)
}

func TestDocStoreClearAndClosed(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDocStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Append(ctx, records(3))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))
	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, s.Close())
	_, err = s.Open(ctx, 10)
	require.ErrorIs(t, err, model.ErrSourceUnavailable)
	_, err = s.Append(ctx, records(1))
	require.ErrorIs(t, err, model.ErrSourceUnavailable)
}
