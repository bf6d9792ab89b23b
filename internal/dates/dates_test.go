package dates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchFirstCandidate(t *testing.T) {
	n := Default(nil)
	m, ok := n.Match("2011-08-18 08:30:00")
	require.True(t, ok)
	require.Equal(t, 0, m.Index)
	require.Equal(t, time.Date(2011, 8, 18, 8, 30, 0, 0, time.UTC), m.Time)
}

func TestMatchLaterCandidate(t *testing.T) {
	n := Default(nil)
	m, ok := n.Match("18/08/2011 6:30")
	require.True(t, ok)
	require.Greater(t, m.Index, 0)
	require.Equal(t, "d/M/yyyy H:mm", m.Layout)
	require.Equal(t, time.Date(2011, 8, 18, 6, 30, 0, 0, time.UTC), m.Time)
}

func TestUnparseable(t *testing.T) {
	n := Default(nil)
	for _, s := range []string{"not-a-date", "", "   ", "2011-13-45"} {
		_, ok := n.Parse(s)
		require.False(t, ok, "input %q", s)
	}
}

func TestLayouts(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2011-08-18 08:30:00.250", time.Date(2011, 8, 18, 8, 30, 0, 250e6, time.UTC)},
		{"2011-08-18T08:30:00", time.Date(2011, 8, 18, 8, 30, 0, 0, time.UTC)},
		{"2011-08-18T08:30:00+02:00", time.Date(2011, 8, 18, 6, 30, 0, 0, time.UTC)},
		{"12/1/2010 8:26", time.Date(2010, 1, 12, 8, 26, 0, 0, time.UTC)},
		{"12/13/2010 8:26", time.Date(2010, 12, 13, 8, 26, 0, 0, time.UTC)},
		{"1/12/2010 08:26:30", time.Date(2010, 12, 1, 8, 26, 30, 0, time.UTC)},
		{"2010-12-01", time.Date(2010, 12, 1, 0, 0, 0, 0, time.UTC)},
		{"25/12/2010", time.Date(2010, 12, 25, 0, 0, 0, 0, time.UTC)},
		{"12/25/2010", time.Date(2010, 12, 25, 0, 0, 0, 0, time.UTC)},
		{"12/25/2010 8:26:00 AM", time.Date(2010, 12, 25, 0, 0, 0, 0, time.UTC)},
	}
	n := Default(nil)
	for _, tc := range cases {
		got, ok := n.Parse(tc.in)
		require.True(t, ok, "input %q", tc.in)
		require.True(t, tc.want.Equal(got), "input %q: got %v want %v", tc.in, got, tc.want)
	}
}

func TestLocationApplied(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got, ok := Default(loc).Parse("2011-08-18 08:30:00")
	require.True(t, ok)
	require.Equal(t, time.Date(2011, 8, 18, 7, 30, 0, 0, time.UTC), got.UTC())
}

func TestAddCustomCandidate(t *testing.T) {
	n := &Normalizer{}
	n.Add("epoch-zero", func(s string) (time.Time, bool) {
		if s == "epoch" {
			return time.Unix(0, 0).UTC(), true
		}
		return time.Time{}, false
	})
	m, ok := n.Match("epoch")
	require.True(t, ok)
	require.Equal(t, "epoch-zero", m.Layout)
	require.Equal(t, []string{"epoch-zero"}, n.Layouts())
}
