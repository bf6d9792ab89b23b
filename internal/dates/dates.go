// Package dates turns the free-text invoice dates found in raw records into
// timestamps by trying a fixed list of layouts in order.
package dates

import (
	"strings"
	"time"
)

// ParseFunc reports whether text could be parsed and the resulting time.
type ParseFunc func(text string) (time.Time, bool)

type candidate struct {
	name  string
	parse ParseFunc
}

// Match is a successful parse together with the candidate that produced it.
type Match struct {
	Time   time.Time
	Layout string
	Index  int
}

// Normalizer tries its candidates in order and returns the first success.
type Normalizer struct {
	candidates []candidate
}

// Default returns the layouts seen in retail exports, date+time forms first
// and bare dates last. Zone-less inputs are read in loc (UTC when nil).
func Default(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	n := &Normalizer{}
	n.Add("yyyy-MM-dd HH:mm:ss", layout("2006-01-02 15:04:05", loc))
	n.Add("yyyy-MM-ddTHH:mm:ss", layout("2006-01-02T15:04:05", loc))
	n.Add("RFC3339", layout(time.RFC3339, loc))
	n.Add("d/M/yyyy H:mm", layout("2/1/2006 15:04", loc))
	n.Add("M/d/yyyy H:mm", layout("1/2/2006 15:04", loc))
	n.Add("d/M/yyyy H:mm:ss", layout("2/1/2006 15:04:05", loc))
	n.Add("M/d/yyyy H:mm:ss", layout("1/2/2006 15:04:05", loc))
	n.Add("yyyy-MM-dd", dateOnly("2006-01-02", loc))
	n.Add("d/M/yyyy", dateOnly("2/1/2006", loc))
	n.Add("M/d/yyyy", dateOnly("1/2/2006", loc))
	return n
}

// Add appends a candidate after the existing ones.
func (n *Normalizer) Add(name string, fn ParseFunc) {
	n.candidates = append(n.candidates, candidate{name: name, parse: fn})
}

// Layouts lists candidate names in the order they are tried.
func (n *Normalizer) Layouts() []string {
	out := make([]string, len(n.candidates))
	for i, c := range n.candidates {
		out[i] = c.name
	}
	return out
}

func (n *Normalizer) Parse(text string) (time.Time, bool) {
	m, ok := n.Match(text)
	return m.Time, ok
}

func (n *Normalizer) Match(text string) (Match, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Match{}, false
	}
	for i, c := range n.candidates {
		if t, ok := c.parse(text); ok {
			return Match{Time: t, Layout: c.name, Index: i}, true
		}
	}
	return Match{}, false
}

func layout(l string, loc *time.Location) ParseFunc {
	return func(text string) (time.Time, bool) {
		t, err := time.ParseInLocation(l, text, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
}

// dateOnly parses the whole text, then only its first token, so a date
// followed by a time in an unknown format still yields the day.
func dateOnly(l string, loc *time.Location) ParseFunc {
	full := layout(l, loc)
	return func(text string) (time.Time, bool) {
		if t, ok := full(text); ok {
			return t, true
		}
		if i := strings.IndexAny(text, " T"); i > 0 {
			return full(text[:i])
		}
		return time.Time{}, false
	}
}
