package grouper

import (
	"strings"

	"retailsync/internal/model"
)

// Group is every record seen so far for one order reference.
type Group struct {
	Ref     string
	Records []model.RawRecord
}

// AbsorbResult accounts for every record passed to Absorb.
type AbsorbResult struct {
	Accepted int
	Blank    int // no order reference
	Late     int // order already drained earlier in the run
}

func (r AbsorbResult) Skipped() int { return r.Blank + r.Late }

type entry struct {
	records  []model.RawRecord
	lastSeen int
}

// Grouper accumulates raw records by order reference. Groups are kept in
// first-seen order so drains are deterministic. Not safe for concurrent use.
type Grouper struct {
	groups  map[string]*entry
	order   []string
	drained map[string]struct{}
	round   int
}

func New() *Grouper {
	return &Grouper{
		groups:  make(map[string]*entry),
		drained: make(map[string]struct{}),
	}
}

func (g *Grouper) Absorb(records []model.RawRecord) AbsorbResult {
	g.round++
	var res AbsorbResult
	for _, r := range records {
		ref := strings.TrimSpace(r.InvoiceNo)
		if ref == "" {
			res.Blank++
			continue
		}
		if _, done := g.drained[ref]; done {
			res.Late++
			continue
		}
		e, ok := g.groups[ref]
		if !ok {
			e = &entry{}
			g.groups[ref] = e
			g.order = append(g.order, ref)
		}
		e.records = append(e.records, r)
		e.lastSeen = g.round
		res.Accepted++
	}
	return res
}

func (g *Grouper) Len() int { return len(g.order) }

// DrainReady removes and returns the first threshold groups once at least
// that many are held. It returns nil otherwise.
func (g *Grouper) DrainReady(threshold int) []Group {
	if threshold <= 0 || len(g.order) < threshold {
		return nil
	}
	return g.take(threshold, func(*entry) bool { return true })
}

// DrainSettled is DrainReady restricted to groups the latest Absorb call did
// not touch. It only drains once threshold settled groups exist.
func (g *Grouper) DrainSettled(threshold int) []Group {
	if threshold <= 0 {
		return nil
	}
	settled := 0
	for _, ref := range g.order {
		if g.groups[ref].lastSeen < g.round {
			settled++
		}
	}
	if settled < threshold {
		return nil
	}
	return g.take(threshold, func(e *entry) bool { return e.lastSeen < g.round })
}

func (g *Grouper) DrainAll() []Group {
	return g.take(len(g.order), func(*entry) bool { return true })
}

func (g *Grouper) take(n int, eligible func(*entry) bool) []Group {
	out := make([]Group, 0, n)
	keep := g.order[:0]
	for _, ref := range g.order {
		e := g.groups[ref]
		if len(out) < n && eligible(e) {
			out = append(out, Group{Ref: ref, Records: e.records})
			delete(g.groups, ref)
			g.drained[ref] = struct{}{}
			continue
		}
		keep = append(keep, ref)
	}
	g.order = keep
	return out
}
