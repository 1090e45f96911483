package exporter

import (
	"iter"
	"sort"

	"github.com/stleox/seespan/pkg/span"
)

// entryState is either exportedSpan, strippedSpan or failedSpan.
type entryState interface {
	handle() (Handle, bool)
}

// exportedSpan was started on the backend.
type exportedSpan struct {
	h Handle
}

func (s exportedSpan) handle() (Handle, bool) { return s.h, true }

// strippedSpan was suppressed by the strip policy. It stays in the table so
// that its descendants can still resolve their ancestor chain.
type strippedSpan struct{}

func (strippedSpan) handle() (Handle, bool) { return nil, false }

// failedSpan is a span the backend refused to start. Descendants treat it
// like a stripped ancestor.
type failedSpan struct{}

func (failedSpan) handle() (Handle, bool) { return nil, false }

// activeSpan is one entry of the active span table. Fixed at creation.
type activeSpan struct {
	span  *span.Span
	state entryState
}

func (a *activeSpan) stripped() bool {
	_, ok := a.state.(strippedSpan)
	return ok
}

// ancestorsOf lazily walks parent links through the table, nearest ancestor
// first. The walk ends at a top span or a parent that is not open, and never
// takes more steps than there are entries, so a cyclic chain cannot hang it.
// Caller must hold the exporter lock for the whole iteration.
func (e *Exporter) ancestorsOf(s *span.Span) iter.Seq[*activeSpan] {
	return func(yield func(*activeSpan) bool) {
		cur := s
		for steps := 0; steps < len(e.table); steps++ {
			if cur.IsTop {
				return
			}
			parent, ok := e.table[cur.ParentID]
			if !ok {
				return
			}
			if !yield(parent) {
				return
			}
			cur = parent.span
		}
	}
}

func (e *Exporter) depthOf(s *span.Span) int {
	n := 0
	for range e.ancestorsOf(s) {
		n++
	}
	return n
}

// shouldStrip applies the most specific strip rule for the span's origin to
// its nesting level (1 for a top span).
func (e *Exporter) shouldStrip(s *span.Span) bool {
	levels, ok := e.strip.Lookup(s.Origin())
	if !ok {
		return false
	}
	return e.depthOf(s)+1 <= levels
}

// isEffectivelyTop reports whether no ancestor of s was exported, i.e. s is
// what the backend will see as the top of the trace.
func (e *Exporter) isEffectivelyTop(s *span.Span) bool {
	_, found := e.nearestExported(s)
	return !found
}

// nearestExported returns the backend handle of the closest exported ancestor.
func (e *Exporter) nearestExported(s *span.Span) (Handle, bool) {
	for a := range e.ancestorsOf(s) {
		if h, ok := a.state.handle(); ok {
			return h, true
		}
	}
	return nil, false
}

// openEntriesDeepestFirst orders the table so that children come before
// their parents; ties are broken by later start first.
func (e *Exporter) openEntriesDeepestFirst() []*activeSpan {
	type ranked struct {
		entry *activeSpan
		depth int
	}
	all := make([]ranked, 0, len(e.table))
	for _, entry := range e.table {
		all = append(all, ranked{entry: entry, depth: e.depthOf(entry.span)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].depth != all[j].depth {
			return all[i].depth > all[j].depth
		}
		if !all[i].entry.span.Timestamp.Equal(all[j].entry.span.Timestamp) {
			return all[i].entry.span.Timestamp.After(all[j].entry.span.Timestamp)
		}
		return all[i].entry.span.ID > all[j].entry.span.ID
	})
	entries := make([]*activeSpan, len(all))
	for i, rk := range all {
		entries[i] = rk.entry
	}
	return entries
}
