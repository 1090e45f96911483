package exporter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/metrics"
	"github.com/stleox/seespan/pkg/span"
	r "github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func mockNewExporter(opts ...Option) (*Exporter, *mockBackend) {
	b := newMockBackend()
	log, _ := mockLogger()
	opts = append([]Option{WithLogger(log)}, opts...)
	return New(b, opts...), b
}

func TestExporter_RequestWithQuery(t *testing.T) {
	e, b := mockNewExporter()

	req := mockStartTop(1, "req", 0)
	db := mockStartChild(2, 1, "db", 1)
	e.Export([]*span.Span{req, db, mockEnd(db, 2), mockEnd(req, 3)})

	r.Len(t, b.started(), 2)
	r.Equal(t, []string{"db", "req"}, b.finishedNames())

	reqH, dbH := b.byName("req"), b.byName("db")
	r.True(t, reqH.root)
	r.True(t, reqH.ignoreActive)
	r.False(t, dbH.root)
	r.Same(t, reqH, dbH.parent)

	finishes := b.ops("finish")
	r.Equal(t, at(2), finishes[0].at)
	r.Equal(t, at(3), finishes[1].at)
	r.Equal(t, 0, e.OpenSpans())
}

func TestExporter_Tags(t *testing.T) {
	e, b := mockNewExporter()
	s := mockStartTop(7, "work", 0)
	s.IsCoroutine = true
	s.CorrelationID = "c-1"
	e.Export([]*span.Span{s})

	tags := b.byName("work").tags
	r.Equal(t, "host-a", tags[TagHostname])
	r.Equal(t, uint64(pid), tags[TagProcessID])
	r.Equal(t, uint64(tid), tags[TagThreadID])
	r.Equal(t, "app.py", tags[TagFileName])
	r.Equal(t, 7, tags[TagLineNumber])
	r.Equal(t, true, tags[TagIsCoroutine])
	r.Equal(t, false, tags[TagIsGenerator])
	r.Equal(t, "c-1", tags[TagCorrelationID])
}

func TestExporter_ChildOfParentRegardlessOfInterleaving(t *testing.T) {
	e, b := mockNewExporter()

	a := mockStartTop(1, "a", 0)
	x := onThread(mockStartTop(10, "x", 0), 1, 1)
	y := onThread(mockStartChild(11, 10, "y", 1), 1, 1)
	child := mockStartChild(2, 1, "b", 2)
	e.Export([]*span.Span{a, x, y, mockEnd(y, 2), child, mockEnd(x, 3)})

	r.Same(t, b.byName("a"), b.byName("b").parent)
	r.Same(t, b.byName("x"), b.byName("y").parent)
}

func TestExporter_BatchesSplitAnywhere(t *testing.T) {
	e, b := mockNewExporter()
	req := mockStartTop(1, "req", 0)
	db := mockStartChild(2, 1, "db", 1)

	e.Export([]*span.Span{req})
	e.Export([]*span.Span{db})
	r.Equal(t, 2, e.OpenSpans())
	e.Export([]*span.Span{mockEnd(db, 2)})
	e.Export([]*span.Span{mockEnd(req, 3)})

	r.Same(t, b.byName("req"), b.byName("db").parent)
	r.Equal(t, []string{"db", "req"}, b.finishedNames())
}

func TestExporter_DoubleEndIsIdempotent(t *testing.T) {
	b := newMockBackend()
	log, hook := mockLogger()
	e := New(b, WithLogger(log))
	s := mockStartTop(1, "req", 0)
	e.Export([]*span.Span{s, mockEnd(s, 1)})
	r.Empty(t, warnings(hook))
	e.Export([]*span.Span{mockEnd(s, 2)})

	r.Len(t, b.ops("finish"), 1)
	r.Equal(t, at(1), b.ops("finish")[0].at)
	r.Equal(t, []string{"SeeSpan dropped end of an already ended span"}, warnings(hook))
}

func TestExporter_EndBeforeStart(t *testing.T) {
	b := newMockBackend()
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	s := mockStartTop(1, "req", 0)
	e.Export([]*span.Span{mockEnd(s, 1)})
	r.Empty(t, b.calls)
	r.Contains(t, warnings(hook), "SeeSpan couldn't find span to end")

	e.Export([]*span.Span{s})
	r.Equal(t, 1, e.OpenSpans())
	r.Len(t, b.ops("root"), 1)
	r.Empty(t, b.ops("finish"))

	// the leaked entry is resolved by the next matching End
	e.Export([]*span.Span{mockEnd(s, 2)})
	r.Equal(t, 0, e.OpenSpans())
	r.Len(t, b.ops("finish"), 1)
}

func TestExporter_DuplicateStartIsDropped(t *testing.T) {
	e, b := mockNewExporter()
	first := mockStartTop(1, "first", 0)
	dup := mockStartTop(1, "dup", 1)
	e.Export([]*span.Span{first, dup})

	r.Len(t, b.started(), 1)
	r.NotNil(t, b.byName("first"))
	r.Nil(t, b.byName("dup"))

	e.Export([]*span.Span{mockEnd(first, 2)})
	r.Equal(t, []string{"first"}, b.finishedNames())
}

func TestExporter_ParentNotFound(t *testing.T) {
	b := newMockBackend()
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	orphan := mockStartChild(2, 99, "orphan", 0)
	next := mockStartTop(3, "next", 0)
	e.Export([]*span.Span{orphan, next, mockEnd(orphan, 1)})

	r.Contains(t, warnings(hook), "SeeSpan couldn't find parent span #99")
	r.Nil(t, b.byName("orphan"))
	// the rest of the batch is unaffected
	r.NotNil(t, b.byName("next"))
	r.Equal(t, 1, e.OpenSpans())
	r.Empty(t, b.ops("finish"))
}

func TestExporter_ParentNotFoundEvenIfStripped(t *testing.T) {
	e, b := mockNewExporter()
	r.NoError(t, e.SetStripLevels(5))
	e.Export([]*span.Span{mockStartChild(2, 99, "orphan", 0)})
	r.Equal(t, 0, e.OpenSpans())
	r.Empty(t, b.calls)
}

func TestExporter_GlobalStripOneLevel(t *testing.T) {
	e, b := mockNewExporter()
	r.NoError(t, e.SetStripLevels(1))

	top := mockStartTop(1, "loop", 0)
	e.Export([]*span.Span{top})
	r.Empty(t, b.calls)
	r.Equal(t, 1, e.OpenSpans())

	child := mockStartChild(2, 1, "handler", 1)
	grandchild := mockStartChild(3, 2, "query", 2)
	e.Export([]*span.Span{child, grandchild})

	h := b.byName("handler")
	r.True(t, h.root)
	r.True(t, h.ignoreActive)
	r.Same(t, h, b.byName("query").parent)

	e.Export([]*span.Span{mockEnd(grandchild, 3), mockEnd(child, 4), mockEnd(top, 5)})
	r.Equal(t, []string{"query", "handler"}, b.finishedNames())
	r.Equal(t, 0, e.OpenSpans())
}

func TestExporter_StripTopmostLevels(t *testing.T) {
	for n := 1; n <= 3; n++ {
		t.Run(fmt.Sprintf("strip %d", n), func(t *testing.T) {
			e, b := mockNewExporter()
			r.NoError(t, e.SetStripLevels(n, ForProcess(pid), ForThread(tid)))

			chain := []*span.Span{mockStartTop(1, "l1", 0)}
			for i := 2; i <= 5; i++ {
				chain = append(chain, mockStartChild(span.ID(i), span.ID(i-1), fmt.Sprintf("l%d", i), i))
			}
			e.Export(chain)

			for i := 1; i <= n; i++ {
				r.Nil(t, b.byName(fmt.Sprintf("l%d", i)))
			}
			newTop := b.byName(fmt.Sprintf("l%d", n+1))
			r.True(t, newTop.root)
			r.True(t, newTop.ignoreActive)
			r.Len(t, b.started(), 5-n)

			ends := make([]*span.Span, 0)
			for i := len(chain) - 1; i >= 0; i-- {
				ends = append(ends, mockEnd(chain[i], 10))
			}
			e.Export(ends)
			r.Len(t, b.ops("finish"), 5-n)
		})
	}
}

func TestExporter_StripOnlyMatchingOrigin(t *testing.T) {
	e, b := mockNewExporter()
	r.NoError(t, e.SetStripLevels(1, ForProcess(pid), ForThread(tid)))

	e.Export([]*span.Span{
		mockStartTop(1, "stripped", 0),
		onThread(mockStartTop(2, "other-thread", 0), pid, tid+1),
	})
	r.Nil(t, b.byName("stripped"))
	r.NotNil(t, b.byName("other-thread"))
}

func TestExporter_StripWildcardPrecedence(t *testing.T) {
	depthOf := func(e *Exporter, b *mockBackend) int {
		// first exported level of a 4-level chain on pid/tid
		e.Export([]*span.Span{
			mockStartTop(1, "l1", 0),
			mockStartChild(2, 1, "l2", 1),
			mockStartChild(3, 2, "l3", 2),
			mockStartChild(4, 3, "l4", 3),
		})
		for i := 1; i <= 4; i++ {
			if h := b.byName(fmt.Sprintf("l%d", i)); h != nil {
				return i
			}
		}
		return 0
	}

	tests := []struct {
		name  string
		rules func(e *Exporter)
		want  int
	}{
		{"global", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(3))
		}, 4},
		{"thread over global", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(3))
			r.NoError(t, e.SetStripLevels(2, ForThread(tid)))
		}, 3},
		{"process over thread", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(3))
			r.NoError(t, e.SetStripLevels(2, ForThread(tid)))
			r.NoError(t, e.SetStripLevels(1, ForProcess(pid)))
		}, 2},
		{"exact over process", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(1, ForProcess(pid)))
			r.NoError(t, e.SetStripLevels(3, ForProcess(pid), ForThread(tid)))
		}, 4},
		{"exact lower than global", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(3))
			r.NoError(t, e.SetStripLevels(1, ForProcess(pid), ForThread(tid)))
		}, 2},
		{"removed rule", func(e *Exporter) {
			r.NoError(t, e.SetStripLevels(2))
			r.NoError(t, e.SetStripLevels(0))
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, b := mockNewExporter()
			tt.rules(e)
			r.Equal(t, tt.want, depthOf(e, b))
		})
	}
}

func TestExporter_StripDecisionFixedAtStart(t *testing.T) {
	e, b := mockNewExporter()
	top := mockStartTop(1, "top", 0)
	e.Export([]*span.Span{top})
	r.Len(t, b.started(), 1)

	// a rule set later doesn't retroactively strip the open span
	r.NoError(t, e.SetStripLevels(1))
	e.Export([]*span.Span{mockEnd(top, 1)})
	r.Equal(t, []string{"top"}, b.finishedNames())

	// and removing it doesn't un-strip spans started under it
	stripped := mockStartTop(2, "stripped", 2)
	e.Export([]*span.Span{stripped})
	r.NoError(t, e.SetStripLevels(0))
	e.Export([]*span.Span{mockEnd(stripped, 3)})
	r.Equal(t, []string{"top"}, b.finishedNames())
}

func TestExporter_StripNegativeRejected(t *testing.T) {
	e, _ := mockNewExporter()
	r.ErrorIs(t, e.SetStripLevels(-1), ErrInvalidStripLevels)
}

func TestExporter_ChildOfNearestExportedAncestor(t *testing.T) {
	e, b := mockNewExporter()
	top := mockStartTop(1, "top", 0)
	e.Export([]*span.Span{top})

	// rule appears after "top" started: "mid" is stripped but "top" is not
	r.NoError(t, e.SetStripLevels(2))
	e.Export([]*span.Span{mockStartChild(2, 1, "mid", 1), mockStartChild(3, 2, "leaf", 2)})

	r.Nil(t, b.byName("mid"))
	leaf := b.byName("leaf")
	r.False(t, leaf.root)
	r.Same(t, b.byName("top"), leaf.parent)
}

func TestExporter_IgnoreActiveSpanDisabled(t *testing.T) {
	e, b := mockNewExporter(WithIgnoreActiveSpan(false))
	e.Export([]*span.Span{mockStartTop(1, "req", 0)})
	r.False(t, b.byName("req").ignoreActive)
}

func TestExporter_StartFailure(t *testing.T) {
	b := newMockBackend()
	b.failStart["broken"] = true
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	broken := mockStartTop(1, "broken", 0)
	child := mockStartChild(2, 1, "child", 1)
	e.Export([]*span.Span{broken, child})

	r.Contains(t, warnings(hook), "SeeSpan couldn't start span on the tracer backend")
	r.Equal(t, 2, e.OpenSpans())
	// the child is promoted rather than lost
	r.True(t, b.byName("child").root)

	e.Export([]*span.Span{mockEnd(child, 2), mockEnd(broken, 3)})
	r.Equal(t, []string{"child"}, b.finishedNames())
	r.Equal(t, 0, e.OpenSpans())
}

func TestExporter_FinishFailureIsIsolated(t *testing.T) {
	b := newMockBackend()
	b.failFinish["bad"] = true
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	bad := mockStartTop(1, "bad", 0)
	good := mockStartTop(2, "good", 0)
	e.Export([]*span.Span{bad, good, mockEnd(bad, 1), mockEnd(good, 2)})

	r.Contains(t, warnings(hook), "SeeSpan couldn't finish span on the tracer backend")
	r.Equal(t, []string{"good"}, b.finishedNames())
	r.Equal(t, 0, e.OpenSpans())
}

func TestExporter_FinishPanicIsRecovered(t *testing.T) {
	b := newMockBackend()
	b.panicFinish = true
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	s := mockStartTop(1, "req", 0)
	r.NotPanics(t, func() {
		e.Export([]*span.Span{s, mockEnd(s, 1)})
	})
	r.Equal(t, 0, e.OpenSpans())
	r.Contains(t, warnings(hook), "SeeSpan couldn't finish span on the tracer backend")
}

func TestExporter_FlushOpenSpans(t *testing.T) {
	clock := clockz.NewFakeClockAt(at(100))
	e, b := mockNewExporter(WithClock(clock))

	e.Export([]*span.Span{
		mockStartTop(1, "a", 0),
		mockStartChild(2, 1, "b", 1),
		mockStartChild(3, 2, "c", 2),
	})
	r.Equal(t, 3, e.FlushOpenSpans())

	r.Equal(t, []string{"c", "b", "a"}, b.finishedNames())
	for _, c := range b.ops("finish") {
		r.Equal(t, at(100), c.at)
	}
	r.Equal(t, 0, e.OpenSpans())
	r.Equal(t, 0, e.FlushOpenSpans())
}

func TestExporter_FlushSkipsStripped(t *testing.T) {
	e, b := mockNewExporter()
	r.NoError(t, e.SetStripLevels(1))
	e.Export([]*span.Span{mockStartTop(1, "a", 0), mockStartChild(2, 1, "b", 1)})

	r.Equal(t, 2, e.FlushOpenSpans())
	r.Equal(t, []string{"b"}, b.finishedNames())
	r.Equal(t, 0, e.OpenSpans())
}

type baseKey struct{}

func TestExporter_ContextAffinity(t *testing.T) {
	base := context.WithValue(context.Background(), baseKey{}, "base")
	e, b := mockNewExporter(WithBaseContext(base))

	a := mockStartTop(1, "a", 0)
	other := onThread(mockStartTop(2, "other", 0), pid, tid+1)
	e.Export([]*span.Span{a, other, mockEnd(a, 1)})

	startCtx := b.byName("a").startCtx
	finishCtx := b.ops("finish")[0].ctx
	r.Same(t, startCtx, finishCtx)
	r.NotSame(t, startCtx, b.byName("other").startCtx)

	o, ok := OriginFromContext(startCtx)
	r.True(t, ok)
	r.Equal(t, span.Origin{ProcessID: pid, ThreadID: tid}, o)
	r.Equal(t, "base", startCtx.Value(baseKey{}))
	r.Equal(t, 2, e.LiveContexts())
}

func TestExporter_Sink(t *testing.T) {
	sink := &mockSink{}
	e, _ := mockNewExporter(WithSink(sink))
	r.NoError(t, e.SetStripLevels(1))

	top := mockStartTop(1, "stripped", 0)
	child := mockStartChild(2, 1, "kept", 1)
	e.Export([]*span.Span{top, child, mockEnd(child, 2), mockEnd(top, 3)})

	r.Len(t, sink.finished, 1)
	r.Equal(t, "kept", sink.finished[0].Start.SymbolicName)
	r.Equal(t, span.End, sink.finished[0].End.Lifetime)
}

func TestExporter_Metrics(t *testing.T) {
	m := metrics.NewMetrics()
	e, _ := mockNewExporter(WithMetrics(m))
	s := mockStartTop(1, "req", 0)
	e.Export([]*span.Span{s, s, mockEnd(s, 1), mockEnd(s, 2)})

	families, err := m.Registry.Gather()
	r.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "seespan_span_events_total" {
			found = true
			r.Len(t, f.GetMetric(), 4) // started, duplicate, finished, unknown_end
		}
	}
	r.True(t, found)
}

func TestExporter_ConcurrentProducers(t *testing.T) {
	e, b := mockNewExporter()
	const producers = 8
	const chains = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for c := 0; c < chains; c++ {
				base := span.ID(p*chains*2 + c*2 + 1)
				top := onThread(mockStartTop(base, fmt.Sprintf("top-%d", base), 0), uint64(p), 1)
				child := onThread(mockStartChild(base+1, base, fmt.Sprintf("child-%d", base+1), 1), uint64(p), 1)
				e.Export([]*span.Span{top, child})
				e.Export([]*span.Span{mockEnd(child, 2), mockEnd(top, 3)})
			}
		}(p)
	}
	wg.Wait()

	r.Equal(t, 0, e.OpenSpans())
	r.Len(t, b.ops("root"), producers*chains)
	r.Len(t, b.ops("child"), producers*chains)
	r.Len(t, b.ops("finish"), producers*chains*2)
	for _, c := range b.ops("child") {
		r.NotNil(t, c.handle.parent)
		r.Equal(t, fmt.Sprintf("top-%d", c.handle.tags[TagLineNumber].(int)-1), c.handle.parent.name)
	}
}

func TestExporter_NilAndUnknownLifetime(t *testing.T) {
	b := newMockBackend()
	log, hook := mockLogger()
	e := New(b, WithLogger(log))

	weird := mockStartTop(1, "weird", 0)
	weird.Lifetime = span.Lifetime(9)
	e.Export([]*span.Span{nil, weird})
	r.Empty(t, b.calls)
	r.Len(t, warnings(hook), 1)
}

func TestExporter_NonPositiveEndedCacheSize(t *testing.T) {
	saved := config.MaxNumEndedSpan
	config.MaxNumEndedSpan = 0
	defer func() { config.MaxNumEndedSpan = saved }()

	e, b := mockNewExporter()
	s := mockStartTop(1, "req", 0)
	r.NotPanics(t, func() {
		e.Export([]*span.Span{s, mockEnd(s, 1)})
		e.Export([]*span.Span{mockEnd(s, 2)})
	})
	r.Len(t, b.ops("finish"), 1)
}

func TestExporter_DefaultContextTTL(t *testing.T) {
	e, _ := mockNewExporter()
	r.Equal(t, 30*time.Second, e.contextTTL)
}
