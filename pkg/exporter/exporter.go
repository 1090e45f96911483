package exporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/metrics"
	"github.com/stleox/seespan/pkg/span"
	"github.com/zoobzio/clockz"
)

// Exporter correlates span lifecycle events into a span tree and drives a
// Backend with it.
//
// Batches may be delivered concurrently. Each batch is processed atomically
// with respect to other batches and to strip policy changes: the table and
// the strip policy share one lock, held while the batch's events are applied
// and its spans started. Finish calls are issued in event order right after
// the lock is released, so a slow backend finish does not stall other
// producers.
type Exporter struct {
	mu    sync.Mutex
	table map[span.ID]*activeSpan
	strip *StripPolicy

	// ended remembers recently closed ids, only to tell a repeated End from
	// an End that never had a Start.
	ended *lru.Cache[span.ID, time.Time]

	backend          Backend
	contexts         *ContextResolver
	ignoreActiveSpan bool

	baseCtx    context.Context
	contextTTL time.Duration
	clock      clockz.Clock
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	sink       Sink
}

type Option func(*Exporter)

// WithIgnoreActiveSpan controls whether effectively-top spans ignore the span
// active in the thread's context. Defaults to true.
func WithIgnoreActiveSpan(ignore bool) Option {
	return func(e *Exporter) { e.ignoreActiveSpan = ignore }
}

// WithStripPolicy hands an initial strip policy to the exporter.
func WithStripPolicy(p *StripPolicy) Option {
	return func(e *Exporter) { e.strip = p }
}

// WithBaseContext sets the context every per-thread context derives from.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Exporter) { e.baseCtx = ctx }
}

func WithContextTTL(ttl time.Duration) Option {
	return func(e *Exporter) { e.contextTTL = ttl }
}

func WithClock(clock clockz.Clock) Option {
	return func(e *Exporter) { e.clock = clock }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Exporter) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

func WithSink(s Sink) Option {
	return func(e *Exporter) { e.sink = s }
}

func New(backend Backend, opts ...Option) *Exporter {
	e := &Exporter{
		table:            make(map[span.ID]*activeSpan),
		backend:          backend,
		ignoreActiveSpan: true,
		baseCtx:          context.Background(),
		contextTTL:       config.ContextTTL,
		clock:            clockz.RealClock,
		log:              logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strip == nil {
		e.strip = NewStripPolicy()
	}
	// lru.New only fails for a non-positive size
	e.ended, _ = lru.New[span.ID, time.Time](max(config.MaxNumEndedSpan, 1))
	e.contexts = NewContextResolver(e.baseCtx, e.contextTTL, e.clock)
	return e
}

// pendingFinish is a finish call decided under the lock and issued after it.
type pendingFinish struct {
	start  *span.Span
	end    *span.Span
	handle Handle
}

// Export processes one batch of span events.
func (e *Exporter) Export(spans []*span.Span) {
	e.mu.Lock()
	pending := e.applyLocked(spans)
	e.mu.Unlock()

	for _, f := range pending {
		e.finish(f)
	}
}

// SetStripLevels makes the exporter skip the topmost count levels of spans
// matching opts. A count of 0 removes the rule. Spans already open keep the
// decision made when they started.
func (e *Exporter) SetStripLevels(count int, opts ...StripOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strip.Set(count, opts...)
}

// FlushOpenSpans ends every open span at the current time, deepest spans
// first, and returns how many entries were closed.
func (e *Exporter) FlushOpenSpans() int {
	now := e.clock.Now()

	e.mu.Lock()
	entries := e.openEntriesDeepestFirst()
	ends := make([]*span.Span, 0, len(entries))
	for _, entry := range entries {
		ends = append(ends, entry.span.AsEnd(now))
	}
	pending := e.applyLocked(ends)
	e.mu.Unlock()

	for _, f := range pending {
		e.finish(f)
	}
	if len(ends) > 0 {
		e.log.WithField("count", len(ends)).Info("SeeSpan flushed open spans")
	}
	return len(ends)
}

// OpenSpans is the size of the active span table.
func (e *Exporter) OpenSpans() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

// LiveContexts is the number of unexpired per-thread contexts.
func (e *Exporter) LiveContexts() int {
	return e.contexts.Len()
}

func (e *Exporter) applyLocked(spans []*span.Span) []pendingFinish {
	pending := make([]pendingFinish, 0)
	for _, s := range spans {
		if s == nil {
			continue
		}
		switch s.Lifetime {
		case span.Start:
			e.log.WithFields(spanFields(s)).Debug("processing start span")
			e.onStart(s)
		case span.End:
			e.log.WithFields(spanFields(s)).Debug("processing end span")
			if f, ok := e.onEnd(s); ok {
				pending = append(pending, f)
			}
		default:
			e.log.WithFields(spanFields(s)).Warnf("SeeSpan met unsupported span lifetime: %s", s.Lifetime)
		}
	}
	e.metrics.SetOpenSpans(len(e.table))
	return pending
}

func (e *Exporter) onStart(s *span.Span) {
	log := e.log.WithFields(spanFields(s))

	if _, open := e.table[s.ID]; open {
		log.Debug("SeeSpan dropped duplicate start span")
		e.metrics.CountEvent(metrics.OutcomeDuplicate)
		return
	}
	if !s.IsTop {
		if _, open := e.table[s.ParentID]; !open {
			log.Warnf("SeeSpan couldn't find parent span #%d", s.ParentID)
			e.metrics.CountEvent(metrics.OutcomeParentNotFound)
			return
		}
	}
	e.ended.Remove(s.ID)

	if e.shouldStrip(s) {
		e.table[s.ID] = &activeSpan{span: s, state: strippedSpan{}}
		log.Debug("started span as stripped")
		e.metrics.CountEvent(metrics.OutcomeStripped)
		return
	}

	ctx := e.contexts.Resolve(s.Origin())
	tags := tagsOf(s)
	var h Handle
	err := e.callBackend(func() (err error) {
		if e.isEffectivelyTop(s) {
			log.Debug("top span")
			h, err = e.backend.StartRootSpan(ctx, s.SymbolicName, s.Timestamp, tags, e.ignoreActiveSpan)
			return err
		}
		parent, _ := e.nearestExported(s)
		h, err = e.backend.StartChildSpan(ctx, s.SymbolicName, s.Timestamp, tags, parent)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("SeeSpan couldn't start span on the tracer backend")
		e.metrics.CountBackendError("start")
		e.table[s.ID] = &activeSpan{span: s, state: failedSpan{}}
		return
	}

	e.table[s.ID] = &activeSpan{span: s, state: exportedSpan{h: h}}
	log.Debug("started span")
	e.metrics.CountEvent(metrics.OutcomeStarted)
}

func (e *Exporter) onEnd(s *span.Span) (pendingFinish, bool) {
	log := e.log.WithFields(spanFields(s))

	entry, open := e.table[s.ID]
	if !open {
		if _, ended := e.ended.Get(s.ID); ended {
			log.Warn("SeeSpan dropped end of an already ended span")
		} else {
			log.Warn("SeeSpan couldn't find span to end")
		}
		e.metrics.CountEvent(metrics.OutcomeUnknownEnd)
		return pendingFinish{}, false
	}
	delete(e.table, s.ID)
	e.ended.Add(s.ID, s.Timestamp)

	h, exported := entry.state.handle()
	if !exported {
		if entry.stripped() {
			log.Debug("span is stripped, skipping ending it")
		}
		return pendingFinish{}, false
	}
	log.WithField("duration", s.Timestamp.Sub(entry.span.Timestamp)).Debug("ending span")
	return pendingFinish{start: entry.span, end: s, handle: h}, true
}

// finish runs without the exporter lock.
func (e *Exporter) finish(f pendingFinish) {
	ctx := e.contexts.Resolve(f.end.Origin())
	err := e.callBackend(func() error {
		return e.backend.FinishSpan(ctx, f.handle, f.end.Timestamp)
	})
	if err != nil {
		e.log.WithFields(spanFields(f.end)).WithError(err).Warn("SeeSpan couldn't finish span on the tracer backend")
		e.metrics.CountBackendError("finish")
		return
	}
	e.metrics.CountEvent(metrics.OutcomeFinished)
	if e.sink != nil {
		e.sink.Record(FinishedSpan{Start: f.start, End: f.end})
	}
}

// callBackend turns a backend panic into an error; the table is already
// consistent whatever the backend does.
func (e *Exporter) callBackend(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tracer backend panicked: %v", rec)
		}
	}()
	return fn()
}

func spanFields(s *span.Span) logrus.Fields {
	fields := logrus.Fields{
		"span_id": s.ID,
		"name":    s.SymbolicName,
		"pid":     s.ProcessID,
		"tid":     s.ThreadID,
	}
	if !s.IsTop {
		fields["parent_id"] = s.ParentID
	}
	return fields
}
