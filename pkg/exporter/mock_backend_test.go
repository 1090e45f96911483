package exporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stleox/seespan/pkg/span"
)

// mockHandle is what mockBackend hands out for every started span.
type mockHandle struct {
	id           int
	name         string
	parent       *mockHandle
	root         bool
	ignoreActive bool
	tags         Tags
	start        time.Time
	startCtx     context.Context
}

type mockCall struct {
	op     string // "root", "child", "finish"
	handle *mockHandle
	at     time.Time
	ctx    context.Context
}

type mockBackend struct {
	mu      sync.Mutex
	nextID  int
	calls   []mockCall
	handles []*mockHandle

	failStart   map[string]bool
	failFinish  map[string]bool
	panicFinish bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		failStart:  make(map[string]bool),
		failFinish: make(map[string]bool),
	}
}

func (b *mockBackend) start(ctx context.Context, op, name string, start time.Time, tags Tags, parent *mockHandle, ignore bool) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStart[name] {
		return nil, errors.New("start refused")
	}
	b.nextID++
	h := &mockHandle{
		id:           b.nextID,
		name:         name,
		parent:       parent,
		root:         op == "root",
		ignoreActive: ignore,
		tags:         tags,
		start:        start,
		startCtx:     ctx,
	}
	b.handles = append(b.handles, h)
	b.calls = append(b.calls, mockCall{op: op, handle: h, at: start, ctx: ctx})
	return h, nil
}

func (b *mockBackend) StartRootSpan(ctx context.Context, name string, start time.Time, tags Tags, ignoreActive bool) (Handle, error) {
	return b.start(ctx, "root", name, start, tags, nil, ignoreActive)
}

func (b *mockBackend) StartChildSpan(ctx context.Context, name string, start time.Time, tags Tags, parent Handle) (Handle, error) {
	return b.start(ctx, "child", name, start, tags, parent.(*mockHandle), false)
}

func (b *mockBackend) FinishSpan(ctx context.Context, h Handle, finish time.Time) error {
	if b.panicFinish {
		panic("backend exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mh := h.(*mockHandle)
	if b.failFinish[mh.name] {
		return errors.New("finish refused")
	}
	b.calls = append(b.calls, mockCall{op: "finish", handle: mh, at: finish, ctx: ctx})
	return nil
}

func (b *mockBackend) ops(op string) []mockCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]mockCall, 0)
	for _, c := range b.calls {
		if c.op == op {
			res = append(res, c)
		}
	}
	return res
}

func (b *mockBackend) started() []mockCall {
	return append(b.ops("root"), b.ops("child")...)
}

func (b *mockBackend) byName(name string) *mockHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handles {
		if h.name == name {
			return h
		}
	}
	return nil
}

func (b *mockBackend) finishedNames() []string {
	names := make([]string, 0)
	for _, c := range b.ops("finish") {
		names = append(names, c.handle.name)
	}
	return names
}

type mockSink struct {
	mu       sync.Mutex
	finished []FinishedSpan
}

func (s *mockSink) Record(f FinishedSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, f)
}

func mockLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func warnings(hook *test.Hook) []string {
	msgs := make([]string, 0)
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			msgs = append(msgs, entry.Message)
		}
	}
	return msgs
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	pid = 100
	tid = 200
)

func at(sec int) time.Time {
	return baseTime.Add(time.Duration(sec) * time.Second)
}

func mockStartTop(id span.ID, name string, sec int) *span.Span {
	return &span.Span{
		ID:           id,
		IsTop:        true,
		Lifetime:     span.Start,
		Timestamp:    at(sec),
		ProcessID:    pid,
		ThreadID:     tid,
		SymbolicName: name,
		Hostname:     "host-a",
		FileName:     "app.py",
		LineNumber:   int(id),
	}
}

func mockStartChild(id, parent span.ID, name string, sec int) *span.Span {
	s := mockStartTop(id, name, sec)
	s.IsTop = false
	s.ParentID = parent
	return s
}

func mockEnd(start *span.Span, sec int) *span.Span {
	return start.AsEnd(at(sec))
}

func onThread(s *span.Span, p, t uint64) *span.Span {
	s.ProcessID = p
	s.ThreadID = t
	return s
}
