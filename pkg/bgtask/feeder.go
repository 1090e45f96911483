package bgtask

import (
	"sync"
	"time"

	"github.com/stleox/seespan/pkg/span"
	"github.com/zeromicro/go-zero/core/executors"
)

type spanExporter interface {
	Export(spans []*span.Span)
}

// Feeder groups span events into batches and hands them to the exporter,
// either when a batch is full or when the interval elapses.
type Feeder struct {
	executor  *executors.PeriodicalExecutor
	container *spanContainer
}

func NewFeeder(e spanExporter, size int, interval time.Duration) *Feeder {
	container := newSpanContainer(e, size)
	return &Feeder{
		executor:  executors.NewPeriodicalExecutor(interval, container),
		container: container,
	}
}

func (f *Feeder) Add(s *span.Span) {
	if s == nil {
		return
	}
	f.executor.Add(s)
}

// Flush exports what is buffered and returns once every batch taken so far
// went through the exporter.
func (f *Feeder) Flush() {
	f.executor.Flush()
	f.executor.Wait()
}

// spanContainer implements executors.TaskContainer. AddTask and RemoveAll
// run under the executor's lock and move full batches to a FIFO. Execute may
// run on the background goroutine and on a flushing caller at once; whoever
// holds muExec exports every queued batch in order, so no call waits for a
// batch that only another goroutine can run.
type spanContainer struct {
	exporter spanExporter
	size     int
	spans    []*span.Span

	muQueue sync.Mutex
	queue   [][]*span.Span

	muExec sync.Mutex
}

func newSpanContainer(e spanExporter, size int) *spanContainer {
	if size <= 0 {
		size = 1
	}
	return &spanContainer{
		exporter: e,
		size:     size,
	}
}

func (c *spanContainer) AddTask(task any) bool {
	c.spans = append(c.spans, task.(*span.Span))
	return len(c.spans) >= c.size
}

func (c *spanContainer) Execute(_ any) {
	c.muExec.Lock()
	defer c.muExec.Unlock()
	for {
		batch, ok := c.pop()
		if !ok {
			return
		}
		c.exporter.Export(batch)
	}
}

// RemoveAll queues the pending spans. The returned count only tells the
// executor whether to call Execute.
func (c *spanContainer) RemoveAll() any {
	n := len(c.spans)
	if n == 0 {
		return nil
	}
	c.muQueue.Lock()
	c.queue = append(c.queue, c.spans)
	c.muQueue.Unlock()
	c.spans = nil
	return n
}

func (c *spanContainer) pop() ([]*span.Span, bool) {
	c.muQueue.Lock()
	defer c.muQueue.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	batch := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return batch, true
}
