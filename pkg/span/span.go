package span

import (
	"fmt"
	"time"
)

// ID identifies one span occurrence inside a process. It is not reused while
// the span is open.
type ID uint64

// Lifetime tells whether an event opens or closes a span.
type Lifetime int

const (
	Start Lifetime = iota
	End
)

func (l Lifetime) String() string {
	switch l {
	case Start:
		return "Start"
	case End:
		return "End"
	default:
		return fmt.Sprintf("Lifetime(%d)", int(l))
	}
}

// Origin is the (process, thread) pair a sampled activity came from.
type Origin struct {
	ProcessID uint64
	ThreadID  uint64
}

func (o Origin) String() string {
	return fmt.Sprintf("%d/%d", o.ProcessID, o.ThreadID)
}

// Span is one lifecycle event produced by the aggregator. Immutable once received.
type Span struct {
	ID       ID       `json:"id"`
	ParentID ID       `json:"parent_id"` // 仅当 IsTop 为 false 时有意义
	IsTop    bool     `json:"is_top"`
	Lifetime Lifetime `json:"lifetime"`

	Timestamp time.Time `json:"timestamp"`

	ProcessID uint64 `json:"process_id"`
	ThreadID  uint64 `json:"thread_id"`

	// 描述性字段，作为 tag 导出
	CorrelationID string `json:"correlation_id,omitempty"`
	SymbolicName  string `json:"symbolic_name"`
	Hostname      string `json:"hostname"`
	FileName      string `json:"file_name"`
	LineNumber    int    `json:"line_number"`
	IsCoroutine   bool   `json:"is_coroutine"`
	IsGenerator   bool   `json:"is_generator"`
}

func (s *Span) Origin() Origin {
	return Origin{ProcessID: s.ProcessID, ThreadID: s.ThreadID}
}

// AsEnd returns a copy of s closing the span at ts.
func (s *Span) AsEnd(ts time.Time) *Span {
	end := *s
	end.Lifetime = End
	end.Timestamp = ts
	return &end
}
