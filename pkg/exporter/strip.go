package exporter

import (
	"errors"
	"fmt"

	"github.com/stleox/seespan/pkg/span"
)

var ErrInvalidStripLevels = errors.New("strip levels must not be negative")

type stripKey struct {
	processID uint64
	threadID  uint64
	anyProc   bool
	anyThread bool
}

func (k stripKey) String() string {
	proc, thread := "*", "*"
	if !k.anyProc {
		proc = fmt.Sprint(k.processID)
	}
	if !k.anyThread {
		thread = fmt.Sprint(k.threadID)
	}
	return proc + "/" + thread
}

// StripOption narrows a strip rule to a process and/or thread. Without
// options a rule matches every origin.
type StripOption func(*stripKey)

func ForProcess(pid uint64) StripOption {
	return func(k *stripKey) {
		k.processID = pid
		k.anyProc = false
	}
}

func ForThread(tid uint64) StripOption {
	return func(k *stripKey) {
		k.threadID = tid
		k.anyThread = false
	}
}

// StripPolicy maps (process or wildcard, thread or wildcard) to the number of
// topmost nesting levels that are not exported.
// Not safe for concurrent use; once handed to an Exporter, change it through
// Exporter.SetStripLevels.
type StripPolicy struct {
	rules map[stripKey]int
}

func NewStripPolicy() *StripPolicy {
	return &StripPolicy{rules: make(map[stripKey]int)}
}

// Set installs a rule stripping count levels, or removes it when count is 0.
func (p *StripPolicy) Set(count int, opts ...StripOption) error {
	if count < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidStripLevels, count)
	}
	key := stripKey{anyProc: true, anyThread: true}
	for _, opt := range opts {
		opt(&key)
	}
	if count == 0 {
		delete(p.rules, key)
		return nil
	}
	p.rules[key] = count
	return nil
}

// Lookup returns the levels of the most specific rule matching o: exact
// (process, thread) first, then process only, thread only and the global rule.
func (p *StripPolicy) Lookup(o span.Origin) (int, bool) {
	for _, key := range []stripKey{
		{processID: o.ProcessID, threadID: o.ThreadID},
		{processID: o.ProcessID, anyThread: true},
		{threadID: o.ThreadID, anyProc: true},
		{anyProc: true, anyThread: true},
	} {
		if levels, ok := p.rules[key]; ok {
			return levels, true
		}
	}
	return 0, false
}

func (p *StripPolicy) Len() int {
	return len(p.rules)
}
