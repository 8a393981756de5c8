package fetcher

import (
	"time"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

// ProgressFunc receives progress updates. It runs on its own goroutine and
// may be called zero times, e.g. for cached results.
type ProgressFunc func(model.Progress)

// ChannelSink forwards updates to ch and drops them when ch is full.
func ChannelSink(ch chan<- model.Progress) ProgressFunc {
	return func(p model.Progress) {
		select {
		case ch <- p:
		default:
		}
	}
}

const (
	progressQueue = 32
	progressDrain = 250 * time.Millisecond
)

// reporter clamps updates to 0..100, keeps them non-decreasing and hands
// them to fn without ever blocking the caller.
type reporter struct {
	fn   ProgressFunc
	last int
	ch   chan model.Progress
	done chan struct{}
}

func newReporter(fn ProgressFunc) *reporter {
	r := &reporter{fn: fn}
	if fn == nil {
		return r
	}
	r.ch = make(chan model.Progress, progressQueue)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for p := range r.ch {
			r.deliver(p)
		}
	}()
	return r
}

func (r *reporter) deliver(p model.Progress) {
	defer func() { _ = recover() }()
	r.fn(p)
}

func (r *reporter) report(msg string, pct int) {
	pct = max(0, min(100, pct))
	pct = max(pct, r.last)
	r.last = pct
	if r.ch == nil {
		return
	}
	select {
	case r.ch <- model.Progress{Message: msg, Percent: pct}:
	default:
	}
}

// close waits briefly for queued updates to be delivered.
func (r *reporter) close() {
	if r.ch == nil {
		return
	}
	close(r.ch)
	select {
	case <-r.done:
	case <-time.After(progressDrain):
	}
}
