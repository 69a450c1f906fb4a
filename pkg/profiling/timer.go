// Package profiling records nested timing spans for CLI phases such as
// loading configuration, hydrating a session or saving a file.
package profiling

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stopper ends a timed span.
type Stopper interface {
	Stop()
}

type span struct {
	name     string
	start    time.Time
	duration time.Duration
	children []*span
	timer    *Timer
}

func (s *span) Stop() {
	s.timer.end(s)
}

// Timer collects a tree of spans. The zero value is disabled; a nil *Timer
// is safe to use and records nothing.
type Timer struct {
	mu    sync.Mutex
	root  *span
	stack []*span
}

// NewTimer returns an enabled timer whose root span starts now.
func NewTimer() *Timer {
	t := &Timer{}
	t.root = &span{name: "total", start: time.Now(), timer: t}
	t.stack = []*span{t.root}
	return t
}

// Start opens a span nested under the innermost open span.
func (t *Timer) Start(name string) Stopper {
	if t == nil {
		return noop{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return noop{}
	}
	parent := t.stack[len(t.stack)-1]
	s := &span{name: name, start: time.Now(), timer: t}
	parent.children = append(parent.children, s)
	t.stack = append(t.stack, s)
	return s
}

func (t *Timer) end(s *span) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.duration = time.Since(s.start)
	// Spans normally close innermost first; tolerate out-of-order stops by
	// popping everything above s.
	for i := len(t.stack) - 1; i > 0; i-- {
		if t.stack[i] == s {
			t.stack = t.stack[:i]
			return
		}
	}
}

// Summarize writes the span tree with each span's share of the total.
func (t *Timer) Summarize(w io.Writer) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return
	}
	total := time.Since(t.root.start)

	fmt.Fprintf(w, "\n--- Timing (%v) ---\n", total.Round(100*time.Microsecond))
	for _, c := range t.root.children {
		printSpan(w, c, 0, total)
	}
}

func printSpan(w io.Writer, s *span, depth int, total time.Duration) {
	d := s.duration
	open := ""
	if d == 0 {
		d = time.Since(s.start)
		open = " (open)"
	}
	pct := 0.0
	if total > 0 {
		pct = float64(d) / float64(total) * 100
	}
	fmt.Fprintf(w, "%s- %s %v %.1f%%%s\n", strings.Repeat("  ", depth), s.name, d.Round(100*time.Microsecond), pct, open)
	for _, c := range s.children {
		printSpan(w, c, depth+1, total)
	}
}

type noop struct{}

func (noop) Stop() {}

type ctxKey struct{}

// NewContext returns a context carrying t.
func NewContext(ctx context.Context, t *Timer) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the timer stored in ctx, or nil.
func FromContext(ctx context.Context) *Timer {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(ctxKey{}).(*Timer)
	return t
}

// Start opens a span on the timer carried by ctx. Without one it is a no-op.
func Start(ctx context.Context, name string) Stopper {
	return FromContext(ctx).Start(name)
}
