package profiling

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerNesting(t *testing.T) {
	timer := NewTimer()
	ctx := NewContext(context.Background(), timer)

	outer := Start(ctx, "open session")
	Start(ctx, "fetch project").Stop()
	Start(ctx, "fetch files").Stop()
	outer.Stop()
	Start(ctx, "print").Stop()

	var buf bytes.Buffer
	timer.Summarize(&buf)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "Timing")
	assert.True(t, strings.HasPrefix(lines[1], "- open session"))
	assert.True(t, strings.HasPrefix(lines[2], "  - fetch project"))
	assert.True(t, strings.HasPrefix(lines[3], "  - fetch files"))
	assert.True(t, strings.HasPrefix(lines[4], "- print"))
}

func TestTimerOutOfOrderStop(t *testing.T) {
	timer := NewTimer()
	a := timer.Start("a")
	timer.Start("b")
	a.Stop()
	timer.Start("c").Stop()

	var buf bytes.Buffer
	timer.Summarize(&buf)
	assert.Contains(t, buf.String(), "\n- c ")
	assert.Contains(t, buf.String(), "(open)")
}

func TestDisabledTimer(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.NotPanics(t, func() {
		Start(context.Background(), "x").Stop()
		var nilTimer *Timer
		nilTimer.Summarize(&bytes.Buffer{})
	})
}
