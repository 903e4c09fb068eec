package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogWriters(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("fit failed for particle %d", 3)
	Diagf("D=%.2f", 0.25)
	Tracef("iter %d", 17)

	assert.Contains(t, ops.String(), "fit failed for particle 3")
	assert.Contains(t, ops.String(), prefix)
	assert.Contains(t, diag.String(), "D=0.25")
	assert.Contains(t, trace.String(), "iter 17")
	assert.True(t, TraceEnabled())
}

func TestDisabledStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})

	// Must not panic with nil loggers.
	Diagf("hidden %d", 1)
	Tracef("hidden %d", 2)
	assert.False(t, TraceEnabled())
	assert.Empty(t, ops.String())

	SetLogWriters(LogWriters{})
	Opsf("dropped")
	assert.Empty(t, ops.String())
}
