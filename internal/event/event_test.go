package event

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsChronologicalOrder(t *testing.T) {
	r := NewRing(10)
	r.Add(StateStarting, ReasonConsoleRequest, "10")
	r.Add(StateRunning, ReasonNone, "10")
	r.Add(StateStopping, ReasonConsoleRequest, "10")

	evs := r.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, StateStarting, evs[0].State)
	assert.Equal(t, StateRunning, evs[1].State)
	assert.Equal(t, StateStopping, evs[2].State)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, StateStopping, last.State)
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := NewRing(50)
	for i := 0; i < 60; i++ {
		r.Add(StateRunning, ReasonNone, strconv.Itoa(i))
	}

	evs := r.Events()
	require.Len(t, evs, 50)
	assert.Equal(t, "10", evs[0].Pid)
	assert.Equal(t, "59", evs[49].Pid)
}

func TestRingCopyIsDetached(t *testing.T) {
	r := NewRing(5)
	r.Add(StateStarting, ReasonNone, "1")
	evs := r.Events()
	r.Add(StateRunning, ReasonNone, "1")
	assert.Len(t, evs, 1)
}

func TestEmptyRing(t *testing.T) {
	r := NewRing(5)
	assert.Empty(t, r.Events())
	_, ok := r.Last()
	assert.False(t, ok)
}
