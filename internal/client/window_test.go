package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_BoundedEviction(t *testing.T) {
	w := NewWindow[int](3)
	for i := 1; i <= 7; i++ {
		w.Append(i)
		assert.LessOrEqual(t, w.Len(), 3)
	}
	assert.Equal(t, []int{5, 6, 7}, w.Snapshot())
}

func TestWindow_DefaultCapacity(t *testing.T) {
	w := NewWindow[ProgressSample](0)
	assert.Equal(t, DefaultWindowCapacity, w.Cap())

	for i := 0; i < 250; i++ {
		w.Append(ProgressSample{Time: float64(i), Progress: i % 101})
	}
	snap := w.Snapshot()
	require.Len(t, snap, DefaultWindowCapacity)
	assert.Equal(t, 150.0, snap[0].Time)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].Time, snap[i].Time, "arrival order preserved")
	}
}

func TestWindow_TiesKeepArrivalOrder(t *testing.T) {
	w := NewWindow[SpeedSample](10)
	w.Append(SpeedSample{Time: 1, Speed: 10})
	w.Append(SpeedSample{Time: 1, Speed: 20})
	w.Append(SpeedSample{Time: 1, Speed: 30})

	snap := w.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []float64{10, 20, 30}, []float64{snap[0].Speed, snap[1].Speed, snap[2].Speed})
}

func TestWindow_Unbound(t *testing.T) {
	w := NewWindow[int](2)
	w.Append(1)
	w.Append(2)
	w.Append(3)

	w.Unbound()
	assert.False(t, w.Bounded())
	assert.Equal(t, []int{2, 3}, w.Snapshot())

	for i := 4; i <= 10; i++ {
		w.Append(i)
	}
	assert.Equal(t, 9, w.Len())
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9, 10}, w.Snapshot())

	w.Unbound()
	assert.Equal(t, 9, w.Len(), "second unbound is a no-op")
}

func TestWindow_SnapshotIsCopy(t *testing.T) {
	w := NewWindow[int](4)
	w.Append(1)
	snap := w.Snapshot()
	snap[0] = 99
	assert.Equal(t, []int{1}, w.Snapshot())
}
