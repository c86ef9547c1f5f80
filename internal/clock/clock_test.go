package clock_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/clock"
)

func TestTimerQueuePopsInDeadlineOrder(t *testing.T) {
	fc := clockwork.NewFakeClock()
	q := clock.NewTimerQueue()

	q.Arm(1, fc.Now().Add(3*time.Second))
	q.Arm(2, fc.Now().Add(1*time.Second))
	q.Arm(3, fc.Now().Add(2*time.Second))

	require.Empty(t, q.PopDue(fc.Now()))

	fc.Advance(2500 * time.Millisecond)
	due := q.PopDue(fc.Now())
	require.Equal(t, []clock.TimerID{2, 3}, due)

	fc.Advance(1 * time.Second)
	due = q.PopDue(fc.Now())
	require.Equal(t, []clock.TimerID{1}, due)
	require.Equal(t, 0, q.Len())
}

func TestTimerQueueRearmAndCancel(t *testing.T) {
	fc := clockwork.NewFakeClock()
	q := clock.NewTimerQueue()

	q.Arm(1, fc.Now().Add(1*time.Second))
	q.Arm(1, fc.Now().Add(5*time.Second)) // re-arm replaces deadline
	require.True(t, q.Armed(1))

	fc.Advance(2 * time.Second)
	require.Empty(t, q.PopDue(fc.Now()))

	require.True(t, q.Cancel(1))
	require.False(t, q.Cancel(1))

	fc.Advance(10 * time.Second)
	require.Empty(t, q.PopDue(fc.Now()))
}
