package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testWaitOptions() *Options {
	return &Options{
		BaseWaitTime:       time.Second,
		MaxWaitTime:        5 * time.Second,
		WaitIncreaseFactor: 2,
	}
}

func Test_WaitState_DrainedUsesBaseWait(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Second, ws.afterDrained(nil, now))
}

func Test_WaitState_DrainedShortensToNextDueTimer(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(300 * time.Millisecond)
	require.Equal(t, 300*time.Millisecond, ws.afterDrained(&due, now))
}

func Test_WaitState_TimerBeyondBaseDoesNotExtendWait(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(time.Hour)
	require.Equal(t, time.Second, ws.afterDrained(&due, now))
}

func Test_WaitState_OverdueTimerMeansNoWait(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	require.Equal(t, time.Duration(0), ws.afterDrained(&due, now))
}

func Test_WaitState_FailuresGrowExponentiallyToCap(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	require.Equal(t, time.Second, ws.afterFailure())
	require.Equal(t, 2*time.Second, ws.afterFailure())
	require.Equal(t, 4*time.Second, ws.afterFailure())
	require.Equal(t, 5*time.Second, ws.afterFailure())
	require.Equal(t, 5*time.Second, ws.afterFailure())
}

func Test_WaitState_ResetRestoresBaseInterval(t *testing.T) {
	ws := newWaitState(testWaitOptions())

	ws.afterFailure()
	ws.afterFailure()
	ws.reset()

	require.Equal(t, time.Second, ws.afterFailure())
}
