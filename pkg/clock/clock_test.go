package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeSleepAdvances(t *testing.T) {
	f := NewFake(start)
	var ticks []time.Time
	f.OnTick = func(now time.Time) { ticks = append(ticks, now) }

	require.NoError(t, f.Sleep(context.Background(), 5*time.Second))
	require.NoError(t, f.Sleep(context.Background(), 10*time.Second))
	f.Advance(time.Minute)

	assert.True(t, f.Now().Equal(start.Add(75*time.Second)))
	assert.Equal(t, 15*time.Second, f.Slept())
	require.Len(t, ticks, 2)
	assert.True(t, ticks[1].Equal(start.Add(15*time.Second)), "tick sees the advanced time")
}

func TestFakeSleepFiresMockTimers(t *testing.T) {
	f := NewFake(start)
	timer := f.mock.Timer(time.Minute)
	defer timer.Stop()

	require.NoError(t, f.Sleep(context.Background(), time.Minute))
	select {
	case at := <-timer.C:
		assert.True(t, at.Equal(start.Add(time.Minute)))
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(start)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.Sleep(ctx, time.Minute), context.Canceled)
	assert.True(t, f.Now().Equal(start), "a cancelled sleep does not move time")
}

func TestRealSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Real{}.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Real{}.Sleep(context.Background(), time.Millisecond))
	assert.WithinDuration(t, time.Now(), Real{}.Now(), time.Second)
}
