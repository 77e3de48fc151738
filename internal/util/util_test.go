package util

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := NewQueue[int]()
	_, ok := q.Pop()
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(i))
	}
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.Zero(t, q.Len())

	q.Push(4)
	q.Clear()
	assert.Zero(t, q.Len())

	q.Close()
	assert.ErrorIs(t, q.Push(5), ErrQueueClosed)
}

func TestEvery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var count atomic.Int32
	p := Every(context.Background(), clock, 10*time.Millisecond, func() { count.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	clock.Advance(50 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 2, count.Load())

	var nilPeriodic *Periodic
	nilPeriodic.Stop()
	nilPeriodic.StopAsync()
}

func TestEvery_StopAsyncFromTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var count atomic.Int32
	var p *Periodic
	ready := make(chan struct{})
	p = Every(context.Background(), clock, time.Millisecond, func() {
		<-ready
		count.Add(1)
		p.StopAsync()
	})
	close(ready)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	p.Stop()
	assert.EqualValues(t, 1, count.Load())
}

func TestWriteSeekBuffer(t *testing.T) {
	w := &WriteSeekBuffer{}
	w.Write([]byte("hello world"))

	pos, err := w.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)
	w.Write([]byte("HELLO"))
	assert.Equal(t, "HELLO world", string(w.Bytes()))

	pos, err = w.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 6, pos)
	w.Write([]byte("there!"))
	assert.Equal(t, "HELLO there!", string(w.Bytes()))

	_, err = w.Seek(-100, io.SeekCurrent)
	assert.Error(t, err)
	_, err = w.Seek(0, 42)
	assert.Error(t, err)
}
