package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	t.Parallel()

	q := New[int](4)
	for i := 1; i <= 3; i++ {
		dropped := q.Push(i)
		assert.False(t, dropped)
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	q := New[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	dropped := q.Push(4)
	assert.True(t, dropped)
	assert.EqualValues(t, 1, q.Dropped())

	var got []int
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4}, got)
}

func TestPopUntilTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()

	q := New[int](2)
	start := time.Now()
	_, ok := q.Pop(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPopUntilWakesOnPush(t *testing.T) {
	t.Parallel()

	q := New[int](2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		q.Push(7)
	}()

	v, ok := q.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, 7, v)
	wg.Wait()
}

func TestCloseWakesBlockedConsumer(t *testing.T) {
	t.Parallel()

	q := New[int](2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := q.Pop(5 * time.Second)
		assert.False(t, ok)
	}()

	time.Sleep(5 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not wake on Close")
	}
}
