package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsTasksInOrder(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, loop.Call(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoop_CallWaitsForTask(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	ran := false
	require.NoError(t, loop.Call(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		ran = true
	}))
	assert.True(t, ran)
}

func TestLoop_SurvivesPanickingTask(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	loop.Post(func() { panic("boom") })

	ran := false
	require.NoError(t, loop.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_CloseDrainsQueueAndRejectsNewWork(t *testing.T) {
	loop := NewLoop()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		loop.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	loop.Close()

	mu.Lock()
	assert.Equal(t, 10, count)
	mu.Unlock()

	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Call(context.Background(), func() {}), ErrLoopClosed)
	loop.Close()
}

func TestLoop_CallHonoursContext(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	release := make(chan struct{})
	loop.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Call(ctx, func() {}), context.DeadlineExceeded)
}
