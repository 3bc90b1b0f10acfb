package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicOperations(t *testing.T) {
	q := NewQueue[int]()
	assert.True(t, q.IsEmpty())

	q.Push(42)
	q.Push(17)
	q.Push(89)
	assert.False(t, q.IsEmpty())
	assert.Equal(t, 3, q.Len())

	for _, want := range []int{42, 17, 89} {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	lastPerProducer := make(map[int]int)
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true

		// FIFO holds per producer.
		p := v / perProducer
		if last, ok := lastPerProducer[p]; ok {
			assert.Greater(t, v, last)
		}
		lastPerProducer[p] = v
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestExecutor_RunsInPostOrder(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, e.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.NoError(t, e.Do(ctx, func() { snapshot = append(snapshot, got...) }))
	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestExecutor_SerializesConcurrentPosts(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// counter is only touched on the executor; the race detector flags any
	// concurrent execution.
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, e.Do(ctx, func() { final = counter }))
	assert.Equal(t, 1000, final)
}

func TestExecutor_Stop(t *testing.T) {
	e := NewExecutor()
	go e.Run(context.Background())

	e.Stop()
	e.Stop() // idempotent

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("executor did not stop")
	}

	assert.False(t, e.Post(func() {}))
	assert.ErrorIs(t, e.Do(context.Background(), func() {}), ErrExecutorStopped)
}

func TestExecutor_DoRespectsContext(t *testing.T) {
	e := NewExecutor() // never run

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_RunsAcceptedWorkBeforeDone(t *testing.T) {
	e := NewExecutor()
	var ran atomic.Bool
	require.True(t, e.Post(func() { ran.Store(true) }))

	e.Stop()
	e.Run(context.Background())

	assert.True(t, ran.Load())
	assert.False(t, e.Post(func() {}))
}

func TestCall_ReturnsResult(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	state := 41
	got, err := Call(ctx, e, func() int {
		state++
		return state
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCall_DiscardsLateResult(t *testing.T) {
	e := NewExecutor()
	go e.Run(context.Background())
	defer e.Stop()

	gate := make(chan struct{})
	require.True(t, e.Post(func() { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	got, err := Call(ctx, e, func() []int {
		ran.Store(true)
		return []int{1, 2, 3}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)

	// fn still runs once the executor is free; its result goes nowhere.
	close(gate)
	require.NoError(t, e.Do(context.Background(), func() {}))
	assert.True(t, ran.Load())
}

func TestCall_StoppedExecutor(t *testing.T) {
	e := NewExecutor()
	go e.Run(context.Background())
	e.Stop()
	<-e.Done()

	got, err := Call(context.Background(), e, func() string { return "late" })
	assert.ErrorIs(t, err, ErrExecutorStopped)
	assert.Empty(t, got)
}
