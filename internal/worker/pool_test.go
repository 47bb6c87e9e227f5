package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsResult(t *testing.T) {
	p := NewPool(2)
	got, err := Do(context.Background(), p, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	boom := errors.New("boom")
	err = Exec(context.Background(), p, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(3)
	var running, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Exec(context.Background(), p, func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestDoGivesUpWhenContextEnds(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = Exec(context.Background(), p, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := Exec(ctx, p, func(context.Context) error { ran = true; return nil })
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestNewPoolMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewPool(0).Size())
}
