package utils

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	var tb tomb.Tomb
	pool := NewWorkerPool(4)

	var done atomic.Int64
	finished := make(chan struct{}, 50)
	tb.Go(func() error {
		pool.Setup(&tb, func(_ *tomb.Tomb, task any) error {
			done.Add(int64(task.(int)))
			finished <- struct{}{}
			return nil
		})
		return nil
	})

	for i := 1; i <= 50; i++ {
		require.True(t, pool.AddTask(&tb, i))
	}
	for i := 0; i < 50; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not finish")
		}
	}
	assert.Equal(t, int64(50*51/2), done.Load())

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
}

func TestWorkerPool_ErrorKillsTomb(t *testing.T) {
	var tb tomb.Tomb
	pool := NewWorkerPool(2)
	boom := errors.New("boom")

	tb.Go(func() error {
		pool.Setup(&tb, func(_ *tomb.Tomb, task any) error {
			return boom
		})
		return nil
	})
	require.True(t, pool.AddTask(&tb, struct{}{}))

	assert.ErrorIs(t, tb.Wait(), boom)
}
