package routines

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestScheduleAndWait(t *testing.T) {
	var workDone [250]int32

	pool := NewPool(4)

	for i := range workDone {
		iPtr := &workDone[i]
		pool.Queue(func() {
			atomic.StoreInt32(iPtr, 1)
		})
	}

	pool.Wait()

	for i := range workDone {
		assert.Equal(t, int32(1), atomic.LoadInt32(&workDone[i]), "work %d not done", i)
	}
}

func TestQueuePanicsAfterWait(t *testing.T) {
	pool := NewPool(1)
	pool.Wait()

	assert.Panics(t, func() {
		pool.Queue(func() {})
	})
}

func TestWaitCanBeCalledMultipleTimes(t *testing.T) {
	pool := NewPool(10)
	pool.Wait()
	assert.NotPanics(t, pool.Wait)
}

func TestWaitBlocksUntilQueuedWorkFinished(t *testing.T) {
	var cnt int32

	pool := NewPool(1)

	done := make(chan struct{})
	pool.Queue(func() {
		<-done
		atomic.AddInt32(&cnt, 1)
	})

	close(done)
	pool.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cnt))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
