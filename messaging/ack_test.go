package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckOnce(t *testing.T) {
	t.Run("acks once for many callers", func(t *testing.T) {
		var calls int32
		ack := NewAckOnce(func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, ack.Ack())
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.True(t, ack.Acked())
	})

	t.Run("later calls return the first error", func(t *testing.T) {
		boom := errors.New("channel closed")
		calls := 0
		ack := NewAckOnce(func() error {
			calls++
			return boom
		})

		assert.ErrorIs(t, ack.Ack(), boom)
		assert.ErrorIs(t, ack.Ack(), boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("not acked until called", func(t *testing.T) {
		ack := NewAckOnce(func() error { return nil })
		assert.False(t, ack.Acked())
	})

	t.Run("settled guard never calls through", func(t *testing.T) {
		ack := settledAck()
		assert.True(t, ack.Acked())
		assert.NoError(t, ack.Ack())
	})
}
