package observable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestValueGetSet(t *testing.T) {
	v := NewValue("idle")
	assert.Equal(t, "idle", v.Get())
	v.Set("scanning")
	assert.Equal(t, "scanning", v.Get())
}

func TestSubscribeSeedsCurrentValue(t *testing.T) {
	v := NewValue(3)
	ch, cancel := v.Subscribe()
	defer cancel()
	assert.Equal(t, 3, recv(t, ch))

	v.Set(4)
	assert.Equal(t, 4, recv(t, ch))
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Subscribe()
	defer cancel()

	for i := 1; i <= 100; i++ {
		v.Set(i)
	}
	assert.Equal(t, 100, recv(t, ch))
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra value %d", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	v := NewValue(false)
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Setting after unsubscribe must not panic on the closed channel.
	assert.NotPanics(t, func() { v.Set(true) })
}

func TestConcurrentSetAndSubscribe(t *testing.T) {
	v := NewValue(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			v.Set(n)
		}(i)
		go func() {
			defer wg.Done()
			ch, cancel := v.Subscribe()
			<-ch
			cancel()
		}()
	}
	wg.Wait()
}
