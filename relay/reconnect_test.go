package relay

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectBackoffBounds(t *testing.T) {
	reconnect := NewReconnect(1*time.Second, 8*time.Second)

	// non-decreasing up to the cap
	previous := time.Duration(0)
	for range 8 {
		timeout := reconnect.NextTimeout()
		assert.Equal(t, previous <= timeout, true)
		assert.Equal(t, timeout <= 8*time.Second, true)
		previous = timeout
	}
	assert.Equal(t, previous, 8*time.Second)

	// reset returns to the base delay
	reconnect.Reset()
	assert.Equal(t, reconnect.NextTimeout(), 1*time.Second)
	assert.Equal(t, reconnect.NextTimeout(), 2*time.Second)
	assert.Equal(t, reconnect.NextTimeout(), 4*time.Second)
	assert.Equal(t, reconnect.NextTimeout(), 8*time.Second)
	assert.Equal(t, reconnect.NextTimeout(), 8*time.Second)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	values := []int{}
	removeA := callbacks.Add(func(v int) {
		values = append(values, v)
	})
	callbacks.Add(func(v int) {
		values = append(values, 10*v)
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, values, []int{1, 10})

	removeA()
	removeA()
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, values, []int{1, 10, 20})
}
