// ABOUTME: Tests for the transport-event dedupe window.
// ABOUTME: Covers key derivation, TTL expiry, capacity eviction, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicateDetection(t *testing.T) {
	w := New(5*time.Minute, 100)
	defer w.Close()

	key := EventKey("imessage", "ana@example.com", time.Unix(1700000000, 0), "hello")

	assert.False(t, w.Duplicate(key), "first delivery is not a duplicate")
	assert.True(t, w.Duplicate(key), "second delivery is a duplicate")
}

func TestEventKeyDistinguishesEvents(t *testing.T) {
	at := time.Unix(1700000000, 0)
	base := EventKey("imessage", "ana@example.com", at, "hello")

	assert.NotEqual(t, base, EventKey("signal", "ana@example.com", at, "hello"))
	assert.NotEqual(t, base, EventKey("imessage", "bob@example.com", at, "hello"))
	assert.NotEqual(t, base, EventKey("imessage", "ana@example.com", at.Add(time.Second), "hello"))
	assert.NotEqual(t, base, EventKey("imessage", "ana@example.com", at, "hello!"))

	// A deliberate repeat milliseconds later is a distinct event, not a
	// redelivery.
	assert.NotEqual(t, base, EventKey("imessage", "ana@example.com", at.Add(200*time.Millisecond), "hello"))

	// Same event redelivered keys identically.
	assert.Equal(t, base, EventKey("imessage", "ana@example.com", at, "hello"))
}

func TestWindowExpiry(t *testing.T) {
	w := New(10*time.Millisecond, 100)
	defer w.Close()

	assert.False(t, w.Duplicate("k"))
	time.Sleep(20 * time.Millisecond)

	// Past the TTL the same key counts as new again.
	assert.False(t, w.Duplicate("k"))
}

func TestCapacityEviction(t *testing.T) {
	w := New(time.Hour, 3)
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.Duplicate(fmt.Sprintf("k%d", i))
	}

	assert.Equal(t, 3, w.Len())
	// k0 was the oldest and fell out.
	assert.False(t, w.Duplicate("k0"))
}

func TestConcurrentAccess(t *testing.T) {
	w := New(time.Minute, 1000)
	defer w.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Duplicate(fmt.Sprintf("g%d-k%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 800, w.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	w := New(time.Minute, 10)
	w.Close()
	w.Close()
}
