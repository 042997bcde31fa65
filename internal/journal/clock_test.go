package journal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())
	assert.Equal(t, uint64(2), c.Current())
}

func TestClockResume(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, uint64(42), c.Next())
}

func TestClockObserve(t *testing.T) {
	c := NewClockAt(10)
	assert.False(t, c.Observe(10))
	assert.True(t, c.Observe(15))
	assert.Equal(t, uint64(16), c.Next())
}

func TestClockConcurrentUnique(t *testing.T) {
	c := NewClock()
	const n = 200
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for s := range seen {
		unique[s] = true
	}
	assert.Len(t, unique, n)
}
