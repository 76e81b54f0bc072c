package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_DefaultStart(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), c.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	c := NewFakeClock(time.Time{})
	start := c.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(100*time.Millisecond), c.Now())
}
