package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestJoinLimiter_SlidingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewJoinLimiter(2, time.Minute)
	rl.now = clock.now

	assert.True(t, rl.Allow("a"))
	clock.advance(10 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	// First attempt leaves the window.
	clock.advance(51 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	clock.advance(2 * time.Minute)
	assert.True(t, rl.Allow("a"))
}

func TestJoinLimiter_Prune(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewJoinLimiter(1, time.Minute)
	rl.now = clock.now

	rl.Allow("a")
	clock.advance(30 * time.Second)
	rl.Allow("b")
	assert.Equal(t, 2, rl.size())

	clock.advance(45 * time.Second)
	rl.Prune()
	assert.Equal(t, 1, rl.size())

	clock.advance(time.Minute)
	rl.Prune()
	assert.Zero(t, rl.size())
}
