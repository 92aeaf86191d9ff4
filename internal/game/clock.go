package game

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTurnTimeout is how long a player may think before a random move is played for them.
const DefaultTurnTimeout = 10 * time.Second

// TurnClock keeps one countdown per active game. Each countdown remembers the
// move count it was armed for; the expiry callback receives that count so the
// engine can discard a countdown that lost the race with a real move.
type TurnClock struct {
	mu       sync.Mutex
	timeout  time.Duration
	timers   map[uuid.UUID]*turnTimer
	onExpire func(gameID uuid.UUID, moveCount int)
}

type turnTimer struct {
	timer     *time.Timer
	moveCount int
	deadline  time.Time
}

// NewTurnClock returns a clock that calls onExpire on its own goroutine. A
// non-positive timeout disables the clock.
func NewTurnClock(timeout time.Duration, onExpire func(gameID uuid.UUID, moveCount int)) *TurnClock {
	return &TurnClock{
		timeout:  timeout,
		timers:   make(map[uuid.UUID]*turnTimer),
		onExpire: onExpire,
	}
}

// Arm (re)starts the countdown for gameID. A countdown already armed for a later
// move count is kept, so out-of-order callers cannot rewind the clock.
func (c *TurnClock) Arm(gameID uuid.UUID, moveCount int) {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.timers[gameID]; ok {
		if old.moveCount > moveCount {
			return
		}
		old.timer.Stop()
	}
	tt := &turnTimer{moveCount: moveCount, deadline: time.Now().Add(c.timeout)}
	tt.timer = time.AfterFunc(c.timeout, func() { c.fire(gameID, tt) })
	c.timers[gameID] = tt
}

func (c *TurnClock) fire(gameID uuid.UUID, tt *turnTimer) {
	c.mu.Lock()
	if c.timers[gameID] != tt {
		c.mu.Unlock()
		return
	}
	delete(c.timers, gameID)
	c.mu.Unlock()

	c.onExpire(gameID, tt.moveCount)
}

// Stop cancels the countdown for gameID, if any.
func (c *TurnClock) Stop(gameID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tt, ok := c.timers[gameID]; ok {
		tt.timer.Stop()
		delete(c.timers, gameID)
	}
}

// StopAll cancels every countdown. Used on shutdown.
func (c *TurnClock) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, tt := range c.timers {
		tt.timer.Stop()
		delete(c.timers, id)
	}
}

// Deadline reports when the current countdown for gameID expires.
func (c *TurnClock) Deadline(gameID uuid.UUID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tt, ok := c.timers[gameID]
	if !ok {
		return time.Time{}, false
	}
	return tt.deadline, true
}

// Timeout returns the configured turn length.
func (c *TurnClock) Timeout() time.Duration { return c.timeout }
