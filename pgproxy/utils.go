package pgproxy

import (
	"sync"
)

// Counter provides a concurrent counter with semaphore protected access.
// Used to track the number of currently active sessions for Stop() reporting.
type Counter struct {
	val  int
	lock sync.Mutex
}

func (c *Counter) Inc() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.val++
}

func (c *Counter) Dec() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.val--
}

func (c *Counter) Value() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.val
}
