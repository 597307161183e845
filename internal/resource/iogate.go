package resource

import "sync"

// IOGate admits application I/O to a volume. Suspend blocks new entries and
// waits for the active ones to leave; every Suspend must be paired with a
// Resume on all exit paths.
type IOGate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	active    int
	suspended int
}

func (g *IOGate) init() {
	if g.cond == nil {
		g.cond = sync.NewCond(&g.mu)
	}
}

// Enter admits one request, waiting while the gate is suspended.
func (g *IOGate) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	for g.suspended > 0 {
		g.cond.Wait()
	}
	g.active++
}

// Exit retires one request admitted by Enter.
func (g *IOGate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	g.active--
	if g.active == 0 {
		g.cond.Broadcast()
	}
}

// Suspend closes the gate and waits for in-flight requests to drain.
func (g *IOGate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	g.suspended++
	for g.active > 0 {
		g.cond.Wait()
	}
}

// Resume reopens the gate once every Suspend has been undone.
func (g *IOGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	if g.suspended > 0 {
		g.suspended--
	}
	if g.suspended == 0 {
		g.cond.Broadcast()
	}
}

// Suspended reports whether the gate is closed.
func (g *IOGate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended > 0
}

// Active returns the number of requests inside the gate.
func (g *IOGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Counter counts outstanding operations, such as replication acks.
type Counter struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (c *Counter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *Counter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n > 0 {
		c.n--
	}
	if c.n == 0 && c.cond != nil {
		c.cond.Broadcast()
	}
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitZero blocks until the counter drops to zero.
func (c *Counter) WaitZero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
	for c.n > 0 {
		c.cond.Wait()
	}
}
