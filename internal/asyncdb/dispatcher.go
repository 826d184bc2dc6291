package asyncdb

import (
	"fmt"
	"time"

	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// DefaultIdleTimeout is how long the worker goroutine waits for new work
// before it retires. A new one is started on the next enqueue.
const DefaultIdleTimeout = 10 * time.Second

// pendingOperation is one unit of work for the worker goroutine.
// execute runs with the execution lock held and returns the step that
// settles the operation's future; that step runs after the lock is released
// so completion callbacks may enqueue more work on the same connection.
type pendingOperation struct {
	handle  future.Handle
	execute func(conn *driver.Conn) (settle func())
}

// submit enqueues op, or fails its handle if the connection is closing.
func (c *Connection) submit(op *pendingOperation) {
	if !c.enqueue(op) {
		op.handle.Fail(ErrConnectionDisposed)
	}
}

// enqueue appends op to the queue and wakes the worker, starting one if none
// is running. It never blocks on database work. It reports false if the
// connection is closing.
func (c *Connection) enqueue(op *pendingOperation) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, op)
	if !c.workerRunning {
		c.workerRunning = true
		c.workerDone = make(chan struct{})
		go c.workerLoop(c.workerDone)
	}
	c.mu.Unlock()

	c.wakeWorker()
	return true
}

func (c *Connection) wakeWorker() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) workerLoop(done chan struct{}) {
	defer close(done)
	c.logger.Debug("Database worker started", "driver", c.driverName())

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	for {
		for c.runNext() {
		}

		idle.Reset(c.idleTimeout)
		select {
		case <-c.wake:
		case <-c.stop:
			return
		case <-idle.C:
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.workerRunning = false
				c.mu.Unlock()
				c.logger.Debug("Database worker retired", "driver", c.driverName())
				return
			}
			c.mu.Unlock()
		}
	}
}

// runNext starts the next queued operation if the active slot is free.
func (c *Connection) runNext() bool {
	c.mu.Lock()
	if len(c.queue) == 0 || c.activeOperation() != nil {
		c.mu.Unlock()
		return false
	}
	op := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.notifyBegan(op.handle)
	c.mu.Unlock()

	settle := c.execute(op)
	op.execute = nil
	c.settle(op, settle)
	return true
}

func (c *Connection) execute(op *pendingOperation) (settle func()) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in database operation: %v", r)
			settle = func() { op.handle.Fail(err) }
		}
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return func() { op.handle.Fail(ErrConnectionDisposed) }
	}
	return op.execute(conn)
}

// settle runs the completion step. A panicking completion callback is logged
// and never takes the worker down.
func (c *Connection) settle(op *pendingOperation, settle func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Completion callback panicked", "panic", r)
			op.handle.Fail(fmt.Errorf("panic in completion callback: %v", r))
		}
	}()
	settle()
}

func (c *Connection) activeOperation() future.Handle {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.active
}

// notifyBegan marks h as the operation holding the connection. Finding the
// slot occupied means two operations were dispatched at once.
func (c *Connection) notifyBegan(h future.Handle) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if c.active != nil {
		panic("asyncdb: notifyBegan invoked while an operation was still active")
	}
	c.active = h
}

// notifyCompleted frees the active slot if h holds it and wakes the worker.
// A handle disposed before it began is dropped from the queue instead.
// Any other mismatch is tolerated only while the connection is closing,
// since teardown fails handles out of band.
func (c *Connection) notifyCompleted(h future.Handle) {
	// mu is held throughout so runNext cannot move h from the queue to the
	// active slot between the two checks.
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeMu.Lock()
	if c.active == h {
		c.active = nil
		c.activeMu.Unlock()
		c.wakeWorker()
		return
	}
	c.activeMu.Unlock()

	for i, op := range c.queue {
		if op.handle == h {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
	if c.closing {
		return
	}
	panic("asyncdb: notifyCompleted invoked by an operation that was not active")
}
