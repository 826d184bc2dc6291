package asyncdb

import (
	"context"
	"errors"
	"sync"

	"asyncdb/internal/future"
)

// TransactionDepth returns the number of begins not yet matched by a commit
// or rollback.
func (c *Connection) TransactionDepth() int {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.txDepth
}

// BeginTransaction enters a transaction scope. Only the outermost scope sends
// BEGIN; nested scopes return an already completed future.
func (c *Connection) BeginTransaction(exclusive bool) *future.Future[int64] {
	c.txMu.Lock()
	c.txDepth++
	if c.txDepth > 1 {
		c.txMu.Unlock()
		return future.Completed[int64](0)
	}
	c.txFailed = false

	q := c.beginTx
	if exclusive {
		q = c.beginTxExclusive
	}
	f, ok := c.enqueueTx(q, true)
	if !ok {
		c.txDepth--
	}
	c.txMu.Unlock()

	if !ok {
		f.Fail(ErrConnectionDisposed)
	}
	return f
}

// CommitTransaction leaves a transaction scope. The outermost scope sends
// COMMIT, or ROLLBACK if a nested scope rolled back.
//
// Called with no transaction active it sends nothing and returns a future
// that has already failed with ErrNoTransaction. Callers must check the
// result; the mismatch is otherwise only visible in the error log.
func (c *Connection) CommitTransaction() *future.Future[int64] {
	return c.endTransaction(false)
}

// RollbackTransaction leaves a transaction scope. The outermost scope sends
// ROLLBACK; a nested scope only marks the transaction as failed. As with
// CommitTransaction, an unmatched call returns a future already failed with
// ErrNoTransaction.
func (c *Connection) RollbackTransaction() *future.Future[int64] {
	return c.endTransaction(true)
}

func (c *Connection) endTransaction(rollback bool) *future.Future[int64] {
	c.txMu.Lock()
	if c.txDepth <= 0 {
		c.txDepth, c.txFailed = 0, false
		c.txMu.Unlock()
		c.logger.Error("Transaction ended with no transaction active", "rollback", rollback)
		return future.Failed[int64](ErrNoTransaction)
	}

	c.txDepth--
	if c.txDepth > 0 {
		if rollback {
			c.txFailed = true
		}
		c.txMu.Unlock()
		return future.Completed[int64](0)
	}

	q := c.commitTx
	if rollback || c.txFailed {
		q = c.rollbackTx
	}
	c.txFailed = false
	f, ok := c.enqueueTx(q, false)
	c.txMu.Unlock()

	if !ok {
		f.Fail(ErrConnectionDisposed)
	}
	return f
}

// enqueueTx queues a transaction control statement. The caller holds txMu,
// so statements reach the queue in the order the depth changed. Once the
// statement has run, txOpen records whether the server holds a transaction.
func (c *Connection) enqueueTx(q *Query, open bool) (*future.Future[int64], bool) {
	f, op := prepare(q, nil, execOptions[int64]{}, func(ctx context.Context, cmd command, args []any) (int64, error) {
		n, err := execNonQuery(ctx, cmd, args)
		if err == nil || !open {
			c.txMu.Lock()
			c.txOpen = open && err == nil
			c.txMu.Unlock()
		}
		return n, err
	})
	if op == nil {
		return f, true
	}
	return f, c.enqueue(op)
}

// Transaction is a scoped view over the connection's transaction depth.
// Scopes nest: only the outermost one sends statements to the database.
//
//	tx := conn.CreateTransaction(false)
//	defer tx.Close()
//	...
//	tx.Commit()
type Transaction struct {
	conn  *Connection
	begun *future.Future[int64]

	mu   sync.Mutex
	done bool
}

// CreateTransaction begins a transaction scope.
func (c *Connection) CreateTransaction(exclusive bool) *Transaction {
	return &Transaction{
		conn:  c,
		begun: c.BeginTransaction(exclusive),
	}
}

// Begun resolves once BEGIN has run, or immediately for a nested scope.
func (t *Transaction) Begun() *future.Future[int64] {
	return t.begun
}

func (t *Transaction) Commit() *future.Future[int64] {
	if !t.finish() {
		return future.Failed[int64](ErrTransactionDone)
	}
	return t.conn.CommitTransaction()
}

func (t *Transaction) Rollback() *future.Future[int64] {
	if !t.finish() {
		return future.Failed[int64](ErrTransactionDone)
	}
	return t.conn.RollbackTransaction()
}

// Close rolls the scope back if neither Commit nor Rollback was called and
// waits for the result. It must not be called from a completion callback
// running on the connection's worker.
func (t *Transaction) Close() error {
	if !t.finish() {
		return nil
	}
	if _, err := t.begun.Result(); errors.Is(err, ErrConnectionDisposed) {
		// BEGIN was never queued, so there is no scope to leave.
		return nil
	}
	_, err := t.conn.RollbackTransaction().Wait(context.Background())
	return err
}

func (t *Transaction) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
