package future

import (
	"context"
	"fmt"
	"sync"

	"go.gazette.dev/core/broker/client"
)

// OpFuture is an operation executing in the background. It has completed
// when Done selects, and Err then returns its final error. It's satisfied by
// gazette's *client.AsyncOperation.
type OpFuture interface {
	// Done selects when the operation has finished.
	Done() <-chan struct{}
	// Err blocks until Done() and returns the final error of the OpFuture.
	Err() error
}

// RunAsyncOperation invokes fn in a new goroutine, and returns an OpFuture
// which resolves with its error. A panic of fn is recovered and resolves the
// OpFuture with an error.
func RunAsyncOperation(fn func() error) OpFuture {
	var op = client.NewAsyncOperation()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				op.Resolve(fmt.Errorf("operation had an internal panic: %v", r))
			}
		}()
		op.Resolve(fn())
	}()

	return op
}

// Cell holds a value which is set at most once and may be awaited by any
// number of readers, each of which observes the same value.
type Cell[T any] struct {
	mu    sync.Mutex
	op    *client.AsyncOperation
	value T
	set   bool
}

// NewCell returns an unresolved Cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{op: client.NewAsyncOperation()}
}

// Resolve sets the value of the Cell. It returns false without modifying the
// Cell if it was already resolved, in which case the existing value is
// returned.
func (c *Cell[T]) Resolve(value T) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		return c.value, false
	}
	c.value, c.set = value, true
	c.op.Resolve(nil)

	return value, true
}

// Done selects once the Cell has been resolved.
func (c *Cell[T]) Done() <-chan struct{} { return c.op.Done() }

// Peek returns the value of the Cell without blocking.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Await blocks until the Cell is resolved or the context is done.
func (c *Cell[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.op.Done():
		v, _ := c.Peek()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
