package transaction

import (
	"context"

	"github.com/snowmerak/janus.go/lib/protocol"
)

// Future is the single-assignment result of a Transaction.
type Future struct {
	done chan struct{}
	msg  protocol.Message
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve must be called at most once; Transaction guarantees it.
func (f *Future) resolve(msg protocol.Message, err error) {
	f.msg = msg
	f.err = err
	close(f.done)
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a settled future, or nil if it is pending or
// fulfilled.
func (f *Future) Err() error {
	if !f.Settled() {
		return nil
	}
	return f.err
}

// Wait blocks until the future settles or ctx is done. Cancelling ctx only
// stops waiting; the transaction itself keeps running until it settles.
func (f *Future) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}
