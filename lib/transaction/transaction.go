// Package transaction correlates outgoing requests with inbound responses.
//
// A Transaction owns a single-assignment Future that settles exactly once: from
// a matching inbound message, from its timeout, or from an explicit failure
// (transport error, session teardown). The Registry maps pending transaction
// ids to transactions for the owning session.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/timer"
)

// Classifier maps a correlated inbound message to a success value or a
// domain error.
type Classifier func(msg protocol.Message) (protocol.Message, error)

// Option configures a Transaction.
type Option func(*Transaction)

// WithScheduler drives the timeout from s instead of the runtime clock.
func WithScheduler(s timer.Scheduler) Option {
	return func(t *Transaction) {
		t.scheduler = s
	}
}

// WithInterim marks correlated messages for which interim reports true as
// progress reports: they are consumed without settling the transaction.
func WithInterim(interim func(protocol.Message) bool) Option {
	return func(t *Transaction) {
		t.interim = interim
	}
}

// AwaitEvent keeps the transaction pending across the gateway's "ack" so it
// settles on the asynchronous event that follows with the same id.
func AwaitEvent() Option {
	return WithInterim(func(msg protocol.Message) bool {
		return msg.Type() == protocol.TypeAck
	})
}

// Transaction is one in-flight request.
type Transaction struct {
	id        string
	classify  Classifier
	timeout   time.Duration
	scheduler timer.Scheduler
	interim   func(protocol.Message) bool
	timer     *timer.Timer
	future    *Future

	mu      sync.Mutex
	settled bool
	err     error
	hooks   []func(*Transaction)
}

// New creates a transaction and, when timeout > 0, starts its timeout timer.
// A nil classifier passes every message through as success.
func New(id string, classify Classifier, timeout time.Duration, opts ...Option) *Transaction {
	t := &Transaction{
		id:       id,
		classify: classify,
		timeout:  timeout,
		future:   newFuture(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if timeout > 0 {
		var timerOpts []timer.Option
		if t.scheduler != nil {
			timerOpts = append(timerOpts, timer.WithScheduler(t.scheduler))
		}
		t.timer = timer.New(func() { t.SettleTimeout() }, timeout, timerOpts...)
		t.timer.Start()
	}

	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() string {
	return t.id
}

// Timeout returns the configured timeout; zero means none.
func (t *Transaction) Timeout() time.Duration {
	return t.timeout
}

// Future returns the result handle.
func (t *Transaction) Future() *Future {
	return t.future
}

// Settled reports whether the transaction has settled.
func (t *Transaction) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

// OnSettle registers fn to run when the transaction settles, before the
// future is resolved. If it has already settled fn runs immediately.
func (t *Transaction) OnSettle(fn func(*Transaction)) {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Interim reports whether msg is a progress report that leaves the
// transaction pending.
func (t *Transaction) Interim(msg protocol.Message) bool {
	return t.interim != nil && t.interim(msg)
}

// SettleFromMessage classifies msg and settles the future with the outcome.
// It reports whether this call settled the transaction.
func (t *Transaction) SettleFromMessage(msg protocol.Message) bool {
	if t.Settled() {
		return false
	}
	value, err := t.runClassifier(msg)
	return t.settle(value, err)
}

// SettleTimeout fails the future with a *protocol.TimeoutError.
func (t *Transaction) SettleTimeout() bool {
	return t.settle(protocol.Message{}, &protocol.TimeoutError{Transaction: t.id, Elapsed: t.timeout})
}

// Fail settles the future with err.
func (t *Transaction) Fail(err error) bool {
	if err == nil {
		err = errors.New("transaction failed")
	}
	return t.settle(protocol.Message{}, err)
}

func (t *Transaction) settle(msg protocol.Message, err error) bool {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return false
	}
	t.settled = true
	t.err = err
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	for _, hook := range hooks {
		hook(t)
	}
	t.future.resolve(msg, err)
	return true
}

func (t *Transaction) settleErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transaction) runClassifier(msg protocol.Message) (value protocol.Message, err error) {
	if t.classify == nil {
		return msg, nil
	}
	defer func() {
		if r := recover(); r != nil {
			value = protocol.Message{}
			err = &protocol.GatewayError{Reason: fmt.Sprintf("response classification failed: %v", r)}
		}
	}()

	value, err = t.classify(msg)
	if err != nil && !errors.Is(err, protocol.ErrDomain) {
		err = fmt.Errorf("%w: %w", protocol.ErrDomain, err)
	}
	return value, err
}

// ClassifyGatewayError is the default classifier: any message carrying an
// error payload fails with *protocol.GatewayError, anything else succeeds.
func ClassifyGatewayError(msg protocol.Message) (protocol.Message, error) {
	if gerr := msg.GatewayError(); gerr != nil {
		return protocol.Message{}, gerr
	}
	return msg, nil
}
