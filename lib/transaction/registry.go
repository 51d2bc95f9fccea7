package transaction

import (
	"errors"
	"fmt"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/snowmerak/janus.go/lib/observability"
	"github.com/snowmerak/janus.go/lib/protocol"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records registrations and settlements in m.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithOwner names the session owning the registry; it is reported in
// teardown errors.
func WithOwner(id string) RegistryOption {
	return func(r *Registry) {
		r.SetOwner(id)
	}
}

// Registry maps pending transaction ids to transactions. An entry is removed
// before its transaction settles, whichever path settles it.
type Registry struct {
	items   cmap.ConcurrentMap[string, *Transaction]
	closed  atomic.Bool
	owner   atomic.Value
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		items:  cmap.New[*Transaction](),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add records tx under its id. A duplicate id is refused with
// protocol.ErrDuplicateTransaction; a closed registry fails tx and returns a
// *protocol.SessionClosedError.
func (r *Registry) Add(tx *Transaction) error {
	if r.closed.Load() {
		err := r.closedError(nil)
		tx.Fail(err)
		return err
	}
	if tx.Settled() {
		return fmt.Errorf("transaction %s already settled", tx.ID())
	}
	if !r.items.SetIfAbsent(tx.ID(), tx) {
		r.logger.Warn("duplicate transaction id refused", zap.String("transaction", tx.ID()))
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateTransaction, tx.ID())
	}

	r.metrics.TransactionStarted()
	tx.OnSettle(r.settled)

	// Close may have drained the map between the check above and the insert.
	if r.closed.Load() {
		if popped, ok := r.items.Pop(tx.ID()); ok {
			err := r.closedError(nil)
			popped.Fail(err)
			return err
		}
	}
	return nil
}

// Dispatch settles the pending transaction matching msg's transaction id.
// Interim messages (see WithInterim) are consumed and leave the entry pending.
// It reports false when no transaction matched, in which case the message is
// unsolicited and must be routed elsewhere.
func (r *Registry) Dispatch(msg protocol.Message) bool {
	id := msg.Transaction()
	if id == "" {
		return false
	}
	if tx, ok := r.items.Get(id); ok && tx.Interim(msg) {
		r.logger.Debug("interim response", zap.String("transaction", id), zap.String("janus", msg.Type()))
		return true
	}
	tx, ok := r.items.Pop(id)
	if !ok {
		return false
	}
	tx.SettleFromMessage(msg)
	return true
}

// Get returns the pending transaction with id.
func (r *Registry) Get(id string) (*Transaction, bool) {
	return r.items.Get(id)
}

// Remove drops id without settling it and returns the removed transaction.
func (r *Registry) Remove(id string) (*Transaction, bool) {
	return r.items.Pop(id)
}

// Len returns the number of pending transactions.
func (r *Registry) Len() int {
	return r.items.Count()
}

// IDs returns the pending transaction ids.
func (r *Registry) IDs() []string {
	return r.items.Keys()
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// Close fails every pending transaction with a *protocol.SessionClosedError
// wrapping cause and refuses further additions. It is safe to call more than
// once.
func (r *Registry) Close(cause error) {
	r.closed.Store(true)
	err := r.closedError(cause)
	for _, id := range r.items.Keys() {
		if tx, ok := r.items.Pop(id); ok {
			tx.Fail(err)
		}
	}
}

// SetOwner updates the owning session id, e.g. once the gateway assigned it.
func (r *Registry) SetOwner(id string) {
	r.owner.Store(id)
}

func (r *Registry) closedError(cause error) error {
	owner, _ := r.owner.Load().(string)
	return &protocol.SessionClosedError{SessionID: owner, Cause: cause}
}

// settled runs on every settlement of a registered transaction.
func (r *Registry) settled(tx *Transaction) {
	r.items.RemoveCb(tx.ID(), func(_ string, v *Transaction, exists bool) bool {
		return exists && v == tx
	})
	r.metrics.TransactionSettled(outcome(tx))
}

func outcome(tx *Transaction) string {
	err := tx.settleErr()
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, protocol.ErrTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, protocol.ErrSessionClosed):
		return observability.OutcomeClosed
	case errors.Is(err, protocol.ErrTransport):
		return observability.OutcomeTransport
	default:
		return observability.OutcomeError
	}
}
