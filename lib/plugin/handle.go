// Package plugin provides the client-side proxy for one remote plugin instance.
// This file contains the Handle type, its collaborators and its attach/detach lifecycle.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/janus.go/lib/observability"
	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/timer"
	"github.com/snowmerak/janus.go/lib/transaction"
)

// Session is what a handle needs from its owning session. The handle never
// owns the session; it drops the reference on teardown.
type Session interface {
	ID() string
	// Send stamps session routing fields and hands the envelope to the transport.
	Send(ctx context.Context, fields map[string]any) error
	// AddTransaction registers tx with the session's transaction registry.
	AddTransaction(tx *transaction.Transaction) error
	// TransactionTimeout is the configured request timeout; zero means none.
	TransactionTimeout() time.Duration
	// OnDestroy subscribes fn to session destruction.
	OnDestroy(fn func()) (unsubscribe func())
}

// SchedulerProvider is implemented by sessions that drive transaction
// timeouts from a clock other than the runtime clock.
type SchedulerProvider interface {
	Scheduler() timer.Scheduler
}

// IncomeProcessor handles inbound messages that are not lifecycle pushes.
// Specialised handles override it.
type IncomeProcessor interface {
	DefaultProcessIncomeMessage(msg *protocol.PluginMessage) error
}

// OutcomeProcessor may rewrite outgoing fields before they are sent.
type OutcomeProcessor interface {
	ProcessOutcomeMessage(fields map[string]any) (map[string]any, error)
}

// PluginHandle is the polymorphic handle interface. *Handle implements it and
// specialised handles embed *Handle.
type PluginHandle interface {
	ID() string
	Name() string
	State() State
	Attached() bool
	Send(ctx context.Context, fields map[string]any) error
	SendWithTransaction(ctx context.Context, fields map[string]any, opts ...transaction.Option) *transaction.Future
	Request(ctx context.Context, fields map[string]any, opts ...transaction.Option) (protocol.Message, error)
	Detach(ctx context.Context) error
	Cleanup()
	ProcessIncomeMessage(msg protocol.Message)
	OnMessage(fn func(*protocol.PluginMessage)) (unsubscribe func())
	OnError(fn func(error)) (unsubscribe func())
	OnDetach(fn func()) (unsubscribe func())
	Base() *Handle
	String() string
}

// State is the handle lifecycle state.
type State int

const (
	StateAttached State = iota
	StateDetaching
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StateDetaching:
		return "Detaching"
	case StateDetached:
		return "Detached"
	default:
		return "Unknown"
	}
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the handle logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records handle events in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handle) {
		h.metrics = m
	}
}

// detachCall is the result shared by every concurrent Detach.
type detachCall struct {
	done chan struct{}
	err  error
}

// Handle is the base plugin handle.
type Handle struct {
	id   string
	name string

	processor IncomeProcessor
	outcome   OutcomeProcessor

	mu                 sync.Mutex
	session            Session
	state              State
	unsubscribeDestroy func()
	detaching          *detachCall
	detached           chan struct{}

	onMessage listeners[*protocol.PluginMessage]
	onError   listeners[error]
	onDetach  listeners[struct{}]

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHandle creates an attached base handle and subscribes it to the
// session's destroy notification.
func NewHandle(session Session, name, id string, opts ...Option) *Handle {
	h := &Handle{
		id:       id,
		name:     name,
		session:  session,
		state:    StateAttached,
		detached: make(chan struct{}),
		logger:   zap.NewNop(),
	}
	h.processor = h
	h.outcome = h
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("handle", id), zap.String("plugin", name))
	if session != nil {
		h.unsubscribeDestroy = session.OnDestroy(h.onSessionDestroy)
	} else {
		h.state = StateDetached
		close(h.detached)
	}
	return h
}

// ID returns the handle id.
func (h *Handle) ID() string { return h.id }

// Name returns the plugin name.
func (h *Handle) Name() string { return h.name }

// Base returns h. Specialised handles inherit it through embedding.
func (h *Handle) Base() *Handle { return h }

// State returns the lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attached reports whether the handle still holds its session.
func (h *Handle) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// Detached is closed once the handle reaches StateDetached.
func (h *Handle) Detached() <-chan struct{} {
	return h.detached
}

// Session returns the owning session, or nil once detached.
func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handle) String() string {
	return fmt.Sprintf("Plugin{id=%s name=%s}", h.id, h.name)
}

// OnMessage subscribes to every inbound message.
func (h *Handle) OnMessage(fn func(*protocol.PluginMessage)) func() {
	return h.onMessage.add(fn, false)
}

// OnError subscribes to inbound processing failures.
func (h *Handle) OnError(fn func(error)) func() {
	return h.onError.add(fn, false)
}

// OnDetach subscribes to the terminal detach event.
func (h *Handle) OnDetach(fn func()) func() {
	return h.onDetach.add(func(struct{}) { fn() }, true)
}

// Send stamps fields with the handle id and forwards them to the session.
// It fails with a *protocol.LifecycleError once the handle is detached.
func (h *Handle) Send(ctx context.Context, fields map[string]any) error {
	session := h.Session()
	if session == nil {
		return &protocol.LifecycleError{HandleID: h.id, Op: "send"}
	}

	out, err := h.outcome.ProcessOutcomeMessage(protocol.Merge(nil, fields))
	if err != nil {
		return fmt.Errorf("%s: prepare outgoing message: %w", h, err)
	}
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[protocol.FieldHandleID] = protocol.IDValue(h.id)

	if err := session.Send(ctx, out); err != nil {
		if errors.Is(err, protocol.ErrTransport) || errors.Is(err, protocol.ErrSessionClosed) || errors.Is(err, protocol.ErrNoActiveSession) {
			return err
		}
		return &protocol.TransportError{Op: "send", Err: err}
	}
	return nil
}

// SendWithTransaction sends fields inside a correlated request envelope and
// returns the transaction's future. Any failure, including one raised before
// or during the send, settles the returned future. opts are applied to the
// transaction, e.g. transaction.AwaitEvent for asynchronous plugin requests.
func (h *Handle) SendWithTransaction(ctx context.Context, fields map[string]any, opts ...transaction.Option) *transaction.Future {
	session := h.Session()
	if session == nil {
		return failedFuture(&protocol.LifecycleError{HandleID: h.id, Op: "send"})
	}

	id, err := transaction.GenerateID()
	if err != nil {
		return failedFuture(fmt.Errorf("generate transaction id: %w", err))
	}

	var txOpts []transaction.Option
	if sp, ok := session.(SchedulerProvider); ok {
		txOpts = append(txOpts, transaction.WithScheduler(sp.Scheduler()))
	}
	txOpts = append(txOpts, opts...)
	tx := transaction.New(id, transaction.ClassifyGatewayError, session.TransactionTimeout(), txOpts...)

	envelope := protocol.Merge(map[string]any{protocol.FieldJanus: protocol.TypeMessage}, fields)
	envelope[protocol.FieldTransaction] = id

	if err := session.AddTransaction(tx); err != nil {
		tx.Fail(err)
		return tx.Future()
	}
	if err := h.Send(ctx, envelope); err != nil {
		h.logger.Debug("correlated send failed", zap.String("transaction", id), zap.Error(err))
		tx.Fail(err)
	}
	return tx.Future()
}

// Request is SendWithTransaction followed by waiting on the future.
func (h *Handle) Request(ctx context.Context, fields map[string]any, opts ...transaction.Option) (protocol.Message, error) {
	return h.SendWithTransaction(ctx, fields, opts...).Wait(ctx)
}

// Detach asks the gateway to detach the handle and waits for the local detach
// event. Concurrent calls share a single wire request. Detaching an already
// detached handle returns nil immediately.
func (h *Handle) Detach(ctx context.Context) error {
	h.mu.Lock()
	if h.session == nil {
		h.mu.Unlock()
		return nil
	}
	call := h.detaching
	if call == nil {
		call = &detachCall{done: make(chan struct{})}
		h.detaching = call
		h.state = StateDetaching
		unsubscribe := h.unsubscribeDestroy
		h.unsubscribeDestroy = nil
		h.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		future := h.SendWithTransaction(ctx, map[string]any{protocol.FieldJanus: protocol.TypeDetach})
		go h.awaitDetach(call, future)
	} else {
		h.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) awaitDetach(call *detachCall, future *transaction.Future) {
	select {
	case <-h.detached:
	case <-future.Done():
		err := future.Err()
		if err != nil && h.Attached() &&
			!errors.Is(err, protocol.ErrSessionClosed) && !errors.Is(err, protocol.ErrNoActiveSession) {
			h.abortDetach(call, err)
			return
		}
		// A success response, the session closing underneath the request, or a
		// teardown that beat the request out is as final as the detached push.
		h.teardown()
	}
	h.mu.Lock()
	if h.detaching == call {
		h.detaching = nil
	}
	h.mu.Unlock()
	close(call.done)
}

// abortDetach returns a handle whose detach request failed to Attached so a
// later Detach can retry.
func (h *Handle) abortDetach(call *detachCall, err error) {
	h.mu.Lock()
	if h.detaching == call {
		h.detaching = nil
	}
	session := h.session
	if session != nil {
		h.state = StateAttached
	}
	h.mu.Unlock()

	if session == nil {
		// torn down in the meantime; the detach happened after all
		close(call.done)
		return
	}
	unsubscribe := session.OnDestroy(h.onSessionDestroy)
	h.mu.Lock()
	if h.session != nil {
		h.unsubscribeDestroy = unsubscribe
		unsubscribe = nil
	}
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	h.logger.Warn("detach request failed", zap.Error(err))
	call.err = err
	close(call.done)
}

// Cleanup tears the handle down without a wire request.
func (h *Handle) Cleanup() {
	h.teardown()
}

// ProcessIncomeMessage dispatches a message addressed to this handle. A
// detached push tears the handle down; anything else goes to the
// IncomeProcessor. Failures are reported through the error event and never
// escape. The message event always fires afterwards.
func (h *Handle) ProcessIncomeMessage(msg protocol.Message) {
	pm := protocol.NewPluginMessage(msg, h.name, h.id)

	if err := h.processIncome(pm); err != nil {
		h.logger.Debug("inbound message processing failed", zap.Error(err))
		h.metrics.HandleEvent(string(EventError))
		h.onError.emit(err, h.reportListenerPanic)
	}

	h.metrics.HandleEvent(string(EventMessage))
	h.onMessage.emit(pm, h.reportListenerPanic)
}

func (h *Handle) processIncome(pm *protocol.PluginMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: inbound processing panic: %v", h, r)
		}
	}()

	if pm.Type() == protocol.TypeDetached {
		h.teardown()
		return nil
	}
	return h.processor.DefaultProcessIncomeMessage(pm)
}

// DefaultProcessIncomeMessage is the base behaviour for non-lifecycle
// messages: nothing beyond the message event.
func (h *Handle) DefaultProcessIncomeMessage(msg *protocol.PluginMessage) error {
	return nil
}

// ProcessOutcomeMessage is the base behaviour for outgoing fields: identity.
func (h *Handle) ProcessOutcomeMessage(fields map[string]any) (map[string]any, error) {
	return fields, nil
}

func (h *Handle) onSessionDestroy() {
	h.teardown()
}

// teardown is the single choke point for leaving the session. It clears the
// session reference and fires the detach event, at most once.
func (h *Handle) teardown() bool {
	h.mu.Lock()
	if h.session == nil {
		h.mu.Unlock()
		return false
	}
	h.session = nil
	h.state = StateDetached
	unsubscribe := h.unsubscribeDestroy
	h.unsubscribeDestroy = nil
	close(h.detached)
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	h.logger.Debug("handle detached")
	h.metrics.HandleEvent(string(EventDetach))
	h.onDetach.emit(struct{}{}, h.reportListenerPanic)
	return true
}

func (h *Handle) reportListenerPanic(err error) {
	h.logger.Error("handle listener panicked", zap.Error(err))
}

func failedFuture(err error) *transaction.Future {
	tx := transaction.New("", nil, 0)
	tx.Fail(err)
	return tx.Future()
}
