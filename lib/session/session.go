// Package session implements the gateway session that owns plugin handles.
//
// A Session stamps outgoing envelopes with its id, keeps the transaction
// registry shared by itself and its handles, routes inbound messages either to
// a pending transaction or to the addressed handle, and tears everything down
// when it is destroyed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/snowmerak/janus.go/lib/config"
	"github.com/snowmerak/janus.go/lib/observability"
	"github.com/snowmerak/janus.go/lib/plugin"
	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/timer"
	"github.com/snowmerak/janus.go/lib/transaction"
)

// Transport delivers an envelope to the gateway.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Config holds the per-session request settings.
type Config = config.SessionConfig

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Handles inherit it.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records transaction and handle metrics in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithScheduler drives transaction timeouts and keepalives from sched.
func WithScheduler(sched timer.Scheduler) Option {
	return func(s *Session) {
		if sched != nil {
			s.scheduler = sched
		}
	}
}

type destroyListener struct {
	id uint64
	fn func()
}

// Session is one gateway session.
type Session struct {
	transport Transport
	cfg       Config
	scheduler timer.Scheduler
	logger    *zap.Logger
	metrics   *observability.Metrics

	idMu sync.RWMutex
	id   string

	registry *transaction.Registry
	handles  cmap.ConcurrentMap[string, plugin.PluginHandle]

	destroyMu   sync.Mutex
	destroyNext uint64
	destroyFns  []destroyListener

	keepAlive *timer.Timer
	closed    atomic.Bool
	done      chan struct{}
}

// New creates a session bound to transport. id may be empty when the session
// is going to be created on the gateway with Create.
func New(id string, transport Transport, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:        id,
		transport: transport,
		cfg:       cfg,
		scheduler: timer.RuntimeScheduler,
		logger:    zap.NewNop(),
		handles:   cmap.New[plugin.PluginHandle](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = transaction.NewRegistry(
		transaction.WithLogger(s.logger),
		transaction.WithMetrics(s.metrics),
		transaction.WithOwner(id),
	)
	return s
}

// ID returns the gateway session id, or "" before Create.
func (s *Session) ID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

// TransactionTimeout implements plugin.Session.
func (s *Session) TransactionTimeout() time.Duration {
	return s.cfg.TransactionTimeout
}

// Scheduler implements plugin.SchedulerProvider.
func (s *Session) Scheduler() timer.Scheduler {
	return s.scheduler
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Pending returns the number of in-flight transactions.
func (s *Session) Pending() int {
	return s.registry.Len()
}

// Create asks the gateway for a new session and adopts the returned id.
func (s *Session) Create(ctx context.Context) error {
	if id := s.ID(); id != "" {
		return fmt.Errorf("session %s already created", id)
	}
	msg, err := s.Request(ctx, map[string]any{protocol.FieldJanus: protocol.TypeCreate})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	id := protocol.IDString(msg.Data()["id"])
	if id == "" {
		return fmt.Errorf("create session: response carries no id")
	}

	s.idMu.Lock()
	s.id = id
	s.idMu.Unlock()
	s.registry.SetOwner(id)
	s.logger.Info("session created", zap.String("session", id))
	return nil
}

// Send stamps fields with the session id and hands them to the transport.
func (s *Session) Send(ctx context.Context, fields map[string]any) error {
	if s.closed.Load() {
		return &protocol.SessionClosedError{SessionID: s.ID()}
	}

	out := protocol.Merge(nil, fields)
	if id := s.ID(); id != "" {
		out[protocol.FieldSessionID] = protocol.IDValue(id)
	}

	if err := s.transport.Send(ctx, protocol.NewMessage(out)); err != nil {
		if errors.Is(err, protocol.ErrTransport) {
			return err
		}
		return &protocol.TransportError{Op: "send", Err: err}
	}
	return nil
}

// AddTransaction implements plugin.Session.
func (s *Session) AddTransaction(tx *transaction.Transaction) error {
	return s.registry.Add(tx)
}

// SendWithTransaction sends a session-level correlated request. fields must
// carry the janus request type.
func (s *Session) SendWithTransaction(ctx context.Context, fields map[string]any) *transaction.Future {
	id, err := transaction.GenerateID()
	if err != nil {
		tx := transaction.New("", nil, 0)
		tx.Fail(fmt.Errorf("generate transaction id: %w", err))
		return tx.Future()
	}

	tx := transaction.New(id, transaction.ClassifyGatewayError, s.cfg.TransactionTimeout,
		transaction.WithScheduler(s.scheduler))
	envelope := protocol.Merge(nil, fields)
	envelope[protocol.FieldTransaction] = id

	if err := s.registry.Add(tx); err != nil {
		tx.Fail(err)
		return tx.Future()
	}
	if err := s.Send(ctx, envelope); err != nil {
		s.logger.Debug("correlated send failed", zap.String("transaction", id), zap.Error(err))
		tx.Fail(err)
	}
	return tx.Future()
}

// Request is SendWithTransaction followed by waiting on the result.
func (s *Session) Request(ctx context.Context, fields map[string]any) (protocol.Message, error) {
	return s.SendWithTransaction(ctx, fields).Wait(ctx)
}

// Attach creates a handle for pluginName on the gateway. The concrete handle
// type comes from the plugin type registry.
func (s *Session) Attach(ctx context.Context, pluginName string) (plugin.PluginHandle, error) {
	msg, err := s.Request(ctx, map[string]any{
		protocol.FieldJanus:  protocol.TypeAttach,
		protocol.FieldPlugin: pluginName,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", pluginName, err)
	}
	id := protocol.IDString(msg.Data()["id"])
	if id == "" {
		return nil, fmt.Errorf("attach %s: response carries no handle id", pluginName)
	}
	if s.closed.Load() {
		return nil, &protocol.SessionClosedError{SessionID: s.ID()}
	}

	h := plugin.Create(s, pluginName, id,
		plugin.WithLogger(s.logger),
		plugin.WithMetrics(s.metrics),
	)
	s.handles.Set(id, h)
	h.OnDetach(func() {
		s.handles.RemoveCb(id, func(_ string, v plugin.PluginHandle, exists bool) bool {
			return exists && v == h
		})
	})
	if s.closed.Load() {
		h.Cleanup()
		return nil, &protocol.SessionClosedError{SessionID: s.ID()}
	}
	s.logger.Debug("handle attached", zap.String("handle", id), zap.String("plugin", pluginName))
	return h, nil
}

// Handle returns the attached handle with id.
func (s *Session) Handle(id string) (plugin.PluginHandle, bool) {
	return s.handles.Get(id)
}

// Handles returns every attached handle.
func (s *Session) Handles() []plugin.PluginHandle {
	out := make([]plugin.PluginHandle, 0, s.handles.Count())
	for item := range s.handles.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}

// ProcessIncomeMessage routes one inbound message. Correlated responses settle
// their transaction; pushes go to the handle named by sender. Messages are
// processed on the caller's goroutine, so a transport that calls this from a
// single read loop preserves arrival order.
func (s *Session) ProcessIncomeMessage(msg protocol.Message) {
	if s.registry.Dispatch(msg) {
		return
	}

	if handleID := msg.HandleID(); handleID != "" {
		h, ok := s.handles.Get(handleID)
		if !ok {
			s.logger.Debug("dropping push for unknown handle",
				zap.String("handle", handleID), zap.String("janus", msg.Type()))
			return
		}
		h.ProcessIncomeMessage(msg)
		return
	}

	switch msg.Type() {
	case protocol.TypeTimeout:
		s.logger.Warn("session timed out on the gateway")
		s.Close()
	case protocol.TypeAck, protocol.TypeSuccess, protocol.TypeError:
		if tx := msg.Transaction(); tx != "" {
			s.logger.Debug("late or unknown response", zap.String("transaction", tx), zap.String("janus", msg.Type()))
		}
	default:
		s.logger.Debug("unsolicited session message", zap.String("janus", msg.Type()))
	}
}

// OnDestroy implements plugin.Session. fn runs once when the session closes.
func (s *Session) OnDestroy(fn func()) func() {
	s.destroyMu.Lock()
	defer s.destroyMu.Unlock()
	s.destroyNext++
	id := s.destroyNext
	s.destroyFns = append(s.destroyFns, destroyListener{id: id, fn: fn})
	return func() {
		s.destroyMu.Lock()
		defer s.destroyMu.Unlock()
		for i, l := range s.destroyFns {
			if l.id == id {
				s.destroyFns = append(s.destroyFns[:i], s.destroyFns[i+1:]...)
				return
			}
		}
	}
}

// KeepAlive sends one keepalive request and waits for its acknowledgement.
func (s *Session) KeepAlive(ctx context.Context) error {
	_, err := s.Request(ctx, map[string]any{protocol.FieldJanus: protocol.TypeKeepAlive})
	return err
}

// StartKeepAlive sends a keepalive every Config.KeepAliveInterval until the
// session closes. It is a no-op when the interval is not positive.
func (s *Session) StartKeepAlive() {
	if s.cfg.KeepAliveInterval <= 0 || s.closed.Load() {
		return
	}
	s.destroyMu.Lock()
	if s.keepAlive == nil {
		s.keepAlive = timer.New(s.keepAliveTick, s.cfg.KeepAliveInterval, timer.WithScheduler(s.scheduler))
	}
	t := s.keepAlive
	s.destroyMu.Unlock()
	t.Start()
}

func (s *Session) keepAliveTick() {
	if s.closed.Load() {
		return
	}
	future := s.SendWithTransaction(context.Background(), map[string]any{protocol.FieldJanus: protocol.TypeKeepAlive})
	go func() {
		select {
		case <-future.Done():
			if err := future.Err(); err != nil && !errors.Is(err, protocol.ErrSessionClosed) {
				s.logger.Warn("keepalive failed", zap.Error(err))
			}
		case <-s.done:
		}
	}()

	s.destroyMu.Lock()
	t := s.keepAlive
	s.destroyMu.Unlock()
	if t != nil && !s.closed.Load() {
		t.Start()
	}
}

// Destroy asks the gateway to destroy the session and then closes it locally.
// The session is closed even when the request fails.
func (s *Session) Destroy(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	_, err := s.Request(ctx, map[string]any{protocol.FieldJanus: protocol.TypeDestroy})
	s.Close()
	if err != nil {
		return fmt.Errorf("destroy session %s: %w", s.ID(), err)
	}
	return nil
}

// Close tears the session down without a wire request: every handle detaches
// and every pending transaction fails with *protocol.SessionClosedError.
func (s *Session) Close() {
	s.CloseWithCause(nil)
}

// CloseWithCause is Close with cause wrapped into the errors of the pending
// transactions, e.g. the transport failure that ended the session.
func (s *Session) CloseWithCause(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.destroyMu.Lock()
	listeners := s.destroyFns
	s.destroyFns = nil
	keepAlive := s.keepAlive
	s.destroyMu.Unlock()

	if keepAlive != nil {
		keepAlive.Stop()
	}
	for _, l := range listeners {
		s.runDestroyListener(l.fn)
	}
	s.registry.Close(cause)
	close(s.done)

	s.logger.Info("session closed", zap.Error(cause))
}

func (s *Session) runDestroyListener(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("destroy listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
