package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/timer"
	"github.com/snowmerak/janus.go/lib/transaction"
)

// fakeSession records outgoing envelopes and owns a real transaction registry.
type fakeSession struct {
	registry *transaction.Registry
	timeout  time.Duration
	clock    *timer.ManualScheduler

	mu      sync.Mutex
	sent    []map[string]any
	sendErr error
	respond func(fields map[string]any) map[string]any
	// replies, when set, answers one request with several messages in order.
	replies func(fields map[string]any) []map[string]any
	// onSend runs before the envelope is recorded; a non-nil error fails the send.
	onSend    func(fields map[string]any) error
	unmatched []protocol.Message
	destroy   []func()
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		registry: transaction.NewRegistry(transaction.WithOwner("1")),
		clock:    timer.NewManualScheduler(),
	}
}

func (s *fakeSession) ID() string { return "1" }

func (s *fakeSession) Send(_ context.Context, fields map[string]any) error {
	s.mu.Lock()
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		if err := onSend(fields); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, fields)
	respond, replies := s.respond, s.replies
	s.mu.Unlock()

	var out []map[string]any
	if respond != nil {
		if reply := respond(fields); reply != nil {
			out = append(out, reply)
		}
	}
	if replies != nil {
		out = append(out, replies(fields)...)
	}
	for _, reply := range out {
		reply[protocol.FieldTransaction] = fields[protocol.FieldTransaction]
		msg := protocol.NewMessage(reply)
		if !s.registry.Dispatch(msg) {
			s.mu.Lock()
			s.unmatched = append(s.unmatched, msg)
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *fakeSession) unmatchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unmatched)
}

func (s *fakeSession) AddTransaction(tx *transaction.Transaction) error {
	return s.registry.Add(tx)
}

func (s *fakeSession) TransactionTimeout() time.Duration { return s.timeout }

func (s *fakeSession) Scheduler() timer.Scheduler { return s.clock }

func (s *fakeSession) OnDestroy(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.destroy)
	s.destroy = append(s.destroy, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.destroy[idx] = nil
	}
}

func (s *fakeSession) fireDestroy() {
	s.mu.Lock()
	fns := append([]func(){}, s.destroy...)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
	s.registry.Close(nil)
}

func (s *fakeSession) destroyListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fn := range s.destroy {
		if fn != nil {
			n++
		}
	}
	return n
}

func (s *fakeSession) sentOfType(kind string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.sent {
		if f[protocol.FieldJanus] == kind {
			out = append(out, f)
		}
	}
	return out
}

func detachedPush(id string) protocol.Message {
	return protocol.NewMessage(map[string]any{"janus": "detached", "sender": id})
}

func TestHandle_SendStampsHandleID(t *testing.T) {
	s := newFakeSession()
	h := NewHandle(s, "janus.plugin.test", "42")

	require.NoError(t, h.Send(context.Background(), map[string]any{"janus": "trickle"}))
	sent := s.sentOfType("trickle")
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(42), sent[0]["handle_id"])
}

func TestHandle_SendWithTransactionResolves(t *testing.T) {
	s := newFakeSession()
	s.respond = func(fields map[string]any) map[string]any {
		return map[string]any{
			"janus":      "success",
			"plugindata": map[string]any{"plugin": "janus.plugin.test", "data": map[string]any{"result": "ok"}},
		}
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	msg, err := h.Request(context.Background(), map[string]any{"body": map[string]any{"request": "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.PluginData()["result"])

	sent := s.sentOfType("message")
	require.Len(t, sent, 1)
	assert.Len(t, sent[0]["transaction"], 32)
	assert.Equal(t, 0, s.registry.Len())
}

func TestHandle_SendWithTransactionGatewayError(t *testing.T) {
	s := newFakeSession()
	s.respond = func(map[string]any) map[string]any {
		return map[string]any{
			"janus":      "success",
			"plugindata": map[string]any{"data": map[string]any{"error": "bad request", "error_code": 411}},
		}
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	_, err := h.Request(context.Background(), map[string]any{"body": map[string]any{}})
	require.ErrorIs(t, err, protocol.ErrDomain)

	var gwErr *protocol.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 411, gwErr.Code)
}

func TestHandle_SendFailureSettlesTransaction(t *testing.T) {
	s := newFakeSession()
	s.sendErr = errors.New("socket closed")
	h := NewHandle(s, "janus.plugin.test", "42")

	future := h.SendWithTransaction(context.Background(), map[string]any{"body": map[string]any{}})
	require.True(t, future.Settled())
	assert.ErrorIs(t, future.Err(), protocol.ErrTransport)
	assert.Equal(t, 0, s.registry.Len())
}

func TestHandle_TransactionTimeout(t *testing.T) {
	s := newFakeSession()
	s.timeout = 5 * time.Second
	h := NewHandle(s, "janus.plugin.test", "42")

	future := h.SendWithTransaction(context.Background(), map[string]any{"body": map[string]any{}})
	s.clock.Advance(4 * time.Second)
	assert.False(t, future.Settled())

	s.clock.Advance(time.Second)
	require.True(t, future.Settled())

	var timeoutErr *protocol.TimeoutError
	require.ErrorAs(t, future.Err(), &timeoutErr)
	assert.Equal(t, 5*time.Second, timeoutErr.Elapsed)
	assert.Equal(t, 0, s.registry.Len())
}

func TestHandle_DetachedPushTearsDown(t *testing.T) {
	s := newFakeSession()
	h := NewHandle(s, "janus.plugin.test", "42")

	var detaches, messages atomic.Int32
	h.OnDetach(func() { detaches.Add(1) })
	h.OnMessage(func(*protocol.PluginMessage) { messages.Add(1) })

	h.ProcessIncomeMessage(detachedPush("42"))
	h.ProcessIncomeMessage(detachedPush("42"))

	assert.Equal(t, StateDetached, h.State())
	assert.False(t, h.Attached())
	assert.Equal(t, int32(1), detaches.Load())
	assert.Equal(t, int32(2), messages.Load())
	assert.Equal(t, 0, s.destroyListeners())

	err := h.Send(context.Background(), map[string]any{"janus": "trickle"})
	assert.ErrorIs(t, err, protocol.ErrNoActiveSession)

	future := h.SendWithTransaction(context.Background(), map[string]any{})
	assert.ErrorIs(t, future.Err(), protocol.ErrNoActiveSession)
}

func TestHandle_ConcurrentDetachSharesOneRequest(t *testing.T) {
	s := newFakeSession()
	h := NewHandle(s, "janus.plugin.test", "42")

	var detaches atomic.Int32
	h.OnDetach(func() { detaches.Add(1) })

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- h.Detach(context.Background()) }()
	}

	require.Eventually(t, func() bool {
		return len(s.sentOfType("detach")) == 1 && h.State() == StateDetaching
	}, time.Second, time.Millisecond)

	h.ProcessIncomeMessage(detachedPush("42"))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("detach did not resolve")
		}
	}
	assert.Len(t, s.sentOfType("detach"), 1)
	assert.Equal(t, int32(1), detaches.Load())
	assert.NoError(t, h.Detach(context.Background()), "detaching twice is a no-op")
}

func TestHandle_DetachResolvesOnSuccessResponse(t *testing.T) {
	s := newFakeSession()
	s.respond = func(fields map[string]any) map[string]any {
		if fields["janus"] == "detach" {
			return map[string]any{"janus": "success"}
		}
		return nil
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	require.NoError(t, h.Detach(context.Background()))
	assert.Equal(t, StateDetached, h.State())
}

func TestHandle_DetachFailureKeepsHandleAttached(t *testing.T) {
	s := newFakeSession()
	s.respond = func(fields map[string]any) map[string]any {
		return map[string]any{"janus": "error", "error": map[string]any{"code": 458, "reason": "no such handle"}}
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	err := h.Detach(context.Background())
	require.ErrorIs(t, err, protocol.ErrDomain)
	assert.Equal(t, StateAttached, h.State())
	assert.True(t, h.Attached())
	assert.Equal(t, 1, s.destroyListeners())

	var detached atomic.Bool
	h.OnDetach(func() { detached.Store(true) })
	s.fireDestroy()
	assert.True(t, detached.Load())
}

func TestHandle_SessionDestroyTearsDown(t *testing.T) {
	s := newFakeSession()
	s.timeout = 5 * time.Second
	h := NewHandle(s, "janus.plugin.test", "42")

	pending := []*transaction.Future{
		h.SendWithTransaction(context.Background(), map[string]any{}),
		h.SendWithTransaction(context.Background(), map[string]any{}),
	}
	require.Equal(t, 2, s.registry.Len())

	var detaches atomic.Int32
	h.OnDetach(func() { detaches.Add(1) })

	s.fireDestroy()

	assert.Equal(t, StateDetached, h.State())
	assert.Equal(t, int32(1), detaches.Load())
	assert.Equal(t, 0, s.registry.Len())
	for _, f := range pending {
		require.True(t, f.Settled())
		assert.ErrorIs(t, f.Err(), protocol.ErrSessionClosed)
	}
	assert.Equal(t, 0, s.clock.Pending())
}

func TestHandle_CleanupWithoutWireRequest(t *testing.T) {
	s := newFakeSession()
	h := NewHandle(s, "janus.plugin.test", "42")

	h.Cleanup()
	h.Cleanup()
	assert.Equal(t, StateDetached, h.State())
	assert.Empty(t, s.sentOfType("detach"))
	select {
	case <-h.Detached():
	default:
		t.Fatal("detached channel not closed")
	}
}

func TestHandle_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHandle(newFakeSession(), "janus.plugin.test", "42")

	var count atomic.Int32
	unsubscribe := h.OnMessage(func(*protocol.PluginMessage) { count.Add(1) })
	h.ProcessIncomeMessage(protocol.NewMessage(map[string]any{"janus": "event"}))
	unsubscribe()
	h.ProcessIncomeMessage(protocol.NewMessage(map[string]any{"janus": "event"}))

	assert.Equal(t, int32(1), count.Load())
}

func TestHandle_ListenerPanicDoesNotStopOthers(t *testing.T) {
	h := NewHandle(newFakeSession(), "janus.plugin.test", "42")

	var reached atomic.Bool
	h.OnMessage(func(*protocol.PluginMessage) { panic("listener") })
	h.OnMessage(func(*protocol.PluginMessage) { reached.Store(true) })

	assert.NotPanics(t, func() {
		h.ProcessIncomeMessage(protocol.NewMessage(map[string]any{"janus": "event"}))
	})
	assert.True(t, reached.Load())
}

func TestHandle_String(t *testing.T) {
	h := NewHandle(nil, "janus.plugin.test", "42")
	assert.Equal(t, "Plugin{id=42 name=janus.plugin.test}", h.String())
	assert.Equal(t, StateDetached, h.State())
}

func TestHandle_SessionClosedWhileDetaching(t *testing.T) {
	s := newFakeSession()
	h := NewHandle(s, "janus.plugin.test", "42")

	errs := make(chan error, 1)
	go func() { errs <- h.Detach(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(s.sentOfType("detach")) == 1
	}, time.Second, time.Millisecond)

	s.fireDestroy()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("detach did not resolve")
	}
	assert.Equal(t, StateDetached, h.State())
}

func TestHandle_DetachedPushDuringFailedDetachSend(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newFakeSession()
		h := NewHandle(s, "janus.plugin.test", "42")
		s.onSend = func(fields map[string]any) error {
			if fields["janus"] != "detach" {
				return nil
			}
			h.ProcessIncomeMessage(detachedPush("42"))
			return errors.New("connection reset")
		}

		require.NoError(t, h.Detach(context.Background()), "iteration %d", i)
		assert.Equal(t, StateDetached, h.State())
		assert.False(t, h.Attached())
	}
}
