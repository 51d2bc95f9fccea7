package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/janus.go/lib/observability"
	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/timer"
)

func TestRegistry_DispatchSettlesAndRemoves(t *testing.T) {
	r := NewRegistry()
	tx := New("X", ClassifyGatewayError, 0)
	require.NoError(t, r.Add(tx))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Dispatch(response("X", map[string]any{"result": "ok"})))
	assert.Equal(t, 0, r.Len())

	msg, err := tx.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Get("result"))

	assert.False(t, r.Dispatch(response("X", nil)), "second response must be unsolicited")
}

func TestRegistry_DispatchUnknownOrUncorrelated(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Dispatch(protocol.NewMessage(map[string]any{"janus": "event"})))
	assert.False(t, r.Dispatch(response("missing", nil)))
}

func TestRegistry_TimeoutRemovesEntry(t *testing.T) {
	clock := timer.NewManualScheduler()
	r := NewRegistry()
	tx := New("X", ClassifyGatewayError, 5*time.Second, WithScheduler(clock))
	require.NoError(t, r.Add(tx))

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, tx.Future().Err(), protocol.ErrTimeout)
	assert.Equal(t, 0, r.Len())

	assert.False(t, r.Dispatch(response("X", nil)), "late response is routed as unsolicited")
}

func TestRegistry_DuplicateRefused(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(New("X", nil, 0)))
	err := r.Add(New("X", nil, 0))
	assert.ErrorIs(t, err, protocol.ErrDuplicateTransaction)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CloseSettlesPending(t *testing.T) {
	r := NewRegistry(WithOwner("session-1"))
	var txs []*Transaction
	for _, id := range []string{"a", "b", "c"} {
		tx := New(id, nil, time.Hour)
		require.NoError(t, r.Add(tx))
		txs = append(txs, tx)
	}

	r.Close(nil)

	assert.Equal(t, 0, r.Len())
	for _, tx := range txs {
		require.True(t, tx.Future().Settled())
		var closed *protocol.SessionClosedError
		require.ErrorAs(t, tx.Future().Err(), &closed)
		assert.Equal(t, "session-1", closed.SessionID)
	}

	late := New("d", nil, 0)
	assert.ErrorIs(t, r.Add(late), protocol.ErrSessionClosed)
	assert.ErrorIs(t, late.Future().Err(), protocol.ErrSessionClosed)
}

func TestRegistry_ReentrantSendFromSettlement(t *testing.T) {
	r := NewRegistry()
	first := New("first", nil, 0)
	require.NoError(t, r.Add(first))

	second := New("second", nil, 0)
	first.OnSettle(func(*Transaction) {
		require.NoError(t, r.Add(second))
	})

	assert.True(t, r.Dispatch(response("first", nil)))
	assert.Equal(t, []string{"second"}, r.IDs())
	assert.True(t, r.Dispatch(response("second", nil)))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveDoesNotSettle(t *testing.T) {
	r := NewRegistry()
	tx := New("X", nil, 0)
	require.NoError(t, r.Add(tx))

	got, ok := r.Remove("X")
	require.True(t, ok)
	assert.Same(t, tx, got)
	assert.False(t, tx.Settled())
}

func TestRegistry_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(WithMetrics(observability.NewMetrics(reg, "test")))
	clock := timer.NewManualScheduler()

	require.NoError(t, r.Add(New("ok", nil, 0)))
	require.NoError(t, r.Add(New("late", nil, time.Second, WithScheduler(clock))))
	r.Dispatch(response("ok", nil))
	clock.Advance(time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				key := mf.GetName()
				for _, l := range m.GetLabel() {
					key += ":" + l.GetValue()
				}
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["test_transaction_started_total"])
	assert.Equal(t, 1.0, values["test_transaction_settled_total:ok"])
	assert.Equal(t, 1.0, values["test_transaction_settled_total:timeout"])
	assert.Equal(t, 0.0, values["test_transaction_pending"])
}

func TestRegistry_AckKeepsEventTransactionPending(t *testing.T) {
	r := NewRegistry()
	tx := New("X", ClassifyGatewayError, 0, AwaitEvent())
	require.NoError(t, r.Add(tx))

	assert.True(t, r.Dispatch(response("X", map[string]any{"janus": "ack"})), "ack is consumed")
	assert.False(t, tx.Settled())
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Dispatch(response("X", map[string]any{
		"janus":      "event",
		"plugindata": map[string]any{"data": map[string]any{"result": "ok"}},
	})))
	msg, err := tx.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "event", msg.Type())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_AckSettlesPlainTransaction(t *testing.T) {
	r := NewRegistry()
	tx := New("X", ClassifyGatewayError, 0)
	require.NoError(t, r.Add(tx))

	assert.True(t, r.Dispatch(response("X", map[string]any{"janus": "ack"})))
	assert.True(t, tx.Settled())
	assert.NoError(t, tx.Future().Err())
}
