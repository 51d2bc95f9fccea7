package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/janus.go/lib/codec"
	"github.com/snowmerak/janus.go/lib/protocol"
)

type listRequest struct {
	Request string `json:"request" cbor:"request"`
	Limit   int    `json:"limit,omitempty" cbor:"limit,omitempty"`
}

type listResponse struct {
	Result string   `json:"result" cbor:"result"`
	Items  []string `json:"items" cbor:"items"`
}

func TestAdapter_Call(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON(), codec.CBOR()} {
		t.Run(c.ContentType(), func(t *testing.T) {
			s := newFakeSession()
			var body map[string]any
			s.respond = func(fields map[string]any) map[string]any {
				body, _ = fields[protocol.FieldBody].(map[string]any)
				return map[string]any{
					"janus": "success",
					"plugindata": map[string]any{
						"plugin": "janus.plugin.test",
						"data":   map[string]any{"result": "ok", "items": []any{"a", "b"}},
					},
				}
			}
			h := NewHandle(s, "janus.plugin.test", "42")

			resp, err := NewAdapter[listRequest, listResponse](h, c).Call(context.Background(), listRequest{Request: "list", Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, listResponse{Result: "ok", Items: []string{"a", "b"}}, resp)
			require.NotNil(t, body)
			assert.Equal(t, "list", body["request"])
		})
	}
}

func ackThenEvent(result string) func(map[string]any) []map[string]any {
	return func(map[string]any) []map[string]any {
		return []map[string]any{
			{"janus": "ack"},
			{
				"janus":  "event",
				"sender": 42,
				"plugindata": map[string]any{
					"plugin": "janus.plugin.test",
					"data":   map[string]any{"result": result},
				},
			},
		}
	}
}

func TestAdapter_CallWithJSEP(t *testing.T) {
	s := newFakeSession()
	var jsep any
	events := ackThenEvent("ok")
	s.replies = func(fields map[string]any) []map[string]any {
		jsep = fields[protocol.FieldJSEP]
		return events(fields)
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	resp, err := NewAdapter[listRequest, listResponse](h, nil).CallWithJSEP(context.Background(),
		listRequest{Request: "configure"}, map[string]any{"type": "offer", "sdp": "v=0"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, jsep)
}

func TestAdapter_AckThenEventResolvesWithEvent(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON(), codec.CBOR()} {
		t.Run(c.ContentType(), func(t *testing.T) {
			s := newFakeSession()
			s.replies = ackThenEvent("configured")
			h := NewHandle(s, "janus.plugin.test", "42")

			resp, err := NewAdapter[listRequest, listResponse](h, c).Call(context.Background(), listRequest{Request: "configure"})
			require.NoError(t, err)
			assert.Equal(t, "configured", resp.Result)
			assert.Zero(t, s.unmatchedCount(), "the event must settle the transaction, not arrive as a push")
			assert.Zero(t, s.registry.Len())
		})
	}
}

func TestAdapter_ResponseWithoutPluginDataFails(t *testing.T) {
	s := newFakeSession()
	s.respond = func(map[string]any) map[string]any {
		return map[string]any{"janus": "success"}
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	_, err := NewAdapter[listRequest, listResponse](h, nil).Call(context.Background(), listRequest{Request: "list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plugin data")
}

func TestAdapter_PropagatesGatewayError(t *testing.T) {
	s := newFakeSession()
	s.respond = func(map[string]any) map[string]any {
		return map[string]any{"janus": "error", "error": map[string]any{"code": 490, "reason": "bad"}}
	}
	h := NewHandle(s, "janus.plugin.test", "42")

	_, err := NewAdapter[listRequest, listResponse](h, nil).Call(context.Background(), listRequest{Request: "list"})
	assert.ErrorIs(t, err, protocol.ErrDomain)
}
