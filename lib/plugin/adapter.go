package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/janus.go/lib/codec"
	"github.com/snowmerak/janus.go/lib/protocol"
	"github.com/snowmerak/janus.go/lib/transaction"
)

// Adapter provides typed request/response calls on top of a handle.
// The request is converted into the message body and the plugin data of the
// response is decoded into Resp.
type Adapter[Req, Resp any] struct {
	handle PluginHandle
	codec  codec.Codec
}

// NewAdapter creates an adapter over h. A nil codec selects JSON.
func NewAdapter[Req, Resp any](h PluginHandle, c codec.Codec) *Adapter[Req, Resp] {
	if c == nil {
		c = codec.JSON()
	}
	return &Adapter[Req, Resp]{handle: h, codec: c}
}

// Call sends request as {"body": request} and waits for the correlated
// response. An ack only acknowledges receipt, so the call keeps waiting for
// the plugin event that follows it.
func (a *Adapter[Req, Resp]) Call(ctx context.Context, request Req) (Resp, error) {
	return a.CallWithJSEP(ctx, request, nil)
}

// CallWithJSEP is Call with a session description attached to the message.
func (a *Adapter[Req, Resp]) CallWithJSEP(ctx context.Context, request Req, jsep map[string]any) (Resp, error) {
	var zero Resp

	var body map[string]any
	if err := codec.Convert(a.codec, request, &body); err != nil {
		return zero, fmt.Errorf("adapter %s: encode request: %w", a.handle.Name(), err)
	}

	fields := map[string]any{protocol.FieldBody: body}
	if jsep != nil {
		fields[protocol.FieldJSEP] = jsep
	}

	msg, err := a.handle.Request(ctx, fields, transaction.AwaitEvent())
	if err != nil {
		return zero, err
	}

	data := msg.PluginData()
	if data == nil {
		return zero, fmt.Errorf("adapter %s: %s response carries no plugin data", a.handle.Name(), msg.Type())
	}

	var resp Resp
	if err := codec.Convert(a.codec, data, &resp); err != nil {
		return zero, fmt.Errorf("adapter %s: decode response: %w", a.handle.Name(), err)
	}
	return resp, nil
}
