// Package echotest implements the handle for the gateway's echo test plugin.
package echotest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/snowmerak/janus.go/lib/plugin"
	"github.com/snowmerak/janus.go/lib/protocol"
)

// PluginName is the gateway plugin this handle talks to.
const PluginName = "janus.plugin.echotest"

func init() {
	plugin.Register(PluginName, New)
}

// EchoConfig is the body of a configure request. Nil fields are left untouched
// on the gateway side.
type EchoConfig struct {
	Audio   *bool  `json:"audio,omitempty" cbor:"audio,omitempty"`
	Video   *bool  `json:"video,omitempty" cbor:"video,omitempty"`
	Bitrate uint32 `json:"bitrate,omitempty" cbor:"bitrate,omitempty"`
}

// Result is the plugin data of a configure response.
type Result struct {
	EchoTest string `json:"echotest" cbor:"echotest"`
	Result   string `json:"result" cbor:"result"`
}

// MediaState is what the handle knows about the peer connection.
type MediaState struct {
	WebRTCUp       bool
	AudioReceiving bool
	VideoReceiving bool
	HangupReason   string
}

// Handle is the echo test handle.
type Handle struct {
	*plugin.Handle

	configure *plugin.Adapter[EchoConfig, Result]

	mu         sync.RWMutex
	lastResult string
	media      MediaState
}

// New wraps base. It is registered as the constructor for PluginName.
func New(base *plugin.Handle) plugin.PluginHandle {
	h := &Handle{Handle: base}
	h.configure = plugin.NewAdapter[EchoConfig, Result](h, nil)
	return h
}

// Configure sends an echo test configuration and waits for its result.
func (h *Handle) Configure(ctx context.Context, cfg EchoConfig) (Result, error) {
	res, err := h.configure.Call(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	if res.Result != "" && res.Result != "ok" {
		return res, fmt.Errorf("echotest configure: unexpected result %q", res.Result)
	}
	return res, nil
}

// ConfigureWithOffer is Configure with an SDP offer attached.
func (h *Handle) ConfigureWithOffer(ctx context.Context, cfg EchoConfig, offer map[string]any) (Result, error) {
	if offer == nil {
		return Result{}, errors.New("echotest configure: nil offer")
	}
	return h.configure.CallWithJSEP(ctx, cfg, offer)
}

// LastResult returns the result of the most recent plugin event.
func (h *Handle) LastResult() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastResult
}

// Media returns the current media state.
func (h *Handle) Media() MediaState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.media
}

// DefaultProcessIncomeMessage tracks plugin results and media pushes.
func (h *Handle) DefaultProcessIncomeMessage(msg *protocol.PluginMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type() {
	case protocol.TypeWebRTCUp:
		h.media.WebRTCUp = true
		h.media.HangupReason = ""
	case protocol.TypeMedia:
		receiving, _ := msg.Get("receiving").(bool)
		switch msg.GetString("type") {
		case "audio":
			h.media.AudioReceiving = receiving
		case "video":
			h.media.VideoReceiving = receiving
		}
	case protocol.TypeHangup:
		h.media = MediaState{HangupReason: msg.GetString("reason")}
	case protocol.TypeEvent:
		if gwErr := msg.GatewayError(); gwErr != nil {
			return gwErr
		}
		if s, ok := msg.Result().(string); ok {
			h.lastResult = s
		}
	}
	return nil
}
