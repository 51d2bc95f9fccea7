// Package protocol provides the envelope adapter and error taxonomy shared by
// sessions, handles and transactions.
//
// Only the fields needed for correlation and routing are interpreted here; the
// rest of an envelope is carried through untouched.
package protocol

import (
	"strconv"
)

// Envelope field names.
const (
	FieldJanus       = "janus"
	FieldTransaction = "transaction"
	FieldSessionID   = "session_id"
	FieldHandleID    = "handle_id"
	FieldSender      = "sender"
	FieldPlugin      = "plugin"
	FieldPluginData  = "plugindata"
	FieldData        = "data"
	FieldError       = "error"
	FieldJSEP        = "jsep"
	FieldBody        = "body"
)

// Values of the janus type discriminator.
const (
	TypeMessage   = "message"
	TypeAttach    = "attach"
	TypeDetach    = "detach"
	TypeDetached  = "detached"
	TypeCreate    = "create"
	TypeDestroy   = "destroy"
	TypeKeepAlive = "keepalive"
	TypeSuccess   = "success"
	TypeError     = "error"
	TypeAck       = "ack"
	TypeEvent     = "event"
	TypeTimeout   = "timeout"
	TypeHangup    = "hangup"
	TypeWebRTCUp  = "webrtcup"
	TypeMedia     = "media"
	TypeSlowLink  = "slowlink"
	TypeTrickle   = "trickle"
)

// Merge copies every key of each source into dst, later sources winning, and
// returns dst. A nil dst is allocated.
func Merge(dst map[string]any, srcs ...map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for _, src := range srcs {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}

// IDValue converts an opaque identifier to its wire form. Gateways allocate
// numeric ids, so numeric strings are sent as numbers.
func IDValue(id string) any {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return n
	}
	return id
}

// IDString renders a decoded identifier value (string, json.Number or any
// numeric type) as a string. It returns "" for anything else.
func IDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case interface{ String() string }:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case uint32:
		return strconv.FormatUint(uint64(id), 10)
	default:
		return ""
	}
}

// intValue reads a decoded numeric field.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
