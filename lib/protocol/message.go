package protocol

import (
	"fmt"
	"strings"
)

// Message is a decoded envelope.
type Message struct {
	fields map[string]any
}

// NewMessage wraps fields. The map is not copied.
func NewMessage(fields map[string]any) Message {
	if fields == nil {
		fields = make(map[string]any)
	}
	return Message{fields: fields}
}

// Get returns the raw value of a top-level field.
func (m Message) Get(key string) any {
	return m.fields[key]
}

// GetString returns a top-level field as a string, or "" if absent or not a string.
func (m Message) GetString(key string) string {
	s, _ := m.fields[key].(string)
	return s
}

// Type returns the janus type discriminator.
func (m Message) Type() string {
	return m.GetString(FieldJanus)
}

// Transaction returns the correlation id, or "" for unsolicited messages.
func (m Message) Transaction() string {
	return IDString(m.fields[FieldTransaction])
}

// SessionID returns the session the message is addressed to.
func (m Message) SessionID() string {
	return IDString(m.fields[FieldSessionID])
}

// HandleID returns the handle a push belongs to. Gateways use "sender" on
// inbound pushes and "handle_id" on outbound requests.
func (m Message) HandleID() string {
	if id := IDString(m.fields[FieldSender]); id != "" {
		return id
	}
	return IDString(m.fields[FieldHandleID])
}

// Data returns the top-level "data" object (e.g. the attach response).
func (m Message) Data() map[string]any {
	d, _ := m.fields[FieldData].(map[string]any)
	return d
}

// PluginName returns plugindata.plugin.
func (m Message) PluginName() string {
	pd, _ := m.fields[FieldPluginData].(map[string]any)
	s, _ := pd[FieldPlugin].(string)
	return s
}

// PluginData returns plugindata.data.
func (m Message) PluginData() map[string]any {
	pd, _ := m.fields[FieldPluginData].(map[string]any)
	d, _ := pd[FieldData].(map[string]any)
	return d
}

// JSEP returns the attached session description, if any.
func (m Message) JSEP() map[string]any {
	j, _ := m.fields[FieldJSEP].(map[string]any)
	return j
}

// GatewayError returns the error payload carried by the message, or nil.
// Both the gateway-level {"error":{"code","reason"}} object and the plugin-level
// plugindata.data.{error,error_code} pair are recognised.
func (m Message) GatewayError() *GatewayError {
	if obj, ok := m.fields[FieldError].(map[string]any); ok {
		code, _ := intValue(obj["code"])
		reason, _ := obj["reason"].(string)
		return &GatewayError{Code: code, Reason: reason}
	}
	if m.Type() == TypeError {
		return &GatewayError{Reason: "unspecified gateway error"}
	}
	if data := m.PluginData(); data != nil {
		if raw, ok := data[FieldError]; ok && raw != nil {
			code, _ := intValue(data["error_code"])
			reason := fmt.Sprint(raw)
			if s, ok := raw.(string); ok {
				reason = s
			}
			return &GatewayError{Code: code, Reason: reason, Plugin: m.PluginName()}
		}
	}
	return nil
}

// Plain returns the underlying field map.
func (m Message) Plain() map[string]any {
	return m.fields
}

// Clone returns a shallow copy.
func (m Message) Clone() Message {
	return Message{fields: Merge(make(map[string]any, len(m.fields)), m.fields)}
}

// PluginMessage is a Message seen from the handle that received it.
type PluginMessage struct {
	Message
	plugin   string
	handleID string
}

// NewPluginMessage scopes msg to the handle (plugin, handleID).
func NewPluginMessage(msg Message, plugin, handleID string) *PluginMessage {
	return &PluginMessage{Message: msg, plugin: plugin, handleID: handleID}
}

// Plugin returns the receiving handle's plugin name.
func (m *PluginMessage) Plugin() string {
	return m.plugin
}

// Handle returns the receiving handle's id.
func (m *PluginMessage) Handle() string {
	return m.handleID
}

// Event returns the plugin event discriminator: plugindata.data[<short name>]
// (e.g. data.echotest for janus.plugin.echotest), falling back to data.event.
func (m *PluginMessage) Event() string {
	data := m.PluginData()
	if data == nil {
		return ""
	}
	name := m.plugin
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if s, ok := data[name].(string); ok {
		return s
	}
	s, _ := data["event"].(string)
	return s
}

// Result returns plugindata.data.result, if any.
func (m *PluginMessage) Result() any {
	if data := m.PluginData(); data != nil {
		return data["result"]
	}
	return nil
}

func (m *PluginMessage) String() string {
	return fmt.Sprintf("PluginMessage{plugin=%s handle=%s janus=%s}", m.plugin, m.handleID, m.Type())
}
