// Package codec provides envelope codecs for the wire transports.
package codec

import (
	"fmt"
	"strings"
	"sync"
)

// Codec marshals envelopes and typed bodies.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types and short names to codecs.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON, CBOR and Proto.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Proto())
	return r
}

// Register adds c under its content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[contentType]
}

// ByName resolves the short names used in configuration: json, cbor, proto.
func (r *Registry) ByName(name string) (Codec, error) {
	var contentType string
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		contentType = ContentTypeJSON
	case "cbor":
		contentType = ContentTypeCBOR
	case "proto", "protobuf":
		contentType = ContentTypeProto
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	if c := r.Get(contentType); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("codec %q not registered", name)
}

// Convert re-encodes v into out through c, e.g. a typed struct into a
// map[string]any body or a decoded map into a typed struct.
func Convert(c Codec, v any, out any) error {
	data, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec %s: marshal: %w", c.ContentType(), err)
	}
	if err := c.Unmarshal(data, out); err != nil {
		return fmt.Errorf("codec %s: unmarshal: %w", c.ContentType(), err)
	}
	return nil
}
