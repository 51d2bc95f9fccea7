package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContentTypeProto is the protobuf content type.
const ContentTypeProto = "application/x-protobuf"

type protoCodec struct{}

// Proto returns a protobuf codec. proto.Message values are encoded as-is;
// map-shaped envelopes travel as google.protobuf.Struct.
func Proto() Codec { return protoCodec{} }

func (protoCodec) ContentType() string { return ContentTypeProto }

func (protoCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case proto.Message:
		return proto.Marshal(m)
	case map[string]any:
		s, err := structpb.NewStruct(normalize(m).(map[string]any))
		if err != nil {
			return nil, err
		}
		return proto.Marshal(s)
	default:
		// typed bodies go through their JSON shape
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("proto codec: %T is not object-shaped: %w", v, err)
		}
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(s)
	}
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	switch out := v.(type) {
	case proto.Message:
		return proto.Unmarshal(data, out)
	case *map[string]any:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return err
		}
		*out = s.AsMap()
		return nil
	default:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := json.Marshal(s.AsMap())
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

// normalize rewrites values structpb cannot represent (json.Number, unsigned
// ids) into float64.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case uint64:
		return float64(t)
	default:
		return v
	}
}
