package codec

import (
	"bytes"
	"encoding/json"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

type jsonCodec struct{}

// JSON returns a JSON codec. Numbers decode as json.Number so that 64-bit
// session and handle ids survive a round trip.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
