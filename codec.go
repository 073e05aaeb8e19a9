package durable

import "encoding/json"

// Codec controls serialization of workflow inputs and outputs, activity
// arguments and activity results.
//
// Default is JSONCodec (stored as jsonb on Postgres, blob on SQLite).
//
// Implementations must be deterministic: same value => same bytes. Memo ids
// are derived from the encoded arguments, so a codec that reorders fields
// between calls breaks replay.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
