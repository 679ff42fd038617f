package rpc

import (
	"encoding/json"
)

// JSONCodec carries messages as JSON on the gRPC transport.
// Servers pair it with grpc.ForceServerCodec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return "json"
}
