package coordinatorpb

import "encoding/json"

// jsonCodec is the grpc/encoding.Codec used for this module's RPC
// surface. The real Impala/Cortex wire format is protobuf, generated by
// a .proto toolchain; this module hand-writes its request/response
// types instead of running protoc, so it registers a plain JSON codec
// rather than hand-authoring .pb.go marshal code. Transport, dialing,
// interceptors, and service routing are still real gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
