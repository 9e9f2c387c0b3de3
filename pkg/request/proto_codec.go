package request

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoRequest adapts a protobuf message to the bus payload contract.
type ProtoRequest[M proto.Message] struct {
	Msg M
}

func (r *ProtoRequest[M]) String() string {
	return fmt.Sprintf("%v", r.Msg)
}

func (r *ProtoRequest[M]) MarshalBinary() ([]byte, error) {
	return proto.Marshal(r.Msg)
}

func (r *ProtoRequest[M]) UnmarshalBinary(payload []byte) error {
	var zero M
	msg := zero.ProtoReflect().New().Interface().(M)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return err
	}
	r.Msg = msg
	return nil
}

// Proto returns an Unmarshaller for protobuf payloads wrapped in
// ProtoRequest.
func Proto[M proto.Message]() Unmarshaller[*ProtoRequest[M]] {
	return Binary[*ProtoRequest[M]]()
}
