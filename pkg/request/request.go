// Package request defines the payload contract for bus messages: a
// request serializes itself for the wire and identifies itself for logs,
// and an Unmarshaller decodes received payloads back into typed
// requests.
package request

import (
	"encoding"
	"fmt"
	"reflect"
)

// Request is a routable message payload.
type Request interface {
	fmt.Stringer
	encoding.BinaryMarshaler
}

// Unmarshaller decodes one received payload into a typed request. The
// engine calls it once per delivered frame.
type Unmarshaller[R Request] func(payload []byte) (R, error)

// Binary returns an Unmarshaller for request types that decode
// themselves through encoding.BinaryUnmarshaler.
//
// R must be a pointer type implementing encoding.BinaryUnmarshaler;
// Binary panics otherwise, at construction time rather than once per
// message.
func Binary[R Request]() Unmarshaller[R] {
	alloc := allocator[R]()
	if _, ok := any(alloc()).(encoding.BinaryUnmarshaler); !ok {
		panic("request: " + reflect.TypeFor[R]().String() +
			" does not implement encoding.BinaryUnmarshaler")
	}
	return func(payload []byte) (R, error) {
		r := alloc()
		if err := any(r).(encoding.BinaryUnmarshaler).UnmarshalBinary(payload); err != nil {
			var zero R
			return zero, err
		}
		return r, nil
	}
}

// allocator returns a fresh-value factory for the pointer type R.
func allocator[R any]() func() R {
	typ := reflect.TypeFor[R]()
	if typ.Kind() != reflect.Pointer {
		panic("request: unmarshallers require a pointer request type, got " +
			typ.String())
	}
	elem := typ.Elem()
	return func() R {
		return reflect.New(elem).Interface().(R)
	}
}
