package request

import (
	"bytes"
	"fmt"
)

// Raw is a request whose payload crosses the bus untouched.
type Raw []byte

func (r Raw) String() string {
	return fmt.Sprintf("raw(%d bytes)", len(r))
}

func (r Raw) MarshalBinary() ([]byte, error) {
	return r, nil
}

// Bytes returns an Unmarshaller that passes payloads through as Raw,
// copying them so callers may hold on to them past the delivery.
func Bytes() Unmarshaller[Raw] {
	return func(payload []byte) (Raw, error) {
		return Raw(bytes.Clone(payload)), nil
	}
}
