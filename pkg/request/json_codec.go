package request

import "encoding/json"

// JSON returns an Unmarshaller that decodes payloads with encoding/json.
// R must be a pointer type; JSON panics otherwise.
func JSON[R Request]() Unmarshaller[R] {
	alloc := allocator[R]()
	return func(payload []byte) (R, error) {
		r := alloc()
		if err := json.Unmarshal(payload, r); err != nil {
			var zero R
			return zero, err
		}
		return r, nil
	}
}
