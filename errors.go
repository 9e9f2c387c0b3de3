package backplane

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg = errors.New("backplane: invalid options")

	ErrUnknownBus = errors.New("backplane: unknown bus")
	ErrNoBuses    = errors.New("backplane: controller has no buses")
	ErrEncode     = errors.New("backplane: request encoding failed")
	ErrDecode     = errors.New("backplane: payload decoding failed")
	ErrHandler    = errors.New("backplane: handler failed")
)

// SendError reports a failed delivery attempt, keeping the addressed
// pair so the failure names the conversation that broke.
type SendError[A Address] struct {
	Source A
	Dest   A
	Cause  error
}

func (sendErr *SendError[A]) Error() string {
	return fmt.Sprintf("backplane: send from %q to %q failed: %v",
		string(sendErr.Source), string(sendErr.Dest), sendErr.Cause)
}

func (sendErr *SendError[A]) Unwrap() error {
	return sendErr.Cause
}
