package backplane

import (
	"github.com/raddke/backplane/pkg/request"
	"github.com/raddke/backplane/pkg/wire"
)

// Address constrains service address types: any string-derived type
// works. The engine only needs equality, display and raw-byte
// conversion, so services keep their own address alphabets and the
// compiler keeps buses with different address spaces apart.
//
// The zero value (the empty string) is reserved: it marks "no router"
// in bus configs, and sessions refuse it as an identity.
type Address interface{ ~string }

// BusConfig describes one bus attachment.
type BusConfig[A Address] struct {
	// Locator names the transport and rendezvous to establish a fresh
	// session from, e.g. "tcp://127.0.0.1:9001". The controller's
	// transport kind decides whether it is bound or connected to.
	// Ignored when Session is set.
	Locator string

	// Session, when non-nil, is adopted instead of establishing a new
	// one from Locator. The controller owns it from registration on,
	// including closing it.
	Session wire.Session

	// Queued keeps sends to still-absent peers from failing. A bus
	// that is not queued routes strictly and reports unreachable next
	// hops as send errors.
	Queued bool

	// Router, when non-zero, is the address all traffic is hopped
	// through when the sender cannot address the destination directly.
	// A router equal to the registering service's own identity
	// collapses to direct addressing.
	Router A
}

// Delivery is one message taken off a bus: where it came from, where it
// is going, and the decoded request.
type Delivery[B comparable, A Address, R request.Request] struct {
	Bus     B
	Source  A
	Dest    A
	Request R
}
