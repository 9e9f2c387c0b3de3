package wire

import "errors"

var (
	ErrBadLocator = errors.New("wire: unusable locator")
	ErrNoIdentity = errors.New("wire: session requires a non-empty identity")
	ErrBadKind    = errors.New("wire: unsupported transport kind")

	ErrClosed            = errors.New("wire: session closed")
	ErrNoRoute           = errors.New("wire: no connected peer for next hop")
	ErrParkingFull       = errors.New("wire: parking lot full for next hop")
	ErrStrictUnsupported = errors.New("wire: backend cannot enforce strict routing")
	ErrIdentityTaken     = errors.New("wire: identity claimed by another peer")

	ErrNoHub        = errors.New("wire: no hub bound at locator")
	ErrLocatorTaken = errors.New("wire: locator already has a bound hub")

	ErrNoTLSConfig       = errors.New("wire: TLS config is required")
	ErrFrameTooLarge     = errors.New("wire: frame segment exceeds size limit")
	ErrProtocolViolation = errors.New("wire: protocol violation")
	ErrBadIdentity       = errors.New("wire: identity not representable on this backend")
)
