package backplane

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"

	"github.com/raddke/backplane/pkg/request"
	"github.com/raddke/backplane/pkg/wire"
)

// Endpoint is one registered bus attachment: the session plus the
// routing decision applied to traffic sent through it.
type Endpoint[A Address] struct {
	session wire.Session
	router  A
}

// Hop resolves the next hop for a message from source to dest: direct
// when the bus has no router or when the sender is the router itself,
// through the router otherwise.
func (ep *Endpoint[A]) Hop(source, dest A) A {
	var direct A
	switch {
	case ep.router == direct:
		return dest
	case source == ep.router:
		return dest
	default:
		return ep.router
	}
}

// Router returns the bus router, or the zero address when traffic is
// addressed directly.
func (ep *Endpoint[A]) Router() A {
	return ep.router
}

// SetIdentity rebinds the identity the session presents on the bus. It
// changes nothing about the routing decision, which keys on the
// addresses each message carries.
func (ep *Endpoint[A]) SetIdentity(identity A) error {
	return ep.session.Rebind(wire.Addr(identity))
}

func (ep *Endpoint[A]) sendTo(source, dest A, req request.Request) error {
	payload, err := req.MarshalBinary()
	if err != nil {
		return &SendError[A]{Source: source, Dest: dest,
			Cause: fmt.Errorf("%w: %w", ErrEncode, err)}
	}
	hop := ep.Hop(source, dest)
	err = ep.session.Send(wire.Addr(source), wire.Addr(hop), wire.Addr(dest), payload)
	if err != nil {
		return &SendError[A]{Source: source, Dest: dest, Cause: err}
	}
	return nil
}

// EndpointList is the registry of buses a service can send through,
// keyed by bus identifier. Handlers receive it to reply from inside the
// run loop.
type EndpointList[B comparable, A Address] struct {
	eps     map[B]*Endpoint[A]
	order   []B
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

// Send serializes req and dispatches it on bus from source to dest,
// applying the bus's routing decision for the next hop.
func (el *EndpointList[B, A]) Send(bus B, source, dest A, req request.Request) error {
	ep, found := el.eps[bus]
	if !found {
		return fmt.Errorf("%w: %v", ErrUnknownBus, bus)
	}
	if err := ep.sendTo(source, dest, req); err != nil {
		el.msink.IncrCounterWithLabels(MetricSendErrorCount, 1, el.mlabels)
		return err
	}
	el.msink.IncrCounterWithLabels(MetricSendCount, 1, el.mlabels)
	el.logger.Debug("message sent",
		LabelBus.L(bus),
		LabelSource.L(string(source)),
		LabelDestination.L(string(dest)))
	return nil
}

// SetIdentity rebinds the identity presented on bus. An unknown bus is
// reported without touching any transport.
func (el *EndpointList[B, A]) SetIdentity(bus B, identity A) error {
	ep, found := el.eps[bus]
	if !found {
		return fmt.Errorf("%w: %v", ErrUnknownBus, bus)
	}
	return ep.SetIdentity(identity)
}

// Endpoint returns the attachment registered for bus.
func (el *EndpointList[B, A]) Endpoint(bus B) (*Endpoint[A], bool) {
	ep, found := el.eps[bus]
	return ep, found
}

// Buses lists the registered bus identifiers in registration order.
func (el *EndpointList[B, A]) Buses() []B {
	return slices.Clone(el.order)
}

// register installs ep under bus, keeping registration order stable and
// returning the session it displaced, if any.
func (el *EndpointList[B, A]) register(bus B, ep *Endpoint[A]) wire.Session {
	var displaced wire.Session
	if prev, found := el.eps[bus]; found {
		displaced = prev.session
	} else {
		el.order = append(el.order, bus)
	}
	el.eps[bus] = ep
	return displaced
}
