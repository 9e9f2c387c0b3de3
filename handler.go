package backplane

import (
	"github.com/raddke/backplane/pkg/request"
)

// Handler is the service side of a controller: it names the address the
// service answers to and reacts to the traffic addressed there.
//
// All methods are called from the controller's run loop, one at a time.
// Each receives the endpoint registry so it can emit messages on any
// registered bus.
type Handler[B comparable, A Address, R request.Request] interface {
	// Identity is the address this service answers to on every bus. It
	// MUST stay stable for the lifetime of the controller.
	Identity() A

	// OnReady runs once when the run loop starts, after every bus is
	// registered and before any message is dispatched. It is the place
	// for startup traffic such as hello or subscribe messages.
	// Returning an error aborts the loop before it begins.
	OnReady(senders *EndpointList[B, A]) error

	// Handle processes one request addressed to this service. A
	// returned error does not stop the loop by itself; it is escalated
	// to HandleErr.
	Handle(senders *EndpointList[B, A], bus B, source A, req R) error

	// HandleErr is consulted for every failed loop iteration, with the
	// failure it produced. Returning nil keeps the loop alive;
	// returning an error terminates the loop with it.
	HandleErr(senders *EndpointList[B, A], err error) error
}

// NopOnReady can be embedded by handlers that need no startup hook.
type NopOnReady[B comparable, A Address] struct{}

func (NopOnReady[B, A]) OnReady(*EndpointList[B, A]) error { return nil }
