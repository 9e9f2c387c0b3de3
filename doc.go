// Package backplane is a message-bus engine for building multi-service
// daemons: each service attaches to one or more *buses*, exchanges
// addressed requests with its peers, and drives a single poll loop that
// dispatches inbound traffic to its handler while relaying what is
// addressed elsewhere.
//
// ## How it works
//
// A service describes its buses with `BusConfig` entries: a locator
// (`inproc://`, `tcp://`, `quic://` or `nats://`) and optionally a
// *router*, the peer all indirect traffic is hopped through. `New`
// attaches every bus under the service's identity and a single
// transport kind, either binding each rendezvous as a *hub* or
// connecting to one as a *leaf*, and hands back a `Controller`.
//
// From there, `Controller.Send` reaches any addressable peer with a
// three-way routing decision: no router means address the destination
// directly; a sender that *is* the router addresses directly too;
// everyone else hops through the router. A bus whose configured router
// is the service itself collapses to direct addressing at registration
// time, so relay daemons and ordinary services share one code path.
//
// `Controller.TryRunLoop` then drives the service: it waits on every
// bus at once, takes one message per ready bus, hands the handler what
// is addressed to the service and relays the rest with the original
// source preserved. Per-iteration failures are offered to the handler's
// `HandleErr`, which decides between surviving and terminating;
// `RunOrPanic` wraps the loop for daemons that treat any termination as
// fatal.
//
// The engine treats payloads as opaque bytes plus an addressing
// envelope: typed codecs live in `pkg/request` and the socket backends
// in `pkg/wire`.
package backplane
