// Package wire provides the socket sessions the message bus engine runs
// on. A session is one attachment to a bus: it carries addressed frames
// between named participants and exposes a poll handle so a single loop
// can wait on many buses at once.
//
// Backends are selected by locator scheme. inproc switches frames between
// goroutines of the same process, tcp and quic run a hub-and-leaves
// topology over the network, and nats delegates switching to a broker.
package wire

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Addr is the transport-level identity of a bus participant, an opaque
// byte string. Callers layer richer address types on top by converting
// through the string form.
type Addr string

// Frame is one delivered transmission unit. Source and destination travel
// with the payload so a recipient can tell traffic relayed through it
// from traffic addressed to it.
//
// The next-hop address that steered the frame between directly connected
// peers is consumed in transit and is not part of the delivered frame.
type Frame struct {
	Src     Addr
	Dst     Addr
	Payload []byte
}

// Kind selects how a session participates on a bus.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindHub binds the bus locator and switches frames between all
	// connected peers, keyed by their announced identities.
	KindHub

	// KindLeaf connects to an already-bound hub and exchanges frames
	// over that single link.
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindHub:
		return "hub"
	case KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Session is one attachment to a bus.
//
// A session is not safe for concurrent consumption: Recv, Pending and the
// readiness token are meant to be driven by a single loop. Send may be
// called from that same loop.
type Session interface {
	// Send transmits one addressed frame. hop names the directly
	// connected peer that must carry the frame; src and dst travel
	// inside it untouched.
	Send(src, hop, dst Addr, payload []byte) error

	// Recv returns the next delivered frame, blocking until one is
	// available. Once the session fails, Recv drains frames delivered
	// before the failure and then keeps returning the terminal error.
	Recv() (Frame, error)

	// Readable is the session's poll handle: a one-slot readiness token
	// that fires when the session turns consumable. The token is
	// level-triggered through Pending, so a waiter that wins the token
	// must check Pending and, if it holds, consume or re-arm.
	Readable() <-chan struct{}

	// Pending reports whether a Recv would complete without blocking,
	// either with a frame or with a terminal error.
	Pending() bool

	// SetStrict toggles strict routing. A strict session fails sends
	// whose next hop is unreachable; a non-strict one parks them until
	// the hop announces itself. Backends that cannot enforce the
	// requested mode return ErrStrictUnsupported.
	SetStrict(strict bool) error

	// Rebind changes the identity this session answers to on the bus.
	Rebind(identity Addr) error

	Close() error
}

// Config carries the knobs shared by every session backend. The zero
// value is usable for cleartext backends.
type Config struct {
	// TLS to present on quic buses, where it is mandatory so peers
	// authenticate each other. Cleartext backends ignore it.
	TLS *tls.Config

	// DialTimeout bounds connection establishment for outbound links
	// and the identity handshake on inbound ones.
	DialTimeout time.Duration

	// QueueDepth sizes the session inbox and, on hubs, the per-identity
	// parking lot used by non-strict routing.
	QueueDepth int

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics, with MetricLabels
	// attached to every measurement.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

const (
	defaultDialTimeout = 10 * time.Second
	defaultQueueDepth  = 1024
)

// norm returns a copy with the defaults filled in.
func (cfg *Config) norm() Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.LogHandler == nil {
		c.LogHandler = slog.Default().Handler()
	}
	if c.MetricSink == nil {
		c.MetricSink = metrics.Default()
	}
	return c
}

func (cfg Config) logger(backend string, kind Kind, identity Addr) *slog.Logger {
	return slog.New(cfg.LogHandler).With(
		LabelBackend.L(backend),
		LabelKind.L(kind.String()),
		LabelIdentity.L(string(identity)),
	)
}

func (cfg Config) labels(backend string, kind Kind) []metrics.Label {
	lbs := make([]metrics.Label, 0, len(cfg.MetricLabels)+2)
	lbs = append(lbs, cfg.MetricLabels...)
	lbs = append(lbs, LabelBackend.M(backend), LabelKind.M(kind.String()))
	return lbs
}

// Establish resolves a locator into a live session attached as kind and
// answering to identity. The locator scheme picks the backend:
//
//	inproc://name        process-local switch
//	tcp://host:port      cleartext hub-and-leaves over TCP
//	quic://host:port     authenticated hub-and-leaves over QUIC
//	nats://host:port     broker-switched, inherently queued
//
// cfg may be nil, in which case defaults apply.
func Establish(kind Kind, locator string, identity Addr, cfg *Config) (Session, error) {
	if identity == "" {
		return nil, ErrNoIdentity
	}
	if kind != KindHub && kind != KindLeaf {
		return nil, fmt.Errorf("%w: %s", ErrBadKind, kind)
	}
	scheme, target, found := strings.Cut(locator, "://")
	if !found || target == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadLocator, locator)
	}

	c := cfg.norm()
	var (
		sess Session
		err  error
	)
	switch scheme {
	case "inproc":
		sess, err = establishInproc(kind, target, identity, c)
	case "tcp":
		sess, err = establishTCP(kind, target, identity, c)
	case "quic":
		sess, err = establishQUIC(kind, target, identity, c)
	case "nats":
		sess, err = establishNATS(kind, locator, identity, c)
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrBadLocator, scheme)
	}
	if err != nil {
		return nil, err
	}

	c.MetricSink.IncrCounterWithLabels(
		MetricSessionEstablished, 1, c.labels(scheme, kind))
	return sess, nil
}
