package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// link is one attached peer a hub can hand frames to.
type link interface {
	forward(hop Addr, fr Frame) error
	shut(reason error)
}

// hubCore is the identity switch shared by the hub backends. It keys
// attached peers by announced identity, parks frames for identities that
// have not announced yet while routing is non-strict, and hands frames
// whose next hop is the hub itself to the session inbox.
type hubCore struct {
	inbox   *inbox
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	lk       sync.Mutex
	identity Addr
	peers    map[Addr]link
	owners   map[link]Addr
	parked   map[Addr][]Frame
	depth    int
	strict   bool
	closed   bool
}

func newHubCore(
	identity Addr,
	in *inbox,
	depth int,
	logger *slog.Logger,
	msink metrics.MetricSink,
	mlabels []metrics.Label,
) *hubCore {
	return &hubCore{
		inbox:    in,
		logger:   logger,
		msink:    msink,
		mlabels:  mlabels,
		identity: identity,
		peers:    make(map[Addr]link),
		owners:   make(map[link]Addr),
		parked:   make(map[Addr][]Frame),
		depth:    depth,
	}
}

// route steers one frame toward its next hop: to the hub's own inbox, to
// the attached peer holding that identity, or to the parking lot when no
// such peer exists and the sender is not strict. strict is supplied by
// the caller because in-process leaves switch inline with their own
// routing mode rather than the hub's.
func (h *hubCore) route(hop Addr, fr Frame, strict bool) error {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return ErrClosed
	}
	if hop == h.identity {
		h.lk.Unlock()
		if !h.inbox.push(fr) {
			return ErrClosed
		}
		return nil
	}
	peer, attached := h.peers[hop]
	if !attached {
		if strict {
			h.lk.Unlock()
			return fmt.Errorf("%w: %s", ErrNoRoute, hop)
		}
		lot := h.parked[hop]
		if len(lot) >= h.depth {
			h.lk.Unlock()
			return fmt.Errorf("%w: %s", ErrParkingFull, hop)
		}
		h.parked[hop] = append(lot, fr)
		h.lk.Unlock()
		h.msink.IncrCounterWithLabels(MetricFrameParked, 1, h.mlabels)
		h.logger.Debug("parked frame for absent peer",
			LabelNextHop.L(string(hop)))
		return nil
	}
	h.lk.Unlock()
	return peer.forward(hop, fr)
}

// announce binds or rebinds id to l, displacing any previous holder of
// that identity, and replays frames parked for it. It reports false once
// the hub has shut down.
func (h *hubCore) announce(l link, id Addr) bool {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return false
	}
	if prev, known := h.owners[l]; known {
		if prev == id {
			h.lk.Unlock()
			return true
		}
		delete(h.peers, prev)
	}
	displaced, taken := h.peers[id]
	taken = taken && displaced != l
	if taken {
		delete(h.owners, displaced)
	}
	h.peers[id] = l
	h.owners[l] = id
	lot := h.parked[id]
	delete(h.parked, id)
	h.lk.Unlock()

	if taken {
		h.logger.Warn("identity taken over by a new peer",
			LabelPeer.L(string(id)))
		displaced.shut(ErrIdentityTaken)
	}
	h.msink.IncrCounterWithLabels(MetricPeerAnnounce, 1, h.mlabels)
	h.logger.Debug("peer announced", LabelPeer.L(string(id)))

	for _, fr := range lot {
		if err := l.forward(id, fr); err != nil {
			h.logger.Warn("replay of parked frame failed",
				LabelPeer.L(string(id)), LabelError.L(err))
		}
	}
	return true
}

// detach removes l from the switch. Frames already parked for its
// identity stay parked so a reconnecting peer can still claim them.
func (h *hubCore) detach(l link) {
	h.lk.Lock()
	id, known := h.owners[l]
	if known {
		delete(h.owners, l)
		if h.peers[id] == l {
			delete(h.peers, id)
		}
	}
	h.lk.Unlock()
	if known {
		h.logger.Debug("peer detached", LabelPeer.L(string(id)))
	}
}

func (h *hubCore) setStrict(strict bool) {
	h.lk.Lock()
	h.strict = strict
	h.lk.Unlock()
}

func (h *hubCore) strictNow() bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.strict
}

func (h *hubCore) rebind(id Addr) {
	h.lk.Lock()
	h.identity = id
	h.lk.Unlock()
}

func (h *hubCore) isClosed() bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.closed
}

// shutdown shuts every attached peer and fails the inbox. Safe to call
// more than once.
func (h *hubCore) shutdown() {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return
	}
	h.closed = true
	links := make([]link, 0, len(h.owners))
	for l := range h.owners {
		links = append(links, l)
	}
	h.peers = map[Addr]link{}
	h.owners = map[link]Addr{}
	h.parked = map[Addr][]Frame{}
	h.lk.Unlock()

	for _, l := range links {
		l.shut(ErrClosed)
	}
	h.inbox.fail(ErrClosed)
}

// peerConn is the slice of a network connection the hub pumps need. Both
// net.Conn and QUIC streams satisfy it.
type peerConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// connLink adapts a byte-stream connection into a hub link. Writes are
// serialized so frames routed from different goroutines cannot
// interleave on the stream.
type connLink struct {
	wlk  sync.Mutex
	conn peerConn
}

func (l *connLink) forward(hop Addr, fr Frame) error {
	buf := appendRouted(nil, hop, fr.Src, fr.Dst, fr.Payload)
	l.wlk.Lock()
	defer l.wlk.Unlock()
	_, err := l.conn.Write(buf)
	return err
}

func (l *connLink) shut(error) {
	_ = l.conn.Close()
}

// servePeer drives one accepted hub connection: it requires an identity
// announce within the handshake window, then pumps routed frames into
// the switch until the connection dies.
func (h *hubCore) servePeer(conn peerConn, handshake time.Duration) {
	l := &connLink{conn: conn}
	br := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(handshake))
	msg, err := readMessage(br)
	if err != nil {
		h.logger.Warn("peer failed identity handshake", LabelError.L(err))
		_ = conn.Close()
		return
	}
	if msg.tag != tagAnnounce {
		h.logger.Warn("peer spoke before announcing an identity")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if !h.announce(l, msg.identity) {
		_ = conn.Close()
		return
	}

	for {
		msg, err := readMessage(br)
		if err != nil {
			h.detach(l)
			_ = conn.Close()
			if !errors.Is(err, io.EOF) && !h.isClosed() {
				h.logger.Warn("peer connection failed", LabelError.L(err))
			}
			return
		}
		switch msg.tag {
		case tagAnnounce:
			h.announce(l, msg.identity)
		case tagRouted:
			h.msink.IncrCounterWithLabels(MetricFrameRx, 1, h.mlabels)
			if err := h.route(msg.hop, msg.frame, h.strictNow()); err != nil {
				h.logger.Warn("frame dropped",
					LabelNextHop.L(string(msg.hop)),
					LabelSource.L(string(msg.frame.Src)),
					LabelDestination.L(string(msg.frame.Dst)),
					LabelError.L(err))
			}
		}
	}
}

// leafPump feeds messages delivered by the hub into the inbox until the
// link dies, at which point the session fails with the terminal error.
func leafPump(
	br *bufio.Reader,
	in *inbox,
	msink metrics.MetricSink,
	mlabels []metrics.Label,
) {
	for {
		msg, err := readMessage(br)
		if err != nil {
			in.fail(fmt.Errorf("bus link lost: %w", err))
			return
		}
		switch msg.tag {
		case tagRouted:
			msink.IncrCounterWithLabels(MetricFrameRx, 1, mlabels)
			if !in.push(msg.frame) {
				return
			}
		case tagAnnounce:
			in.fail(fmt.Errorf(
				"%w: unexpected announce from hub", ErrProtocolViolation))
			return
		}
	}
}
