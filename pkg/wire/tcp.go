package wire

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

func establishTCP(kind Kind, target string, identity Addr, cfg Config) (Session, error) {
	if kind == KindHub {
		return bindTCPHub(target, identity, cfg)
	}
	return connectTCPLeaf(target, identity, cfg)
}

// tcpHub binds a TCP listener and switches frames between every peer
// that connects and announces an identity.
type tcpHub struct {
	ln        net.Listener
	inbox     *inbox
	core      *hubCore
	logger    *slog.Logger
	msink     metrics.MetricSink
	mlabels   []metrics.Label
	handshake time.Duration
	closed    atomic.Bool
}

func bindTCPHub(target string, identity Addr, cfg Config) (*tcpHub, error) {
	ln, err := net.Listen("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("binding tcp bus: %w", err)
	}

	in := newInbox(cfg.QueueDepth)
	logger := cfg.logger("tcp", KindHub, identity)
	mlabels := cfg.labels("tcp", KindHub)
	h := &tcpHub{
		ln:        ln,
		inbox:     in,
		core:      newHubCore(identity, in, cfg.QueueDepth, logger, cfg.MetricSink, mlabels),
		logger:    logger,
		msink:     cfg.MetricSink,
		mlabels:   mlabels,
		handshake: cfg.DialTimeout,
	}
	go h.acceptLoop()
	logger.Debug("bus bound", LabelLocator.L("tcp://"+ln.Addr().String()))
	return h, nil
}

func (h *tcpHub) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			// A dying listener takes the whole bus attachment with it;
			// the poll loop learns about it like any other session
			// failure.
			if !h.closed.Load() {
				h.logger.Warn("bus listener failed", LabelError.L(err))
				h.inbox.fail(fmt.Errorf("bus listener failed: %w", err))
				h.core.shutdown()
			}
			return
		}
		go h.core.servePeer(conn, h.handshake)
	}
}

func (h *tcpHub) Send(src, hop, dst Addr, payload []byte) error {
	if err := checkRouted(hop, src, dst, payload); err != nil {
		return err
	}
	h.msink.IncrCounterWithLabels(MetricFrameTx, 1, h.mlabels)
	fr := Frame{Src: src, Dst: dst, Payload: payload}
	return h.core.route(hop, fr, h.core.strictNow())
}

func (h *tcpHub) Recv() (Frame, error)      { return h.inbox.recv() }
func (h *tcpHub) Readable() <-chan struct{} { return h.inbox.ready }
func (h *tcpHub) Pending() bool             { return h.inbox.pending() }

func (h *tcpHub) SetStrict(strict bool) error {
	h.core.setStrict(strict)
	return nil
}

func (h *tcpHub) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	h.core.rebind(identity)
	return nil
}

func (h *tcpHub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	err := h.ln.Close()
	h.core.shutdown()
	return err
}

// tcpLeaf is one cleartext connection to a bound hub.
type tcpLeaf struct {
	conn    net.Conn
	inbox   *inbox
	msink   metrics.MetricSink
	mlabels []metrics.Label

	wlk       sync.Mutex
	closeOnce sync.Once
}

func connectTCPLeaf(target string, identity Addr, cfg Config) (*tcpLeaf, error) {
	conn, err := net.DialTimeout("tcp", target, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting tcp bus: %w", err)
	}
	if _, err := conn.Write(appendAnnounce(nil, identity)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("announcing identity: %w", err)
	}

	in := newInbox(cfg.QueueDepth)
	s := &tcpLeaf{
		conn:    conn,
		inbox:   in,
		msink:   cfg.MetricSink,
		mlabels: cfg.labels("tcp", KindLeaf),
	}
	go leafPump(bufio.NewReader(conn), in, cfg.MetricSink, s.mlabels)
	return s, nil
}

func (s *tcpLeaf) Send(src, hop, dst Addr, payload []byte) error {
	if err := checkRouted(hop, src, dst, payload); err != nil {
		return err
	}
	buf := appendRouted(nil, hop, src, dst, payload)
	s.wlk.Lock()
	_, err := s.conn.Write(buf)
	s.wlk.Unlock()
	if err != nil {
		return fmt.Errorf("bus write: %w", err)
	}
	s.msink.IncrCounterWithLabels(MetricFrameTx, 1, s.mlabels)
	return nil
}

func (s *tcpLeaf) Recv() (Frame, error)      { return s.inbox.recv() }
func (s *tcpLeaf) Readable() <-chan struct{} { return s.inbox.ready }
func (s *tcpLeaf) Pending() bool             { return s.inbox.pending() }

// SetStrict refuses strict mode: reachability is only known at the
// hub, so a remote leaf cannot fail unroutable sends at write time.
func (s *tcpLeaf) SetStrict(strict bool) error {
	if strict {
		return ErrStrictUnsupported
	}
	return nil
}

func (s *tcpLeaf) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	s.wlk.Lock()
	_, err := s.conn.Write(appendAnnounce(nil, identity))
	s.wlk.Unlock()
	if err != nil {
		return fmt.Errorf("announcing identity: %w", err)
	}
	return nil
}

func (s *tcpLeaf) Close() error {
	s.closeOnce.Do(func() {
		s.inbox.fail(ErrClosed)
		_ = s.conn.Close()
	})
	return nil
}
