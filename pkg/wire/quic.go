package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// alpnBus is the ALPN protocol identifier negotiated on quic buses when
// the caller's TLS config does not pin its own.
const alpnBus = "backplane/1"

const (
	qerrBusClosed quic.ApplicationErrorCode = 0x6200 + iota
	qerrProtocol
)

func quicTLS(cfg Config) (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf := cfg.TLS.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnBus}
	}
	return tlsConf, nil
}

func quicConf() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

func establishQUIC(kind Kind, target string, identity Addr, cfg Config) (Session, error) {
	if kind == KindHub {
		return bindQUICHub(target, identity, cfg)
	}
	return connectQUICLeaf(target, identity, cfg)
}

// quicPeer bundles a peer's bus stream with its connection so shutting
// the link tears down the whole connection, not just the write side.
type quicPeer struct {
	quic.Stream
	conn quic.Connection
}

func (p quicPeer) Close() error {
	return p.conn.CloseWithError(qerrBusClosed, "bus closed")
}

// quicHub binds a QUIC listener and switches frames between every peer
// that connects, opens a bus stream and announces an identity. TLS is
// mandatory so peers authenticate each other.
type quicHub struct {
	ln        *quic.Listener
	inbox     *inbox
	core      *hubCore
	logger    *slog.Logger
	msink     metrics.MetricSink
	mlabels   []metrics.Label
	handshake time.Duration
	closed    atomic.Bool
}

func bindQUICHub(target string, identity Addr, cfg Config) (*quicHub, error) {
	tlsConf, err := quicTLS(cfg)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(target, tlsConf, quicConf())
	if err != nil {
		return nil, fmt.Errorf("binding quic bus: %w", err)
	}

	in := newInbox(cfg.QueueDepth)
	logger := cfg.logger("quic", KindHub, identity)
	mlabels := cfg.labels("quic", KindHub)
	h := &quicHub{
		ln:        ln,
		inbox:     in,
		core:      newHubCore(identity, in, cfg.QueueDepth, logger, cfg.MetricSink, mlabels),
		logger:    logger,
		msink:     cfg.MetricSink,
		mlabels:   mlabels,
		handshake: cfg.DialTimeout,
	}
	go h.acceptLoop()
	logger.Debug("bus bound", LabelLocator.L("quic://"+ln.Addr().String()))
	return h, nil
}

func (h *quicHub) acceptLoop() {
	for {
		conn, err := h.ln.Accept(context.Background())
		if err != nil {
			if !h.closed.Load() {
				h.logger.Warn("bus listener failed", LabelError.L(err))
				h.inbox.fail(fmt.Errorf("bus listener failed: %w", err))
				h.core.shutdown()
			}
			return
		}
		go h.servePeerConn(conn)
	}
}

func (h *quicHub) servePeerConn(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.handshake)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		h.logger.Warn("peer opened no bus stream", LabelError.L(err))
		_ = conn.CloseWithError(qerrProtocol, "no bus stream")
		return
	}
	h.core.servePeer(quicPeer{Stream: stream, conn: conn}, h.handshake)
}

func (h *quicHub) Send(src, hop, dst Addr, payload []byte) error {
	if err := checkRouted(hop, src, dst, payload); err != nil {
		return err
	}
	h.msink.IncrCounterWithLabels(MetricFrameTx, 1, h.mlabels)
	fr := Frame{Src: src, Dst: dst, Payload: payload}
	return h.core.route(hop, fr, h.core.strictNow())
}

func (h *quicHub) Recv() (Frame, error)      { return h.inbox.recv() }
func (h *quicHub) Readable() <-chan struct{} { return h.inbox.ready }
func (h *quicHub) Pending() bool             { return h.inbox.pending() }

func (h *quicHub) SetStrict(strict bool) error {
	h.core.setStrict(strict)
	return nil
}

func (h *quicHub) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	h.core.rebind(identity)
	return nil
}

func (h *quicHub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	err := h.ln.Close()
	h.core.shutdown()
	return err
}

// quicLeaf is one authenticated connection to a bound hub, carrying the
// bus over a single bidirectional stream.
type quicLeaf struct {
	conn    quic.Connection
	stream  quic.Stream
	inbox   *inbox
	msink   metrics.MetricSink
	mlabels []metrics.Label

	wlk       sync.Mutex
	closeOnce sync.Once
}

func connectQUICLeaf(target string, identity Addr, cfg Config) (*quicLeaf, error) {
	tlsConf, err := quicTLS(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, target, tlsConf, quicConf())
	if err != nil {
		return nil, fmt.Errorf("connecting quic bus: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(qerrProtocol, "no bus stream")
		return nil, fmt.Errorf("opening bus stream: %w", err)
	}
	if _, err := stream.Write(appendAnnounce(nil, identity)); err != nil {
		_ = conn.CloseWithError(qerrProtocol, "announce failed")
		return nil, fmt.Errorf("announcing identity: %w", err)
	}

	in := newInbox(cfg.QueueDepth)
	s := &quicLeaf{
		conn:    conn,
		stream:  stream,
		inbox:   in,
		msink:   cfg.MetricSink,
		mlabels: cfg.labels("quic", KindLeaf),
	}
	go leafPump(bufio.NewReader(stream), in, cfg.MetricSink, s.mlabels)
	return s, nil
}

func (s *quicLeaf) Send(src, hop, dst Addr, payload []byte) error {
	if err := checkRouted(hop, src, dst, payload); err != nil {
		return err
	}
	buf := appendRouted(nil, hop, src, dst, payload)
	s.wlk.Lock()
	_, err := s.stream.Write(buf)
	s.wlk.Unlock()
	if err != nil {
		return fmt.Errorf("bus write: %w", err)
	}
	s.msink.IncrCounterWithLabels(MetricFrameTx, 1, s.mlabels)
	return nil
}

func (s *quicLeaf) Recv() (Frame, error)      { return s.inbox.recv() }
func (s *quicLeaf) Readable() <-chan struct{} { return s.inbox.ready }
func (s *quicLeaf) Pending() bool             { return s.inbox.pending() }

// SetStrict refuses strict mode: reachability is only known at the
// hub, so a remote leaf cannot fail unroutable sends at write time.
func (s *quicLeaf) SetStrict(strict bool) error {
	if strict {
		return ErrStrictUnsupported
	}
	return nil
}

func (s *quicLeaf) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	s.wlk.Lock()
	_, err := s.stream.Write(appendAnnounce(nil, identity))
	s.wlk.Unlock()
	if err != nil {
		return fmt.Errorf("announcing identity: %w", err)
	}
	return nil
}

func (s *quicLeaf) Close() error {
	s.closeOnce.Do(func() {
		s.inbox.fail(ErrClosed)
		_ = s.conn.CloseWithError(qerrBusClosed, "bus closed")
	})
	return nil
}
