package wire

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// inprocReg tracks the hubs bound in this process, keyed by locator name.
var inprocReg = struct {
	sync.Mutex
	hubs map[string]*inprocHub
}{hubs: make(map[string]*inprocHub)}

func establishInproc(kind Kind, name string, identity Addr, cfg Config) (Session, error) {
	if kind == KindHub {
		return bindInprocHub(name, identity, cfg)
	}
	return connectInprocLeaf(name, identity, cfg)
}

// inprocHub is a process-local bus switch. Leaves attach with zero-copy
// links, so payload slices are shared between sender and receiver and
// must not be mutated after Send.
type inprocHub struct {
	name    string
	inbox   *inbox
	core    *hubCore
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

func bindInprocHub(name string, identity Addr, cfg Config) (*inprocHub, error) {
	inprocReg.Lock()
	defer inprocReg.Unlock()
	if _, bound := inprocReg.hubs[name]; bound {
		return nil, fmt.Errorf("%w: inproc://%s", ErrLocatorTaken, name)
	}

	in := newInbox(cfg.QueueDepth)
	logger := cfg.logger("inproc", KindHub, identity)
	mlabels := cfg.labels("inproc", KindHub)
	h := &inprocHub{
		name:    name,
		inbox:   in,
		core:    newHubCore(identity, in, cfg.QueueDepth, logger, cfg.MetricSink, mlabels),
		msink:   cfg.MetricSink,
		mlabels: mlabels,
	}
	inprocReg.hubs[name] = h
	logger.Debug("bus bound", LabelLocator.L("inproc://"+name))
	return h, nil
}

func (h *inprocHub) Send(src, hop, dst Addr, payload []byte) error {
	h.msink.IncrCounterWithLabels(MetricFrameTx, 1, h.mlabels)
	fr := Frame{Src: src, Dst: dst, Payload: payload}
	return h.core.route(hop, fr, h.core.strictNow())
}

func (h *inprocHub) Recv() (Frame, error)      { return h.inbox.recv() }
func (h *inprocHub) Readable() <-chan struct{} { return h.inbox.ready }
func (h *inprocHub) Pending() bool             { return h.inbox.pending() }

func (h *inprocHub) SetStrict(strict bool) error {
	h.core.setStrict(strict)
	return nil
}

func (h *inprocHub) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	h.core.rebind(identity)
	return nil
}

func (h *inprocHub) Close() error {
	inprocReg.Lock()
	if inprocReg.hubs[h.name] == h {
		delete(inprocReg.hubs, h.name)
	}
	inprocReg.Unlock()
	h.core.shutdown()
	return nil
}

// inprocLink delivers switched frames straight into a leaf's inbox.
type inprocLink struct {
	in *inbox
}

func (l *inprocLink) forward(_ Addr, fr Frame) error {
	if !l.in.push(fr) {
		return ErrClosed
	}
	return nil
}

func (l *inprocLink) shut(reason error) {
	l.in.fail(reason)
}

type inprocLeaf struct {
	hub     *inprocHub
	inbox   *inbox
	lnk     *inprocLink
	msink   metrics.MetricSink
	mlabels []metrics.Label

	strict    atomic.Bool
	closeOnce sync.Once
}

func connectInprocLeaf(name string, identity Addr, cfg Config) (*inprocLeaf, error) {
	inprocReg.Lock()
	hub := inprocReg.hubs[name]
	inprocReg.Unlock()
	if hub == nil {
		return nil, fmt.Errorf("%w: inproc://%s", ErrNoHub, name)
	}

	in := newInbox(cfg.QueueDepth)
	leaf := &inprocLeaf{
		hub:     hub,
		inbox:   in,
		lnk:     &inprocLink{in: in},
		msink:   cfg.MetricSink,
		mlabels: cfg.labels("inproc", KindLeaf),
	}
	if !hub.core.announce(leaf.lnk, identity) {
		return nil, fmt.Errorf("%w: inproc://%s", ErrNoHub, name)
	}
	return leaf, nil
}

func (s *inprocLeaf) Send(src, hop, dst Addr, payload []byte) error {
	s.msink.IncrCounterWithLabels(MetricFrameTx, 1, s.mlabels)
	fr := Frame{Src: src, Dst: dst, Payload: payload}
	return s.hub.core.route(hop, fr, s.strict.Load())
}

func (s *inprocLeaf) Recv() (Frame, error)      { return s.inbox.recv() }
func (s *inprocLeaf) Readable() <-chan struct{} { return s.inbox.ready }
func (s *inprocLeaf) Pending() bool             { return s.inbox.pending() }

func (s *inprocLeaf) SetStrict(strict bool) error {
	s.strict.Store(strict)
	return nil
}

func (s *inprocLeaf) Rebind(identity Addr) error {
	if identity == "" {
		return ErrNoIdentity
	}
	if !s.hub.core.announce(s.lnk, identity) {
		return ErrClosed
	}
	return nil
}

func (s *inprocLeaf) Close() error {
	s.closeOnce.Do(func() {
		s.hub.core.detach(s.lnk)
		s.inbox.fail(ErrClosed)
	})
	return nil
}
