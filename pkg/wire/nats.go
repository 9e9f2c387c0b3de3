package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/nats-io/nats.go"
)

// natsPrefix namespaces bus subjects on the broker, one subject per
// identity.
const natsPrefix = "backplane"

// natsSubjectToken maps an identity onto its broker subject, rejecting
// identities that would break subject syntax.
func natsSubjectToken(id Addr) (string, error) {
	if id == "" {
		return "", ErrNoIdentity
	}
	for _, r := range string(id) {
		if r == '.' || r == '*' || r == '>' || r == ' ' || r <= 0x1f || r == 0x7f {
			return "", fmt.Errorf("%w: %q contains %q", ErrBadIdentity, string(id), r)
		}
	}
	return natsPrefix + "." + string(id), nil
}

// natsSession delegates frame switching to a NATS broker: each identity
// subscribes to its own subject and sends publish to the next hop's
// subject. Hub and leaf attachments behave identically since the broker
// does all the switching.
//
// The broker queues nothing for absent subscribers and cannot report
// unreachable hops at publish time, so strict routing is unsupported.
type natsSession struct {
	nc      *nats.Conn
	inbox   *inbox
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	lk        sync.Mutex
	sub       *nats.Subscription
	closeOnce sync.Once
}

func establishNATS(kind Kind, locator string, identity Addr, cfg Config) (*natsSession, error) {
	subject, err := natsSubjectToken(identity)
	if err != nil {
		return nil, err
	}

	in := newInbox(cfg.QueueDepth)
	logger := cfg.logger("nats", kind, identity)

	nc, err := nats.Connect(locator,
		nats.Timeout(cfg.DialTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker link lost, reconnecting", LabelError.L(err))
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("broker link restored")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			cause := nc.LastError()
			if cause == nil {
				cause = ErrClosed
			}
			in.fail(fmt.Errorf("broker connection closed: %w", cause))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("broker delivery error", LabelError.L(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting nats bus: %w", err)
	}

	s := &natsSession{
		nc:      nc,
		inbox:   in,
		logger:  logger,
		msink:   cfg.MetricSink,
		mlabels: cfg.labels("nats", kind),
	}
	sub, err := s.subscribe(subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsSession) subscribe(subject string) (*nats.Subscription, error) {
	return s.nc.Subscribe(subject, func(m *nats.Msg) {
		msg, err := readMessage(bufio.NewReader(bytes.NewReader(m.Data)))
		if err != nil || msg.tag != tagRouted {
			s.logger.Warn("dropping malformed bus message", LabelError.L(err))
			return
		}
		s.msink.IncrCounterWithLabels(MetricFrameRx, 1, s.mlabels)
		s.inbox.push(msg.frame)
	})
}

func (s *natsSession) Send(src, hop, dst Addr, payload []byte) error {
	subject, err := natsSubjectToken(hop)
	if err != nil {
		return err
	}
	if err := checkRouted(hop, src, dst, payload); err != nil {
		return err
	}
	if err := s.nc.Publish(subject, appendRouted(nil, hop, src, dst, payload)); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}
	s.msink.IncrCounterWithLabels(MetricFrameTx, 1, s.mlabels)
	return nil
}

func (s *natsSession) Recv() (Frame, error)      { return s.inbox.recv() }
func (s *natsSession) Readable() <-chan struct{} { return s.inbox.ready }
func (s *natsSession) Pending() bool             { return s.inbox.pending() }

func (s *natsSession) SetStrict(strict bool) error {
	if strict {
		return ErrStrictUnsupported
	}
	return nil
}

func (s *natsSession) Rebind(identity Addr) error {
	subject, err := natsSubjectToken(identity)
	if err != nil {
		return err
	}
	sub, err := s.subscribe(subject)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	s.lk.Lock()
	old := s.sub
	s.sub = sub
	s.lk.Unlock()
	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribing old identity failed", LabelError.L(err))
		}
	}
	return nil
}

func (s *natsSession) Close() error {
	s.closeOnce.Do(func() {
		s.inbox.fail(ErrClosed)
		s.nc.Close()
	})
	return nil
}
