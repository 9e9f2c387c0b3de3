package backplane

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/hashicorp/go-metrics"

	"github.com/raddke/backplane/pkg/request"
	"github.com/raddke/backplane/pkg/wire"
)

// Controller runs a service's attachment to the message bus: it owns
// the bus sessions, routes outbound requests, and drives the poll loop
// that feeds inbound ones to the service handler.
//
// Registration is not synchronized with a running loop: attach every
// bus before starting TryRunLoop. Send is safe to call from other
// goroutines once the buses are in place.
type Controller[B comparable, A Address, R request.Request] struct {
	handler Handler[B, A, R]
	kind    wire.Kind
	unm     request.Unmarshaller[R]
	senders *EndpointList[B, A]

	config  config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

// New assembles a controller for handler and attaches every configured
// bus. kind selects how the controller takes part in every bus it
// establishes itself: hubs bind and switch, leaves connect;
// wire.KindUnknown is taken as wire.KindLeaf. Adopted sessions keep
// whatever role their creator gave them. Inbound payloads are decoded
// with unm; passing nil selects request.Binary[R], which panics at
// construction when R cannot decode itself. The first bus that fails
// to attach aborts construction and closes the sessions attached so
// far.
func New[B comparable, A Address, R request.Request](
	buses map[B]BusConfig[A],
	handler Handler[B, A, R],
	kind wire.Kind,
	unm request.Unmarshaller[R],
	opts ...Option,
) (*Controller[B, A, R], error) {
	if handler == nil {
		panic("backplane: nil handler")
	}
	if kind == wire.KindUnknown {
		kind = wire.KindLeaf
	}
	if unm == nil {
		unm = request.Binary[R]()
	}

	ctrl := &Controller[B, A, R]{
		handler: handler,
		kind:    kind,
		unm:     unm,
	}
	for _, opt := range opts {
		if err := opt(&ctrl.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if ctrl.config.logHandler == nil {
		ctrl.config.logHandler = slog.Default().Handler()
	}
	ctrl.logger = slog.New(ctrl.config.logHandler).With(
		LabelService.L(string(handler.Identity())))

	// Metrics implementations.
	if ctrl.config.msink == nil {
		ctrl.config.msink = metrics.Default()
	}
	ctrl.msink = ctrl.config.msink
	mlabels := make([]metrics.Label, 0, len(ctrl.config.metricLabels)+1)
	mlabels = append(mlabels, ctrl.config.metricLabels...)
	mlabels = append(mlabels, LabelService.M(string(handler.Identity())))
	ctrl.mlabels = mlabels

	ctrl.senders = &EndpointList[B, A]{
		eps:     make(map[B]*Endpoint[A]),
		logger:  ctrl.logger,
		msink:   ctrl.msink,
		mlabels: ctrl.mlabels,
	}

	for bus, bc := range buses {
		if err := ctrl.RegisterBus(bus, bc); err != nil {
			_ = ctrl.Close()
			return nil, err
		}
	}
	return ctrl, nil
}

func (ctrl *Controller[B, A, R]) wireConfig() wire.Config {
	return wire.Config{
		TLS:          ctrl.config.tlsConfig,
		DialTimeout:  ctrl.config.dialTimeout,
		QueueDepth:   ctrl.config.queueDepth,
		LogHandler:   ctrl.config.logHandler,
		MetricSink:   ctrl.msink,
		MetricLabels: ctrl.mlabels,
	}
}

// RegisterBus attaches one more bus. Fresh sessions are established
// from the locator, under the service's identity and the controller's
// transport kind; an adopted session is taken as configured by its
// creator. Re-registering a known bus identifier replaces the previous
// attachment and closes its session.
func (ctrl *Controller[B, A, R]) RegisterBus(bus B, bc BusConfig[A]) error {
	identity := ctrl.handler.Identity()
	sess := bc.Session
	if sess == nil {
		wcfg := ctrl.wireConfig()
		var err error
		sess, err = wire.Establish(ctrl.kind, bc.Locator, wire.Addr(identity), &wcfg)
		if err != nil {
			return fmt.Errorf("attaching bus %v: %w", bus, err)
		}
	}
	if !bc.Queued {
		if err := sess.SetStrict(true); err != nil {
			_ = sess.Close()
			return fmt.Errorf("bus %v cannot route strictly: %w", bus, err)
		}
	}

	router := bc.Router
	var direct A
	if router == identity {
		// A service that routes through itself addresses peers
		// directly.
		router = direct
	}
	displaced := ctrl.senders.register(bus, &Endpoint[A]{session: sess, router: router})
	if displaced != nil {
		ctrl.logger.Warn("bus re-registered, closing displaced session",
			LabelBus.L(bus))
		_ = displaced.Close()
	}

	ctrl.msink.IncrCounterWithLabels(MetricBusRegisteredCount, 1, ctrl.mlabels)
	ctrl.logger.Debug("bus registered",
		LabelBus.L(bus), LabelRouter.L(string(router)))
	return nil
}

// Send dispatches req to dest over bus, with this service as source.
func (ctrl *Controller[B, A, R]) Send(bus B, dest A, req R) error {
	return ctrl.senders.Send(bus, ctrl.handler.Identity(), dest, req)
}

// Senders exposes the endpoint registry, the same one handlers receive.
func (ctrl *Controller[B, A, R]) Senders() *EndpointList[B, A] {
	return ctrl.senders
}

// Identity reports the address the controller answers to.
func (ctrl *Controller[B, A, R]) Identity() A {
	return ctrl.handler.Identity()
}

// poll blocks until at least one bus is consumable and returns those
// that are, in registration order.
//
// Readiness tokens are wake-up hints, not ground truth: after winning
// one the poll sweeps Pending across every bus, and a sweep that finds
// nothing simply waits again. Sessions keep their token set while
// frames or a terminal error remain, so nothing is lost between
// sweeps.
func (ctrl *Controller[B, A, R]) poll() ([]B, error) {
	if len(ctrl.senders.order) == 0 {
		return nil, ErrNoBuses
	}
	for {
		var ready []B
		for _, bus := range ctrl.senders.order {
			if ctrl.senders.eps[bus].session.Pending() {
				ready = append(ready, bus)
			}
		}
		if len(ready) > 0 {
			return ready, nil
		}

		cases := make([]reflect.SelectCase, 0, len(ctrl.senders.order))
		for _, bus := range ctrl.senders.order {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(ctrl.senders.eps[bus].session.Readable()),
			})
		}
		reflect.Select(cases)
	}
}

// recvOne takes the next message off bus and decodes it.
func (ctrl *Controller[B, A, R]) recvOne(bus B) (Delivery[B, A, R], error) {
	fr, err := ctrl.senders.eps[bus].session.Recv()
	if err != nil {
		return Delivery[B, A, R]{}, fmt.Errorf("bus %v: %w", bus, err)
	}
	req, err := ctrl.unm(fr.Payload)
	if err != nil {
		return Delivery[B, A, R]{}, fmt.Errorf("bus %v: %w: %w", bus, ErrDecode, err)
	}
	ctrl.msink.IncrCounterWithLabels(MetricRecvCount, 1, ctrl.mlabels)
	return Delivery[B, A, R]{
		Bus:     bus,
		Source:  A(fr.Src),
		Dest:    A(fr.Dst),
		Request: req,
	}, nil
}

// RecvBatch blocks until bus traffic is available, then takes exactly
// one message off every ready bus and decodes it. The first bus that
// fails to deliver or decode aborts the pass; the messages taken
// before the failure are returned alongside the error so none of them
// is lost.
func (ctrl *Controller[B, A, R]) RecvBatch() ([]Delivery[B, A, R], error) {
	ready, err := ctrl.poll()
	if err != nil {
		return nil, err
	}
	batch := make([]Delivery[B, A, R], 0, len(ready))
	for _, bus := range ready {
		dlv, err := ctrl.recvOne(bus)
		if err != nil {
			return batch, err
		}
		batch = append(batch, dlv)
	}
	return batch, nil
}

// dispatch acts on one delivery: what is addressed to this service
// goes to the handler, everything else is relayed toward its
// destination with the original source preserved.
func (ctrl *Controller[B, A, R]) dispatch(dlv Delivery[B, A, R]) error {
	if dlv.Dest == ctrl.handler.Identity() {
		ctrl.logger.Debug("dispatching request",
			LabelBus.L(dlv.Bus), LabelSource.L(string(dlv.Source)))
		err := ctrl.handler.Handle(ctrl.senders, dlv.Bus, dlv.Source, dlv.Request)
		if err != nil {
			ctrl.msink.IncrCounterWithLabels(
				MetricHandlerErrorCount, 1, ctrl.mlabels)
			return fmt.Errorf("%w: %w", ErrHandler, err)
		}
		ctrl.msink.IncrCounterWithLabels(MetricHandledCount, 1, ctrl.mlabels)
		return nil
	}

	ctrl.logger.Debug("relaying request",
		LabelBus.L(dlv.Bus),
		LabelSource.L(string(dlv.Source)),
		LabelDestination.L(string(dlv.Dest)))
	if err := ctrl.senders.Send(dlv.Bus, dlv.Source, dlv.Dest, dlv.Request); err != nil {
		return err
	}
	ctrl.msink.IncrCounterWithLabels(MetricForwardedCount, 1, ctrl.mlabels)
	return nil
}

// run executes one loop iteration: for each ready bus, take one
// message and act on it before touching the next bus. The first
// failure aborts the pass with nothing received left undispatched;
// buses the pass never reached keep their traffic queued for the next
// iteration.
func (ctrl *Controller[B, A, R]) run() error {
	ready, err := ctrl.poll()
	if err != nil {
		return err
	}
	for _, bus := range ready {
		dlv, err := ctrl.recvOne(bus)
		if err != nil {
			return err
		}
		if err := ctrl.dispatch(dlv); err != nil {
			return err
		}
	}
	return nil
}

// TryRunLoop drives the controller until a fatal error. OnReady runs
// once; after that every iteration dispatches inbound traffic. Failed
// iterations are offered to the handler's HandleErr: the loop survives
// when it returns nil and terminates with its error otherwise.
func (ctrl *Controller[B, A, R]) TryRunLoop() error {
	if err := ctrl.handler.OnReady(ctrl.senders); err != nil {
		return err
	}
	ctrl.logger.Info("run loop started",
		slog.Int("buses", len(ctrl.senders.order)))
	for {
		if err := ctrl.run(); err != nil {
			ctrl.msink.IncrCounterWithLabels(MetricLoopErrorCount, 1, ctrl.mlabels)
			ctrl.logger.Warn("iteration failed", LabelError.L(err))
			if fatal := ctrl.handler.HandleErr(ctrl.senders, err); fatal != nil {
				ctrl.logger.Error("run loop terminating", LabelError.L(fatal))
				return fatal
			}
		}
	}
}

// Close shuts every bus session. A loop blocked polling wakes with the
// sessions' terminal errors and escalates them like any other failure.
func (ctrl *Controller[B, A, R]) Close() error {
	var errs []error
	for _, bus := range ctrl.senders.order {
		if err := ctrl.senders.eps[bus].session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
