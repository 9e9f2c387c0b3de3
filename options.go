package backplane

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raddke/backplane/pkg/wire"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	tlsConfig    *tls.Config
	dialTimeout  time.Duration
	queueDepth   int
}

// Option to pass to `New`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the controller and its bus sessions.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// controller and its bus sessions.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` presented on quic buses. It is
// REALLY important that you use mTLS in production since that's the
// only way to keep strangers off your buses.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return wire.ErrNoTLSConfig
		}
		c.tlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// bus rendezvous to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithQueueDepth controls how many inbound frames a bus session may
// hold before the transport pushes back on senders.
func WithQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth == 0 {
			depth = 1024
		}
		c.queueDepth = depth
		return nil
	}
}
