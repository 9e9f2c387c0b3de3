package backplane

import (
	"github.com/raddke/backplane/pkg/wire"
)

var (
	MetricBusRegisteredCount = []string{"backplane", "bus", "registered", "count"}
	MetricSendCount          = []string{"backplane", "send", "count"}
	MetricSendErrorCount     = []string{"backplane", "send", "error", "count"}
	MetricRecvCount          = []string{"backplane", "recv", "count"}
	MetricHandledCount       = []string{"backplane", "handled", "count"}
	MetricForwardedCount     = []string{"backplane", "forwarded", "count"}
	MetricHandlerErrorCount  = []string{"backplane", "handler", "error", "count"}
	MetricLoopErrorCount     = []string{"backplane", "loop", "error", "count"}
)

// TelemetryLabel aliases the wire-level label type so both layers tag
// telemetry the same way.
type TelemetryLabel = wire.TelemetryLabel

var (
	LabelBus     TelemetryLabel = "bus"
	LabelService TelemetryLabel = "service"
	LabelRouter  TelemetryLabel = "router"

	LabelError       = wire.LabelError
	LabelSource      = wire.LabelSource
	LabelDestination = wire.LabelDestination
)
