package wire

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricSessionEstablished counts sessions brought up, per backend
	// and kind.
	MetricSessionEstablished = []string{"wire", "session", "established"}
	// MetricFrameTx counts frames handed to the transport for delivery.
	MetricFrameTx = []string{"wire", "frame", "tx"}
	// MetricFrameRx counts frames received from the transport.
	MetricFrameRx = []string{"wire", "frame", "rx"}
	// MetricFrameParked counts frames parked on a hub because the next
	// hop had not announced itself yet.
	MetricFrameParked = []string{"wire", "frame", "parked"}
	// MetricPeerAnnounce counts identity announcements accepted by a hub.
	MetricPeerAnnounce = []string{"wire", "peer", "announce"}
)

// TelemetryLabel is a label key with a stable meaning across metrics and
// logs.
type TelemetryLabel string

var (
	LabelBackend     TelemetryLabel = "backend"
	LabelKind        TelemetryLabel = "kind"
	LabelIdentity    TelemetryLabel = "identity"
	LabelPeer        TelemetryLabel = "peer"
	LabelLocator     TelemetryLabel = "locator"
	LabelError       TelemetryLabel = "error"
	LabelSource      TelemetryLabel = "source"
	LabelDestination TelemetryLabel = "destination"
	LabelNextHop     TelemetryLabel = "next_hop"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
