package backplane

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raddke/backplane/pkg/wire"
)

func TestEndpointHop(t *testing.T) {
	cases := []struct {
		name   string
		router svcAddr
		source svcAddr
		dest   svcAddr
		hop    svcAddr
	}{
		{"no router goes direct", "", "alpha", "omega", "omega"},
		{"router carries foreign traffic", "relay", "alpha", "omega", "relay"},
		{"the router itself goes direct", "relay", "relay", "omega", "omega"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep := &Endpoint[svcAddr]{router: tc.router}
			require.Equal(t, tc.hop, ep.Hop(tc.source, tc.dest))
		})
	}
}

func TestSendAppliesRoutingDecision(t *testing.T) {
	routed := newScriptSession()
	direct := newScriptSession()
	ctrl := newTestController(t, &testHandler{id: "gateway"}, nil,
		busEntry{"routed", BusConfig[svcAddr]{Session: routed, Queued: true, Router: "relay"}},
		busEntry{"direct", BusConfig[svcAddr]{Session: direct, Queued: true}},
	)

	require.NoError(t, ctrl.Send("routed", "omega", &echoReq{Text: "hi"}))
	require.NoError(t, ctrl.Send("direct", "omega", &echoReq{Text: "yo"}))

	sent := routed.sentFrames()
	require.Len(t, sent, 1)
	require.Equal(t, "gateway", string(sent[0].src))
	require.Equal(t, "relay", string(sent[0].hop), "foreign traffic must hop through the router")
	require.Equal(t, "omega", string(sent[0].dst))
	require.Equal(t, "hi", string(sent[0].payload))

	sent = direct.sentFrames()
	require.Len(t, sent, 1)
	require.Equal(t, "omega", string(sent[0].hop), "a bus without router addresses peers directly")
}

func TestSetIdentity(t *testing.T) {
	sess := newScriptSession()
	ctrl := newTestController(t, &testHandler{id: "gateway"}, nil,
		busEntry{"ctl", BusConfig[svcAddr]{Session: sess, Queued: true}},
	)

	require.NoError(t, ctrl.Senders().SetIdentity("ctl", "gateway-2"))
	require.Equal(t, []wire.Addr{"gateway-2"}, sess.rebindsSeen())

	err := ctrl.Senders().SetIdentity("rpc", "gateway-2")
	require.ErrorIs(t, err, ErrUnknownBus)
	require.Equal(t, []wire.Addr{"gateway-2"}, sess.rebindsSeen(),
		"an unknown bus must trigger no transport call")
}

func TestSendUnknownBus(t *testing.T) {
	ctrl := newTestController(t, &testHandler{id: "gateway"}, nil,
		busEntry{"ctl", BusConfig[svcAddr]{Session: newScriptSession(), Queued: true}},
	)
	err := ctrl.Send("rpc", "omega", &echoReq{Text: "hi"})
	require.ErrorIs(t, err, ErrUnknownBus)
}

type brokenReq struct{}

func (brokenReq) String() string { return "broken" }

func (brokenReq) MarshalBinary() ([]byte, error) {
	return nil, errors.New("no wire form")
}

func TestSendReportsAddressedFailures(t *testing.T) {
	sess := newScriptSession()
	ctrl := newTestController(t, &testHandler{id: "gateway"}, nil,
		busEntry{"ctl", BusConfig[svcAddr]{Session: sess, Queued: true}},
	)

	err := ctrl.Senders().Send("ctl", "gateway", "omega", brokenReq{})
	require.ErrorIs(t, err, ErrEncode)

	var sendErr *SendError[svcAddr]
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, svcAddr("gateway"), sendErr.Source)
	require.Equal(t, svcAddr("omega"), sendErr.Dest)
	require.Empty(t, sess.sentFrames(), "nothing must reach the session")

	boom := errors.New("wire is down")
	sess.sendErr = boom
	err = ctrl.Send("ctl", "omega", &echoReq{Text: "hi"})
	require.ErrorIs(t, err, boom)
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, svcAddr("omega"), sendErr.Dest)
}
