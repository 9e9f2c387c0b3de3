package wire

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNatsSubjectToken(t *testing.T) {
	cases := []struct {
		name string
		id   Addr
		want string
		bad  error
	}{
		{name: "plain identity", id: "alpha", want: "backplane.alpha"},
		{name: "empty identity", id: "", bad: ErrNoIdentity},
		{name: "subject separator", id: "a.b", bad: ErrBadIdentity},
		{name: "single wildcard", id: "a*", bad: ErrBadIdentity},
		{name: "full wildcard", id: "a>", bad: ErrBadIdentity},
		{name: "whitespace", id: "a b", bad: ErrBadIdentity},
		{name: "control char", id: "a\x00b", bad: ErrBadIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subject, err := natsSubjectToken(tc.id)
			if tc.bad != nil {
				require.ErrorIs(t, err, tc.bad)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, subject)
		})
	}
}

// natsLocator points the broker tests at a live NATS server. They skip
// when the environment does not provide one.
func natsLocator(t *testing.T) string {
	t.Helper()
	url := os.Getenv("BACKPLANE_TEST_NATS_URL")
	if url == "" {
		t.Skip("set BACKPLANE_TEST_NATS_URL to run broker tests")
	}
	return url
}

func TestNatsSwitching(t *testing.T) {
	locator := natsLocator(t)

	alpha, err := Establish(KindLeaf, locator, "nats-alpha", nil)
	require.NoError(t, err)
	defer alpha.Close()

	omega, err := Establish(KindLeaf, locator, "nats-omega", nil)
	require.NoError(t, err)
	defer omega.Close()

	require.NoError(t, alpha.Send("nats-alpha", "nats-omega", "nats-omega", []byte("brokered")))
	fr := recvWithin(t, omega, 10*time.Second)
	require.Equal(t, Frame{Src: "nats-alpha", Dst: "nats-omega", Payload: []byte("brokered")}, fr)
}

func TestNatsStrictUnsupported(t *testing.T) {
	locator := natsLocator(t)

	sess, err := Establish(KindLeaf, locator, "nats-strict", nil)
	require.NoError(t, err)
	defer sess.Close()

	require.ErrorIs(t, sess.SetStrict(true), ErrStrictUnsupported)
	require.NoError(t, sess.SetStrict(false))
}
