package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInboxOrderAndRearm(t *testing.T) {
	in := newInbox(8)
	require.False(t, in.pending())

	require.True(t, in.push(Frame{Payload: []byte("one")}))
	require.True(t, in.push(Frame{Payload: []byte("two")}))
	require.True(t, in.pending())

	// Take the token the way a poll loop would.
	<-in.ready

	fr, err := in.recv()
	require.NoError(t, err)
	require.Equal(t, "one", string(fr.Payload))

	select {
	case <-in.ready:
	default:
		t.Fatal("token must be re-armed while frames remain")
	}

	fr, err = in.recv()
	require.NoError(t, err)
	require.Equal(t, "two", string(fr.Payload))
	require.False(t, in.pending())
}

func TestInboxFailDrainsThenSticks(t *testing.T) {
	in := newInbox(8)
	require.True(t, in.push(Frame{Payload: []byte("early")}))

	linkLost := errors.New("link lost")
	in.fail(linkLost)

	require.False(t, in.push(Frame{Payload: []byte("late")}),
		"pushes after a failure are refused")
	in.fail(errors.New("second failure"))

	fr, err := in.recv()
	require.NoError(t, err, "frames delivered before the failure drain first")
	require.Equal(t, "early", string(fr.Payload))

	for i := 0; i < 3; i++ {
		_, err = in.recv()
		require.ErrorIs(t, err, linkLost, "the first failure wins and persists")
		require.True(t, in.pending())
	}
}

func TestInboxRecvBlocksUntilDelivery(t *testing.T) {
	in := newInbox(4)
	got := make(chan Frame, 1)
	go func() {
		fr, err := in.recv()
		if err == nil {
			got <- fr
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, in.push(Frame{Payload: []byte("late")}))

	select {
	case fr := <-got:
		require.Equal(t, "late", string(fr.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("recv must wake on delivery")
	}
}

func TestInboxBackpressure(t *testing.T) {
	in := newInbox(1)
	require.True(t, in.push(Frame{Payload: []byte("one")}))

	unblocked := make(chan struct{})
	go func() {
		in.push(Frame{Payload: []byte("two")})
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("push past the queue depth must block")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := in.recv()
	require.NoError(t, err)
	select {
	case <-unblocked:
	case <-time.After(5 * time.Second):
		t.Fatal("push must resume once the consumer drains")
	}
}
