package wire

import "sync"

// inbox is the delivery buffer shared by the session backends. It pairs a
// bounded frame queue with a one-slot readiness token so a single loop
// can multiplex many sessions, and it turns a transport failure into an
// in-band terminal error that stays consumable.
//
// Any goroutine may push or fail; recv, pending and the token are owned
// by the single consumer driving the session.
type inbox struct {
	frames chan Frame
	ready  chan struct{}

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func newInbox(depth int) *inbox {
	return &inbox{
		frames: make(chan Frame, depth),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push delivers one frame, blocking while the queue is full so transport
// readers exert backpressure. It reports false once the inbox has failed.
func (in *inbox) push(fr Frame) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.frames <- fr:
		in.wake()
		return true
	case <-in.done:
		return false
	}
}

// fail records the terminal error and wakes the consumer. The first call
// wins; later calls are ignored.
func (in *inbox) fail(err error) {
	in.failOnce.Do(func() {
		in.err = err
		close(in.done)
		in.wake()
	})
}

func (in *inbox) wake() {
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// recv returns the next frame. Frames delivered before a failure are
// drained first; after that the terminal error is returned on every call.
func (in *inbox) recv() (Frame, error) {
	select {
	case fr := <-in.frames:
		in.rearm()
		return fr, nil
	default:
	}
	select {
	case fr := <-in.frames:
		in.rearm()
		return fr, nil
	case <-in.done:
		// A delivery can race the failure, so give the queue one more
		// look before surfacing the error.
		select {
		case fr := <-in.frames:
			in.rearm()
			return fr, nil
		default:
			in.wake()
			return Frame{}, in.err
		}
	}
}

// pending reports whether recv would complete without blocking.
func (in *inbox) pending() bool {
	if len(in.frames) > 0 {
		return true
	}
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

// rearm re-sets the readiness token while the inbox stays consumable, so
// a consumer that takes one frame per wake-up is woken again for the
// rest.
func (in *inbox) rearm() {
	if in.pending() {
		in.wake()
	}
}
