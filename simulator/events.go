// Package simulator provides a virtual-time runtime for simulated
// distributed programs.
//
// Each simulated process runs in its own Goroutine and talks to the
// rest of the world through EventStreams. The EventLoop advances a
// virtual clock and only runs when every registered Goroutine is
// blocked polling, so simulated programs never have to think about
// wall-clock timing.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of events that are
// delivered through an EventLoop.
//
// A stream may only be used on the EventLoop that created it.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer represents a single event delivery scheduled at a point in
// the virtual future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time when the timer will fire.
//
// If the loop's clock is below a timer's Time(), the timer is
// guaranteed not to have fired yet.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one Goroutine's access point to an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	*EventLoop

	// Set only while the Goroutine is polling.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on one of the streams.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule creates a Timer that delivers msg on stream after delay
// units of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream belongs to a different EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer if it has not fired yet.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
			}
		}
	})
}

// Sleep blocks for a span of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop is the global scheduler for a simulated system.
//
// All Goroutines which access an EventLoop should be started with
// the EventLoop.Go() method. The loop only advances the clock when
// every active Goroutine is polling, and it reports a deadlock when
// every Goroutine is polling with no timer pending.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream on the loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
	}()
}

// Run drives the loop until every Goroutine started with Go() has
// returned.
//
// It is not safe to run the loop from more than one Goroutine at
// once.
//
// Returns an error if the system deadlocks.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify calls f with the loop locked, for changes that cannot
// affect scheduling.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the loop afterwards because
// the change may allow the loop to make progress.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires the next timer, if any timer can fire.
//
// The first return value is false once the loop should stop, in
// which case the error indicates whether this was a deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A Goroutine is doing real-time work; the clock
			// must not advance under it.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		// Scan in shuffled order so that timers with equal
		// deadlines do not fire in a deterministic order.
		indices := rand.Perm(len(e.timers))

		minTimerIdx := indices[0]
		for _, i := range indices[1:] {
			if e.timers[i].time < e.timers[minTimerIdx].time {
				minTimerIdx = i
			}
		}
		timer := e.timers[minTimerIdx]

		essentials.UnorderedDelete(&e.timers, minTimerIdx)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, errors.New("deadlock: all Handles are polling")
}

// deliver hands an event to a polling Goroutine, or queues it on the
// stream if nobody is polling for it.
func (e *EventLoop) deliver(event *Event) bool {
	// Shuffle the handles so that two receivers don't get
	// messages in a deterministic order.
	indices := rand.Perm(len(e.handles))
	for _, i := range indices {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
