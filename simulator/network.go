package simulator

import (
	"math/rand"
	"sync"
)

// A Port is an endpoint for communication on a simulated machine.
// Data is sent from Ports and received on Ports.
type Port struct {
	// A stream of *Message objects.
	Incoming *EventStream
}

// NewPort creates a Port whose incoming stream lives on the loop.
func NewPort(loop *EventLoop) *Port {
	return &Port{Incoming: loop.Stream()}
}

// Recv receives the next message delivered to the port.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between ports over a network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the message size in bytes, used by networks to
	// compute transmission time.
	Size float64
}

// A Network represents an abstract way of delivering messages
// between ports.
type Network interface {
	// Send delivers message objects to their destination ports.
	// A message arrives on the receiving port's incoming
	// EventStream if the delivery is successful.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork assigns an independent uniform random delay to
// every message. Messages may be re-ordered arbitrarily, even
// between the same pair of ports.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// A LinkNetwork models every port as hanging off a serial link with
// a fixed byte rate and a constant per-message latency.
//
// Deliveries to a single destination port never overlap and never
// re-order: a message is delivered after every message enqueued to
// that port before it. This is the property collective protocols
// rely on when they issue back-to-back operations.
type LinkNetwork struct {
	// Rate is the link speed in bytes per unit of virtual time.
	Rate float64

	// Latency is added once per message.
	Latency float64

	lock sync.Mutex

	// Virtual time at which each destination's link frees up.
	busyUntil map[*Port]float64
}

// NewLinkNetwork creates a LinkNetwork with the given byte rate and
// per-message latency.
func NewLinkNetwork(rate, latency float64) *LinkNetwork {
	return &LinkNetwork{
		Rate:      rate,
		Latency:   latency,
		busyUntil: map[*Port]float64{},
	}
}

// Send sends the messages, serializing deliveries per destination.
func (l *LinkNetwork) Send(h *Handle, msgs ...*Message) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := h.Time()
	for _, msg := range msgs {
		start := now
		if t, ok := l.busyUntil[msg.Dest]; ok && t > start {
			start = t
		}
		arrival := start + l.Latency + msg.Size/l.Rate
		l.busyUntil[msg.Dest] = arrival
		h.Schedule(msg.Dest.Incoming, msg, arrival-now)
	}
}
