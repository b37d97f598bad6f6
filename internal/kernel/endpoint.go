package kernel

import "sync"

// EndpointMode selects buffering semantics.
type EndpointMode uint8

const (
	// Rendezvous requires sender and receiver presence; nothing is queued.
	Rendezvous EndpointMode = iota + 1
	// Mailbox buffers up to capacity messages asynchronously.
	Mailbox
)

func (m EndpointMode) String() string {
	switch m {
	case Rendezvous:
		return "rendezvous"
	case Mailbox:
		return "mailbox"
	default:
		return "unknown"
	}
}

// EndpointState is the lifecycle: Created → Active → Closing → Destroyed.
// Closing accepts no new sends or receives except drains of already queued
// messages; destruction proceeds only once both wait queues and the message
// queue are empty.
type EndpointState uint8

const (
	EndpointActive EndpointState = iota + 1
	EndpointClosing
	EndpointDestroyed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointActive:
		return "active"
	case EndpointClosing:
		return "closing"
	case EndpointDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Endpoint is the IPC rendezvous/mailbox object.
//
// Invariants: a Mailbox never holds more than capacity queued envelopes; a
// Rendezvous endpoint never queues at all. Wait queue entries are lazily
// reaped: a popped entry whose arbitration was already lost (timed out,
// terminated) is skipped, so no lock beyond the endpoint's own is needed to
// expire a waiter.
type Endpoint struct {
	mu       sync.Mutex
	self     ObjectRef
	mode     EndpointMode
	capacity int
	state    EndpointState
	oneShot  bool // kernel-minted reply endpoints
	owner    ProcessID

	queue []*envelope // Mailbox only
	sendQ []*envelope // envelopes awaiting admission
	recvQ []*Thread   // threads parked in receive
}

// popReceiver dequeues the next receiver that wins its wait arbitration.
// Called with ep.mu held.
func (ep *Endpoint) popReceiver() *Thread {
	for len(ep.recvQ) > 0 {
		t := ep.recvQ[0]
		ep.recvQ = ep.recvQ[1:]
		if t.tryResolveWait() {
			return t
		}
	}
	return nil
}

// popSender dequeues the next unclaimed waiting envelope. Called with
// ep.mu held.
func (ep *Endpoint) popSender() *envelope {
	for len(ep.sendQ) > 0 {
		e := ep.sendQ[0]
		ep.sendQ = ep.sendQ[1:]
		if e.tryClaim() {
			return e
		}
	}
	return nil
}

// popQueued dequeues the next live queued envelope. Called with ep.mu held.
func (ep *Endpoint) popQueued() *envelope {
	for len(ep.queue) > 0 {
		e := ep.queue[0]
		ep.queue = ep.queue[1:]
		if e.tryConsume() {
			return e
		}
	}
	return nil
}

// drainedIdle reports whether destruction may proceed. Called with ep.mu
// held.
func (ep *Endpoint) drainedIdle() bool {
	return len(ep.queue) == 0 && len(ep.sendQ) == 0 && len(ep.recvQ) == 0
}

// EndpointInfo is the introspection view of an endpoint.
type EndpointInfo struct {
	Mode      string `json:"mode"`
	State     string `json:"state"`
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Senders   int    `json:"waiting_senders"`
	Receivers int    `json:"waiting_receivers"`
	Owner     uint32 `json:"owner_pid"`
}

func (ep *Endpoint) info() EndpointInfo {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return EndpointInfo{
		Mode:      ep.mode.String(),
		State:     ep.state.String(),
		Capacity:  ep.capacity,
		Queued:    len(ep.queue),
		Senders:   len(ep.sendQ),
		Receivers: len(ep.recvQ),
		Owner:     uint32(ep.owner),
	}
}
