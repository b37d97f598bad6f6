package kernel

import "sync/atomic"

// MaxInlinePayload is the fixed inline message size. Larger transfers ride
// as memory-region grants, not inline copies.
const MaxInlinePayload = 256

// TransferMode selects how a capability rides in a message.
type TransferMode uint8

const (
	// TransferCopy duplicates the capability; requires the Copy right on it.
	TransferCopy TransferMode = iota + 1
	// TransferMove removes the sender's slot atomically with acceptance.
	TransferMove
)

// CapTransfer names one capability the sender attaches to a message.
// Rights narrows a Copy transfer; zero keeps the source rights.
type CapTransfer struct {
	Slot   uint32
	Mode   TransferMode
	Rights Rights
}

// RegionGrant asks the kernel to map the named memory-region capability
// into the receiver's address space: zero-copy transfer for large payloads.
// Rights narrows the mapping (subset of the region capability's rights);
// VirtualHint requests a virtual address, zero lets the kernel choose.
type RegionGrant struct {
	Slot        uint32
	Rights      Rights
	VirtualHint uint64
}

// Delivery is what a receiver gets back: the inline payload, the sender's
// badge, the slots where transferred capabilities were installed (in
// transfer order; 0 marks one dropped by a racing revocation), the one-shot
// reply slot for calls, and the mapped region if one was granted.
type Delivery struct {
	Data      []byte
	Badge     uint64
	Caps      []uint32
	ReplySlot uint32
	Region    *RegionDelivery
}

// RegionDelivery reports a region grant: the receiver-side capability slot
// and the virtual range the kernel mapped.
type RegionDelivery struct {
	Slot  uint32
	Range VirtualRange
}

type stagedCap struct {
	cap  Capability
	node int32
	mode TransferMode
}

type stagedRegion struct {
	staged stagedCap
	rights Rights
	hint   uint64
}

// Envelope claim phases. The claim word arbitrates the send side exactly
// once per phase: delivery, timeout, endpoint close, and sender
// termination race on it, and only the winner touches the envelope
// afterwards. Admission into a mailbox queue moves the envelope to the
// queued phase, where dequeue and close race on consumption instead — a
// stale timeout can no longer cancel an admitted message.
const (
	envPending int32 = iota
	envClaimed
	envQueued
	envConsumed
)

// envelope is a message in flight. Capabilities are extracted from the
// sender before the endpoint lock is taken (capability table lock orders
// before endpoint lock) and installed into the receiver after it is
// released.
type envelope struct {
	claim atomic.Int32

	owner       *Thread // sending thread; nil for kernel-originated messages
	isCall      bool
	badge       uint64
	data        []byte
	caps        []stagedCap
	region      *stagedRegion
	reply       ObjectRef // one-shot reply endpoint, calls only
	replyStaged stagedCap // receiver-side reply capability, calls only
	epRef       ObjectRef // sender's in-flight hold on the target endpoint
}

func (e *envelope) tryClaim() bool { return e.claim.CompareAndSwap(envPending, envClaimed) }

// markQueued transitions a claimed envelope into the queued phase.
func (e *envelope) markQueued() { e.claim.Store(envQueued) }

// tryConsume claims a queued envelope for dequeue or drop.
func (e *envelope) tryConsume() bool { return e.claim.CompareAndSwap(envQueued, envConsumed) }
