package kernel

import "sync/atomic"

// ThreadID indexes the kernel's dense thread registry.
type ThreadID uint32

// ThreadState is the thread lifecycle. Terminated is absorbing.
type ThreadState int32

const (
	ThreadReady ThreadState = iota + 1
	ThreadRunning
	ThreadBlocked
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	case ThreadBlocked:
		return "blocked"
	case ThreadTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BlockReason records why a thread is parked.
type BlockReason uint8

const (
	BlockNone BlockReason = iota
	BlockSend
	BlockReceive
	BlockCall
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "none"
	case BlockSend:
		return "send"
	case BlockReceive:
		return "receive"
	case BlockCall:
		return "call"
	default:
		return "unknown"
	}
}

// PriorityClass partitions the run queues. Strict priority across classes.
type PriorityClass uint8

const (
	ClassRealTime PriorityClass = iota + 1
	ClassNormal
	ClassIdle
)

func (c PriorityClass) String() string {
	switch c {
	case ClassRealTime:
		return "realtime"
	case ClassNormal:
		return "normal"
	case ClassIdle:
		return "idle"
	default:
		return "unknown"
	}
}

const (
	waitIdle uint64 = iota
	waitArmed
	waitDone

	waitStateMask uint64 = 3
	waitSeqStep   uint64 = 4
)

// waitRecord is the blocked-operation state. The status word packs a
// generation count above two state bits and is the single arbitration
// point between delivery, timeout, and termination: whichever CAS wins
// owns the outcome, every other path is a no-op, so each blocked
// operation resolves exactly once. The generation makes lazily expired
// timer entries harmless: an entry armed for an earlier wait can never
// resolve a later one.
type waitRecord struct {
	status atomic.Uint64

	reason      BlockReason
	ep          ObjectRef // endpoint waited on (calls: the reply endpoint)
	env         *envelope // outgoing envelope (send/call)
	deadline    uint64    // absolute tick; meaningless unless hasDeadline
	hasDeadline bool

	outcome Response
}

// Thread is a schedulable unit owned by exactly one process. Field
// ownership: state transitions and wait arbitration are atomic; queued,
// enqueueRound and slice are guarded by the home core's run-queue lock;
// everything else is fixed at creation or touched only by the thread's own
// syscall path while Running.
type Thread struct {
	id   ThreadID
	self ObjectRef
	proc *Process

	class      PriorityClass
	rtPriority int
	home       uint32

	state atomic.Int32

	// Run-queue fields, guarded by the home core's run-queue lock. The
	// queued flag is what keeps a thread visible to at most one core.
	queued       bool
	enqueueRound uint64
	slice        int

	wait waitRecord
}

// State reads the current lifecycle state.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

// ID returns the thread's registry index.
func (t *Thread) ID() ThreadID { return t.id }

// Class returns the thread's priority class.
func (t *Thread) Class() PriorityClass { return t.class }

// Home returns the thread's home core.
func (t *Thread) Home() uint32 { return t.home }

func (t *Thread) setState(s ThreadState) { t.state.Store(int32(s)) }

func (t *Thread) casState(from, to ThreadState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// armWait prepares the wait record. It must complete, and the thread must
// be Blocked, before the thread becomes visible on any wait queue.
func (t *Thread) armWait(reason BlockReason, ep ObjectRef, env *envelope) {
	t.wait.reason = reason
	t.wait.ep = ep
	t.wait.env = env
	t.wait.hasDeadline = false
	t.wait.deadline = 0
	t.wait.outcome = Response{}
	next := (t.wait.status.Load() &^ waitStateMask) + waitSeqStep
	t.wait.status.Store(next | waitArmed)
}

// tryResolveWait claims the right to complete this thread's blocked
// operation. Exactly one caller wins.
func (t *Thread) tryResolveWait() bool {
	for {
		cur := t.wait.status.Load()
		if cur&waitStateMask != waitArmed {
			return false
		}
		if t.wait.status.CompareAndSwap(cur, cur&^waitStateMask|waitDone) {
			return true
		}
	}
}

// tryResolveWaitAt claims the wait only if it is still the generation the
// token was captured from. Stale timer entries fail here.
func (t *Thread) tryResolveWaitAt(token uint64) bool {
	if token&waitStateMask != waitArmed {
		return false
	}
	return t.wait.status.CompareAndSwap(token, token&^waitStateMask|waitDone)
}

// resolveWait marks a wait done whose arbitration was already won through
// the envelope claim word (plain sends).
func (t *Thread) resolveWait() {
	for {
		cur := t.wait.status.Load()
		if t.wait.status.CompareAndSwap(cur, cur&^waitStateMask|waitDone) {
			return
		}
	}
}

// ThreadInfo is the introspection view of a thread.
type ThreadInfo struct {
	ID       uint32 `json:"id"`
	Process  uint32 `json:"pid"`
	State    string `json:"state"`
	Class    string `json:"class"`
	Priority int    `json:"rt_priority"`
	Home     uint32 `json:"home_core"`
	Blocked  string `json:"blocked_on,omitempty"`
}

func (t *Thread) info() ThreadInfo {
	info := ThreadInfo{
		ID:       uint32(t.id),
		Process:  uint32(t.proc.id),
		State:    t.State().String(),
		Class:    t.class.String(),
		Priority: t.rtPriority,
		Home:     t.home,
	}
	if info.State == "blocked" {
		info.Blocked = t.wait.reason.String()
	}
	return info
}
