package kernel

import (
	"time"

	"go.uber.org/zap"
)

// Op enumerates the syscall surface. Every kernel service a thread can
// reach goes through Dispatch with one of these; there is no side door.
type Op uint8

const (
	OpSend Op = iota + 1
	OpReceive
	OpCall
	OpReply
	OpDerive
	OpRevoke
	OpDelete
	OpEndpointCreate
	OpEndpointClose
	OpMapRegion
	OpYield
	OpExit
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpCall:
		return "call"
	case OpReply:
		return "reply"
	case OpDerive:
		return "derive"
	case OpRevoke:
		return "revoke"
	case OpDelete:
		return "delete"
	case OpEndpointCreate:
		return "endpoint_create"
	case OpEndpointClose:
		return "endpoint_close"
	case OpMapRegion:
		return "map_region"
	case OpYield:
		return "yield"
	case OpExit:
		return "exit"
	default:
		return "unknown"
	}
}

// DeadlineKind selects blocking behavior for an operation.
type DeadlineKind uint8

const (
	// DeadlineInfinite blocks until the operation resolves.
	DeadlineInfinite DeadlineKind = iota
	// DeadlineImmediate never blocks; an unready operation fails
	// ErrWouldBlock.
	DeadlineImmediate
	// DeadlineAbsolute blocks until the home core's tick counter reaches
	// Tick, then fails ErrTimeout.
	DeadlineAbsolute
)

// Deadline expresses patience in ticks of the calling thread's home core.
type Deadline struct {
	Kind DeadlineKind
	Tick uint64
}

// Request is one syscall. Which fields matter depends on Op; the rest are
// ignored.
type Request struct {
	Op   Op
	Slot uint32 // capability the operation acts through

	// Message operations.
	Data      []byte
	Transfers []CapTransfer
	Region    *RegionGrant
	Deadline  Deadline

	// Derive and MapRegion.
	Rights Rights
	Badge  uint64

	// EndpointCreate.
	Mode     EndpointMode
	Capacity int

	// MapRegion; zero lets the kernel pick the virtual base.
	VirtualHint uint64
}

// Response is a syscall's outcome. Parked means the thread blocked and the
// real outcome arrives through TakeResult once it is scheduled again.
type Response struct {
	Status   Status
	Err      error
	Parked   bool
	Bytes    int
	Slot     uint32       // derive, endpoint_create
	Range    VirtualRange // map_region
	Delivery *Delivery
}

// Dispatch is the single syscall entry point: it resolves the calling
// thread, enforces that dead processes make no progress, routes to the
// operation, and accounts the call. Capability validation itself happens
// exactly once, inside resolveCap, on the slot each operation names.
func (k *Kernel) Dispatch(tid ThreadID, req Request) Response {
	start := time.Now()
	t := k.thread(tid)
	if t == nil || t.State() == ThreadTerminated {
		return k.finishSyscall(req.Op, errResponse(ErrProcessTerminated), start)
	}
	if t.proc.isTerminated() {
		return k.finishSyscall(req.Op, errResponse(ErrProcessTerminated), start)
	}

	var resp Response
	switch req.Op {
	case OpSend:
		resp = k.sysSend(t, req.Slot, req.Data, req.Transfers, req.Region, req.Deadline)
	case OpReceive:
		resp = k.sysReceive(t, req.Slot, req.Deadline)
	case OpCall:
		resp = k.sysCall(t, req.Slot, req.Data, req.Transfers, req.Region, req.Deadline)
	case OpReply:
		resp = k.sysReply(t, req.Slot, req.Data, req.Transfers, req.Region)
	case OpDerive:
		resp = k.sysDerive(t, req.Slot, req.Rights, req.Badge)
	case OpRevoke:
		resp = k.sysRevoke(t, req.Slot)
	case OpDelete:
		resp = k.sysDelete(t, req.Slot)
	case OpEndpointCreate:
		resp = k.sysEndpointCreate(t, req.Mode, req.Capacity)
	case OpEndpointClose:
		resp = k.sysEndpointClose(t, req.Slot)
	case OpMapRegion:
		resp = k.sysMapRegion(t, req.Slot, req.Rights, req.VirtualHint)
	case OpYield:
		resp = k.sysYield(t)
	case OpExit:
		resp = k.sysExit(t)
	default:
		resp = errResponse(ErrCapabilityInvalid)
	}
	return k.finishSyscall(req.Op, resp, start)
}

func (k *Kernel) finishSyscall(op Op, resp Response, start time.Time) Response {
	status := resp.Status
	if resp.Parked {
		status = StatusOK
	}
	if k.metrics != nil {
		k.metrics.RecordSyscall(op.String(), status.String(), time.Since(start))
	}
	if resp.Err != nil {
		k.log.Debug("syscall failed",
			zap.String("op", op.String()),
			zap.String("status", status.String()))
	}
	return resp
}

// TakeResult collects the outcome of an operation that parked the thread.
// Valid once the thread has been woken and scheduled again.
func (k *Kernel) TakeResult(tid ThreadID) Response {
	t := k.thread(tid)
	if t == nil {
		return errResponse(ErrProcessTerminated)
	}
	return t.wait.outcome
}

// sysDerive mints a narrowed child capability in a fresh slot. Rights may
// only shrink; the badge, once set, rides every message the child sends.
func (k *Kernel) sysDerive(t *Thread, slot uint32, rights Rights, badge uint64) Response {
	newSlot, err := k.deriveCap(t.proc, slot, rights, badge)
	if err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOK, Slot: newSlot}
}

// sysRevoke severs the named capability and every capability transitively
// derived from it, in every process, atomically with respect to new sends.
func (k *Kernel) sysRevoke(t *Thread, slot uint32) Response {
	if err := k.revokeCap(t.proc, slot); err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOK}
}

// sysDelete drops the caller's own slot without touching derived children;
// they are promoted to the nearest live ancestor.
func (k *Kernel) sysDelete(t *Thread, slot uint32) Response {
	if err := k.deleteCap(t.proc, slot); err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOK}
}

// sysEndpointCreate allocates an endpoint and hands the creator a
// full-rights capability to it.
func (k *Kernel) sysEndpointCreate(t *Thread, mode EndpointMode, capacity int) Response {
	slot, err := k.createEndpoint(t.proc, mode, capacity)
	if err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOK, Slot: slot}
}

// sysEndpointClose begins the close of an endpoint the caller can receive
// on. Waiters wake with ErrEndpointClosed; a mailbox's queued messages
// stay drainable.
func (k *Kernel) sysEndpointClose(t *Thread, slot uint32) Response {
	cap, _, obj, err := k.resolveCap(t.proc, slot, RightReceive)
	if err != nil {
		return errResponse(err)
	}
	if obj.Kind != KindEndpoint || obj.Endpoint.oneShot {
		k.releaseObject(cap.Object)
		return errResponse(ErrCapabilityInvalid)
	}
	k.closeEndpoint(obj.Endpoint, ErrEndpointClosed)
	k.releaseObject(cap.Object)
	return Response{Status: StatusOK}
}

// sysYield surrenders the rest of the time slice; the thread goes back in
// its class queue and the core reschedules.
func (k *Kernel) sysYield(t *Thread) Response {
	c := k.cores[t.home]
	c.rq.mu.Lock()
	if c.current == t {
		t.slice = 0
	}
	c.rq.mu.Unlock()
	c.kick()
	return Response{Status: StatusOK}
}

// sysExit terminates the calling thread. The last thread out takes the
// process with it.
func (k *Kernel) sysExit(t *Thread) Response {
	k.terminateThread(t)
	p := t.proc
	p.mu.Lock()
	remaining := 0
	for _, other := range p.threads {
		if other.State() != ThreadTerminated {
			remaining++
		}
	}
	p.mu.Unlock()
	if remaining == 0 {
		k.Terminate(p.id)
	}
	return Response{Status: StatusOK}
}
