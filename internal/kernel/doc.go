// Package kernel implements the capability-secure microkernel core: the
// object and capability tables, the IPC endpoint and message layer, and the
// multi-core scheduler, behind a single syscall dispatch chokepoint.
//
// Everything user code can do is mediated by a capability: an unforgeable
// (slot-indexed, kernel-held) token naming a kernel object together with a
// rights mask and a badge. Processes start with zero ambient authority and
// gain capabilities only by explicit grant over IPC.
//
// Layout follows one file per concern:
//   - object.go     — object table (arena), refcounts, deferred destruction
//   - capability.go — per-process capability tables and the derivation forest
//   - endpoint.go   — endpoint objects and their lifecycle
//   - message.go    — message envelopes and capability/region transfer staging
//   - ipc.go        — send/receive/call/reply
//   - thread.go     — thread state machine and wait arbitration
//   - process.go    — processes, address spaces, spawn/terminate
//   - runqueue.go   — per-core priority-class run queues with aging
//   - sched.go      — pick-next, wake paths, cross-core notification, stealing
//   - timer.go      — per-core ticks and deadline expiry
//   - syscall.go    — dispatch and enforcement
//   - memory.go     — the map/unmap collaborator contract
//
// Locking discipline (kernel-wide): capability table lock before object or
// endpoint lock before run-queue lock; no lock is held across a potential
// block point. Cross-core run-queue access takes only the remote core's lock.
// A blocked operation is resolved exactly once: delivery and timeout race on
// one atomic word per thread (receive/reply side) or per envelope (send
// side), and the loser backs off.
package kernel
