package kernel

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Core is one logical CPU: a run queue, the thread it is running, a
// deadline heap, and a notification doorbell other cores ring to force an
// immediate reschedule (the inter-core notification of the bounded-latency
// RealTime wakeup path).
type Core struct {
	id     uint32
	rq     runQueue
	notify chan struct{}
	timer  timerQueue

	ticks atomic.Uint64

	// current is guarded by rq.mu.
	current *Thread

	switches    atomic.Uint64
	preemptions atomic.Uint64
	migrations  atomic.Uint64
}

func newCore(id uint32) *Core {
	return &Core{id: id, notify: make(chan struct{}, 1)}
}

// kick rings the core's doorbell. Non-blocking: a pending notification
// already covers this wakeup. This is the notify-then-release handoff —
// the sender holds no lock of its own core while kicking.
func (c *Core) kick() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Notify exposes the doorbell for core driver loops.
func (c *Core) Notify() <-chan struct{} { return c.notify }

// ID returns the core's index.
func (c *Core) ID() uint32 { return c.id }

// NeedsResched drains and reports a pending doorbell ring.
func (k *Kernel) NeedsResched(coreID uint32) bool {
	c := k.cores[coreID]
	select {
	case <-c.notify:
		return true
	default:
		return false
	}
}

// readyThread completes a resolved wait and requeues the thread on its
// home core. The caller must have won the wait arbitration and filled
// resp. Terminated threads stay down.
func (k *Kernel) readyThread(t *Thread, resp Response) {
	t.wait.outcome = resp
	if !t.casState(ThreadBlocked, ThreadReady) {
		return
	}
	k.enqueueReady(t)
}

// enqueueReady puts a Ready thread on its home core's queue and decides
// whether that core must be preempted. Only the target core's run-queue
// lock is taken, never two at once.
func (k *Kernel) enqueueReady(t *Thread) {
	c := k.cores[t.home]
	c.rq.mu.Lock()
	if !t.queued && t.State() == ThreadReady {
		t.slice = k.sliceFor(t.class)
		c.rq.enqueue(t)
	}
	cur := c.current
	preempt := cur == nil
	if cur != nil && t.class == ClassRealTime {
		if cur.class != ClassRealTime || cur.rtPriority < t.rtPriority {
			preempt = true
			c.preemptions.Add(1)
			if k.metrics != nil {
				k.metrics.RecordPreemption(c.id)
			}
		}
	}
	k.updateDepthMetrics(c)
	c.rq.mu.Unlock()

	if preempt {
		c.kick()
	}
	k.emit(Event{Kind: EventWakeup, Core: t.home, Thread: uint32(t.id), Process: uint32(t.proc.id)})
}

func (k *Kernel) sliceFor(class PriorityClass) int {
	switch class {
	case ClassRealTime:
		return k.params.RealTimeSliceTicks
	case ClassNormal:
		return k.params.NormalSliceTicks
	default:
		return k.params.NormalSliceTicks
	}
}

// Schedule performs the core-local context switch decision: requeue the
// outgoing thread if it is still runnable, pick the next by strict class
// priority with Normal aging, and steal work for an empty queue. Returns
// the thread now running on the core, or nil if the core idles.
func (k *Kernel) Schedule(coreID uint32) *Thread {
	c := k.cores[coreID]

	c.rq.mu.Lock()
	prev := c.current
	if prev != nil && prev.State() == ThreadRunning {
		prev.setState(ThreadReady)
		if !prev.queued {
			c.rq.enqueue(prev)
		}
	}
	next := c.rq.pickNext(k.params.AgingRounds)
	c.current = next
	empty := next == nil
	c.rq.mu.Unlock()

	if empty {
		// Idle-steal migration: Normal/Idle only, and only because this
		// queue is empty. The remote lock is taken while holding no local
		// lock.
		if stolen := k.stealFor(c); stolen != nil {
			c.rq.mu.Lock()
			stolen.home = c.id
			if !stolen.queued && stolen.State() == ThreadReady {
				c.rq.enqueue(stolen)
			}
			next = c.rq.pickNext(k.params.AgingRounds)
			c.current = next
			c.rq.mu.Unlock()
		}
	}

	if next != nil {
		next.setState(ThreadRunning)
		next.slice = k.sliceFor(next.class)
	}
	if next != prev {
		c.switches.Add(1)
		if k.metrics != nil {
			k.metrics.RecordContextSwitch(c.id)
		}
		var tid uint32
		if next != nil {
			tid = uint32(next.id)
		}
		k.emit(Event{Kind: EventSwitch, Core: c.id, Thread: tid})
	}
	return next
}

// stealFor takes one migratable thread from the first non-empty peer.
func (k *Kernel) stealFor(c *Core) *Thread {
	for _, other := range k.cores {
		if other.id == c.id {
			continue
		}
		other.rq.mu.Lock()
		t := other.rq.stealMigratable()
		other.rq.mu.Unlock()
		if t != nil {
			c.migrations.Add(1)
			if k.metrics != nil {
				k.metrics.RecordMigration()
			}
			k.log.Debug("migrated thread",
				zap.Uint32("thread", uint32(t.id)),
				zap.Uint32("from_core", other.id),
				zap.Uint32("to_core", c.id))
			return t
		}
	}
	return nil
}

// blockCurrent parks t; the caller has already armed the wait record and
// enqueued it on the relevant wait structure.
func (k *Kernel) blockCurrent(t *Thread) {
	if !t.casState(ThreadRunning, ThreadBlocked) {
		// A thread may block from Ready in driver-less test harnesses.
		if !t.casState(ThreadReady, ThreadBlocked) {
			panic("kernel: blocking a thread that is not running")
		}
	}
	k.emit(Event{Kind: EventBlock, Core: t.home, Thread: uint32(t.id), Detail: t.wait.reason.String()})
}

// CurrentThread reports what a core is running (0 if idle).
func (k *Kernel) CurrentThread(coreID uint32) ThreadID {
	c := k.cores[coreID]
	c.rq.mu.Lock()
	defer c.rq.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.id
}

func (k *Kernel) updateDepthMetrics(c *Core) {
	if k.metrics == nil {
		return
	}
	rt, normal, idle := c.rq.depths()
	k.metrics.SetRunQueueDepth(c.id, "realtime", rt)
	k.metrics.SetRunQueueDepth(c.id, "normal", normal)
	k.metrics.SetRunQueueDepth(c.id, "idle", idle)
}

// SchedStats is the introspection view of the scheduler.
type SchedStats struct {
	Cores []CoreStats `json:"cores"`
}

// CoreStats reports one core's counters and queue depths.
type CoreStats struct {
	Core            uint32 `json:"core"`
	Ticks           uint64 `json:"ticks"`
	ContextSwitches uint64 `json:"context_switches"`
	Preemptions     uint64 `json:"preemptions"`
	Migrations      uint64 `json:"migrations"`
	Running         uint32 `json:"running_thread"`
	RealTimeDepth   int    `json:"realtime_depth"`
	NormalDepth     int    `json:"normal_depth"`
	IdleDepth       int    `json:"idle_depth"`
}

// Stats snapshots every core.
func (k *Kernel) Stats() SchedStats {
	out := SchedStats{Cores: make([]CoreStats, 0, len(k.cores))}
	for _, c := range k.cores {
		c.rq.mu.Lock()
		rt, normal, idle := c.rq.depths()
		var running uint32
		if c.current != nil {
			running = uint32(c.current.id)
		}
		c.rq.mu.Unlock()
		out.Cores = append(out.Cores, CoreStats{
			Core:            c.id,
			Ticks:           c.ticks.Load(),
			ContextSwitches: c.switches.Load(),
			Preemptions:     c.preemptions.Load(),
			Migrations:      c.migrations.Load(),
			Running:         running,
			RealTimeDepth:   rt,
			NormalDepth:     normal,
			IdleDepth:       idle,
		})
	}
	return out
}
