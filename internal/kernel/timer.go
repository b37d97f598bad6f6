package kernel

import (
	"container/heap"
	"sync"
)

// timerQueue is a core's pending-deadline min-heap. It has its own lock,
// never nested with run-queue or endpoint locks: arming and expiry each
// take it alone and do their waking afterwards.
type timerQueue struct {
	mu      sync.Mutex
	entries timerHeap
}

type timerEntry struct {
	tick   uint64
	thread *Thread
	token  uint64 // wait status word at arming time
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].tick < h[j].tick }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// armDeadline registers t for expiry at the absolute tick on its home
// core's timer. Expired entries are resolved lazily through the wait
// arbitration, so no disarm is ever needed: the captured token pins the
// wait generation, and an entry whose wait already resolved (or re-armed)
// is a no-op at expiry.
func (k *Kernel) armDeadline(t *Thread, tick uint64) {
	t.wait.deadline = tick
	t.wait.hasDeadline = true
	token := t.wait.status.Load()
	tq := &k.cores[t.home].timer
	tq.mu.Lock()
	heap.Push(&tq.entries, timerEntry{tick: tick, thread: t, token: token})
	tq.mu.Unlock()
}

// Now reports a core's tick counter.
func (k *Kernel) Now(coreID uint32) uint64 {
	return k.cores[coreID].ticks.Load()
}

// OnTick is the periodic timer entry point for one core: advance the
// timebase, expire deadlines, and account the running thread's time slice.
func (k *Kernel) OnTick(coreID uint32) {
	c := k.cores[coreID]
	now := c.ticks.Add(1)

	var expired []timerEntry
	c.timer.mu.Lock()
	for c.timer.entries.Len() > 0 && c.timer.entries[0].tick <= now {
		expired = append(expired, heap.Pop(&c.timer.entries).(timerEntry))
	}
	c.timer.mu.Unlock()

	for _, e := range expired {
		k.expireWait(e.thread, e.token)
	}

	c.rq.mu.Lock()
	cur := c.current
	resched := false
	if cur != nil && cur.slice > 0 {
		cur.slice--
		if cur.slice == 0 {
			resched = true
		}
	}
	c.rq.mu.Unlock()
	if resched {
		c.kick()
	}
}

// expireWait resolves a blocked operation as timed out, unless delivery
// already won the race. The token is the wait generation the deadline was
// armed for; anything later belongs to a different wait and is left alone.
func (k *Kernel) expireWait(t *Thread, token uint64) {
	if token&waitStateMask != waitArmed || t.wait.status.Load() != token {
		return
	}
	switch t.wait.reason {
	case BlockReceive:
		if !t.tryResolveWaitAt(token) {
			return
		}
		epRef := t.wait.ep
		k.recordTimeout()
		k.readyThread(t, errResponse(ErrTimeout))
		k.releaseObject(epRef)

	case BlockSend:
		env := t.wait.env
		if env == nil || !env.tryClaim() {
			return
		}
		t.resolveWait()
		k.unstageEnvelope(env)
		k.recordTimeout()
		k.readyThread(t, errResponse(ErrTimeout))
		if !env.epRef.IsZero() {
			k.releaseObject(env.epRef)
		}

	case BlockCall:
		// Reply-phase arbitration first; if that is won, also cancel the
		// send phase when the envelope has not been delivered yet.
		if !t.tryResolveWaitAt(token) {
			return
		}
		env := t.wait.env
		if env != nil && env.tryClaim() {
			k.unstageEnvelope(env)
			if !env.reply.IsZero() {
				k.dropStaged(env.replyStaged)
				env.reply = ObjectRef{}
			}
			if !env.epRef.IsZero() {
				k.releaseObject(env.epRef)
				env.epRef = ObjectRef{}
			}
		}
		k.killReplyEndpoint(t.wait.ep)
		k.recordTimeout()
		k.readyThread(t, errResponse(ErrTimeout))
	}
}

func (k *Kernel) recordTimeout() {
	if k.metrics != nil {
		k.metrics.RecordTimeout()
	}
}
