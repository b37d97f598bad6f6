package kernel

import "sync"

// runQueue is one core's ready set, partitioned by priority class.
// RealTime beats Normal beats Idle, always. Within RealTime selection is
// strict rtPriority order, FIFO among equals. Within Normal it is round
// robin with aging: a thread skipped for agingRounds scheduling rounds is
// promoted past younger Normal threads for its next selection only, which
// bounds worst-case wait at agingRounds x queue length.
type runQueue struct {
	mu    sync.Mutex
	round uint64

	rt     []*Thread
	normal []*Thread
	idle   []*Thread
}

// enqueue inserts t into its class queue. Caller holds rq.mu. The queued
// flag is flipped under the same lock, which is what guarantees a thread
// is visible to at most one core at a time.
func (rq *runQueue) enqueue(t *Thread) {
	if t.queued {
		panic("kernel: thread enqueued twice")
	}
	t.queued = true
	t.enqueueRound = rq.round
	switch t.class {
	case ClassRealTime:
		// Insert before the first lower-priority entry; FIFO among equals.
		pos := len(rq.rt)
		for i, other := range rq.rt {
			if other.rtPriority < t.rtPriority {
				pos = i
				break
			}
		}
		rq.rt = append(rq.rt, nil)
		copy(rq.rt[pos+1:], rq.rt[pos:])
		rq.rt[pos] = t
	case ClassNormal:
		rq.normal = append(rq.normal, t)
	case ClassIdle:
		rq.idle = append(rq.idle, t)
	default:
		panic("kernel: thread with unknown priority class")
	}
}

// pickNext removes and returns the next thread, or nil. Caller holds rq.mu.
func (rq *runQueue) pickNext(agingRounds uint64) *Thread {
	rq.round++

	if len(rq.rt) > 0 {
		t := rq.rt[0]
		rq.rt = rq.rt[1:]
		t.queued = false
		return t
	}

	if len(rq.normal) > 0 {
		pick := 0
		if agingRounds > 0 {
			// The oldest starved thread jumps the queue for this one
			// selection; its counter resets on requeue.
			oldest := -1
			for i, t := range rq.normal {
				if rq.round-t.enqueueRound < agingRounds {
					continue
				}
				if oldest == -1 || t.enqueueRound < rq.normal[oldest].enqueueRound {
					oldest = i
				}
			}
			if oldest >= 0 {
				pick = oldest
			}
		}
		t := rq.normal[pick]
		rq.normal = append(rq.normal[:pick], rq.normal[pick+1:]...)
		t.queued = false
		return t
	}

	if len(rq.idle) > 0 {
		t := rq.idle[0]
		rq.idle = rq.idle[1:]
		t.queued = false
		return t
	}
	return nil
}

// peekClass reports the strongest class present, or 0. Caller holds rq.mu.
func (rq *runQueue) peekClass() PriorityClass {
	switch {
	case len(rq.rt) > 0:
		return ClassRealTime
	case len(rq.normal) > 0:
		return ClassNormal
	case len(rq.idle) > 0:
		return ClassIdle
	default:
		return 0
	}
}

// peekRT returns the best queued RealTime priority. Caller holds rq.mu.
func (rq *runQueue) peekRT() (int, bool) {
	if len(rq.rt) == 0 {
		return 0, false
	}
	return rq.rt[0].rtPriority, true
}

// stealMigratable removes one Normal or Idle thread for migration to an
// empty core. RealTime threads never migrate, to avoid jitter. Caller
// holds rq.mu.
func (rq *runQueue) stealMigratable() *Thread {
	if len(rq.normal) > 0 {
		t := rq.normal[len(rq.normal)-1]
		rq.normal = rq.normal[:len(rq.normal)-1]
		t.queued = false
		return t
	}
	if len(rq.idle) > 0 {
		t := rq.idle[len(rq.idle)-1]
		rq.idle = rq.idle[:len(rq.idle)-1]
		t.queued = false
		return t
	}
	return nil
}

// remove unlinks t wherever it is queued. Caller holds rq.mu.
func (rq *runQueue) remove(t *Thread) bool {
	if !t.queued {
		return false
	}
	for _, q := range []*[]*Thread{&rq.rt, &rq.normal, &rq.idle} {
		for i, other := range *q {
			if other == t {
				*q = append((*q)[:i], (*q)[i+1:]...)
				t.queued = false
				return true
			}
		}
	}
	return false
}

// depths reports per-class queue lengths. Caller holds rq.mu.
func (rq *runQueue) depths() (rt, normal, idle int) {
	return len(rq.rt), len(rq.normal), len(rq.idle)
}

// empty reports whether nothing is queued. Caller holds rq.mu.
func (rq *runQueue) empty() bool {
	return len(rq.rt) == 0 && len(rq.normal) == 0 && len(rq.idle) == 0
}
