package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainDoorbell clears pending reschedule notifications so a test can
// assert on the next ring in isolation.
func drainDoorbell(k *Kernel, core uint32) {
	for k.NeedsResched(core) {
	}
}

func TestRunQueueClassOrder(t *testing.T) {
	var rq runQueue
	idle := &Thread{id: 1, class: ClassIdle}
	normal := &Thread{id: 2, class: ClassNormal}
	rt := &Thread{id: 3, class: ClassRealTime, rtPriority: 1}

	rq.mu.Lock()
	rq.enqueue(idle)
	rq.enqueue(normal)
	rq.enqueue(rt)

	assert.Same(t, rt, rq.pickNext(0))
	assert.Same(t, normal, rq.pickNext(0))
	assert.Same(t, idle, rq.pickNext(0))
	assert.Nil(t, rq.pickNext(0))
	rq.mu.Unlock()
}

func TestRunQueueRTPriorityOrder(t *testing.T) {
	var rq runQueue
	low1 := &Thread{id: 1, class: ClassRealTime, rtPriority: 5}
	high := &Thread{id: 2, class: ClassRealTime, rtPriority: 9}
	low2 := &Thread{id: 3, class: ClassRealTime, rtPriority: 5}

	rq.mu.Lock()
	rq.enqueue(low1)
	rq.enqueue(high)
	rq.enqueue(low2)

	assert.Same(t, high, rq.pickNext(0), "highest rtPriority first")
	assert.Same(t, low1, rq.pickNext(0), "FIFO among equal priorities")
	assert.Same(t, low2, rq.pickNext(0))
	rq.mu.Unlock()
}

func TestRunQueueAgingPromotesStarved(t *testing.T) {
	var rq runQueue
	fresh := &Thread{id: 1, class: ClassNormal}
	starved := &Thread{id: 2, class: ClassNormal}

	rq.mu.Lock()
	rq.round = 100
	rq.enqueue(fresh)
	rq.enqueue(starved)
	// starved has waited past the aging threshold; fresh has not.
	fresh.enqueueRound = 100
	starved.enqueueRound = 90

	assert.Same(t, starved, rq.pickNext(8), "starved thread jumps the round robin")
	assert.Same(t, fresh, rq.pickNext(8))
	rq.mu.Unlock()
}

func TestRunQueueAgingDisabledKeepsFIFO(t *testing.T) {
	var rq runQueue
	first := &Thread{id: 1, class: ClassNormal}
	second := &Thread{id: 2, class: ClassNormal}

	rq.mu.Lock()
	rq.round = 100
	rq.enqueue(first)
	rq.enqueue(second)
	second.enqueueRound = 0 // ancient, but aging is off

	assert.Same(t, first, rq.pickNext(0))
	assert.Same(t, second, rq.pickNext(0))
	rq.mu.Unlock()
}

func TestScheduleRunsHighestClass(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	boot := k.Boot()

	_, err := k.AddThread(boot, ClassIdle, 0, 0)
	require.NoError(t, err)
	normal, err := k.AddThread(boot, ClassNormal, 0, 0)
	require.NoError(t, err)
	rt, err := k.AddThread(boot, ClassRealTime, 3, 0)
	require.NoError(t, err)

	got := k.Schedule(0)
	require.Same(t, rt, got)
	assert.Equal(t, ThreadRunning, rt.State())
	assert.Equal(t, rt.ID(), k.CurrentThread(0))
	assert.Equal(t, ThreadReady, normal.State())
}

func TestScheduleIdlesWhenEmpty(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	k.Boot()

	assert.Nil(t, k.Schedule(0))
	assert.Equal(t, ThreadID(0), k.CurrentThread(0))
}

func TestRealTimeWakeupPreempts(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	boot := k.Boot()

	normal, err := k.AddThread(boot, ClassNormal, 0, 0)
	require.NoError(t, err)
	require.Same(t, normal, k.Schedule(0))
	drainDoorbell(k, 0)

	rt, err := k.AddThread(boot, ClassRealTime, 7, 0)
	require.NoError(t, err)
	assert.True(t, k.NeedsResched(0), "RealTime arrival rings the doorbell")

	require.Same(t, rt, k.Schedule(0))
	assert.Equal(t, ThreadReady, normal.State(), "preempted, not lost")
}

func TestEqualRTPriorityDoesNotPreempt(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	boot := k.Boot()

	running, err := k.AddThread(boot, ClassRealTime, 5, 0)
	require.NoError(t, err)
	require.Same(t, running, k.Schedule(0))
	drainDoorbell(k, 0)

	_, err = k.AddThread(boot, ClassRealTime, 5, 0)
	require.NoError(t, err)
	assert.False(t, k.NeedsResched(0), "equal priority waits its turn")

	_, err = k.AddThread(boot, ClassRealTime, 6, 0)
	require.NoError(t, err)
	assert.True(t, k.NeedsResched(0), "strictly higher priority preempts")
}

func TestIdleCoreStealsNormalWork(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 2})
	boot := k.Boot()

	a, err := k.AddThread(boot, ClassNormal, 0, 0)
	require.NoError(t, err)
	b, err := k.AddThread(boot, ClassNormal, 0, 0)
	require.NoError(t, err)

	require.Same(t, a, k.Schedule(0))

	stolen := k.Schedule(1)
	require.Same(t, b, stolen)
	assert.Equal(t, uint32(1), stolen.Home(), "migration rehomes the thread")

	stats := k.Stats()
	assert.Equal(t, uint64(1), stats.Cores[1].Migrations)
}

func TestRealTimeNeverMigrates(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 2})
	boot := k.Boot()

	rt, err := k.AddThread(boot, ClassRealTime, 5, 0)
	require.NoError(t, err)

	assert.Nil(t, k.Schedule(1), "queued RealTime work stays on its home core")
	assert.Equal(t, uint32(0), rt.Home())
	assert.Equal(t, ThreadReady, rt.State())
}

func TestYieldSurrendersSlice(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	_, th := bootPair(t, k)
	require.Same(t, th, k.Schedule(0))
	drainDoorbell(k, 0)

	resp := k.Dispatch(th.ID(), Request{Op: OpYield})
	require.NoError(t, resp.Err)
	assert.True(t, k.NeedsResched(0))
}

func TestSliceExhaustionRingsDoorbell(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1, NormalSliceTicks: 2})
	_, th := bootPair(t, k)
	require.Same(t, th, k.Schedule(0))
	drainDoorbell(k, 0)

	k.OnTick(0)
	assert.False(t, k.NeedsResched(0), "slice not yet exhausted")
	k.OnTick(0)
	assert.True(t, k.NeedsResched(0))
}

func TestBlockedThreadLeavesCore(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	_, th := bootPair(t, k)
	slot := makeEndpoint(t, k, th, Rendezvous, 0)

	require.Same(t, th, k.Schedule(0))
	require.True(t, k.Dispatch(th.ID(), Request{Op: OpReceive, Slot: slot}).Parked)

	assert.Nil(t, k.Schedule(0), "blocked thread is not requeued")

	// Delivery readies it again.
	resp := k.Dispatch(th.ID(), Request{Op: OpSend, Slot: slot, Data: []byte("self")})
	require.NoError(t, resp.Err)
	assert.Same(t, th, k.Schedule(0))
}

func TestTerminatedThreadDropsFromQueue(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	boot := k.Boot()
	child, err := k.Spawn(boot)
	require.NoError(t, err)
	th, err := k.AddThread(child, ClassNormal, 0, 0)
	require.NoError(t, err)

	require.NoError(t, k.Terminate(child.ID()))
	assert.Equal(t, ThreadTerminated, th.State())
	assert.Nil(t, k.Schedule(0))
}
