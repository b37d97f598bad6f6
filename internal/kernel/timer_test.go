package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(k *Kernel, core uint32, n int) {
	for i := 0; i < n; i++ {
		k.OnTick(core)
	}
}

func TestReceiveTimesOut(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	_, th := bootPair(t, k)
	slot := makeEndpoint(t, k, th, Rendezvous, 0)

	parked := k.Dispatch(th.ID(), Request{
		Op:       OpReceive,
		Slot:     slot,
		Deadline: Deadline{Kind: DeadlineAbsolute, Tick: 3},
	})
	require.True(t, parked.Parked)

	tick(k, 0, 2)
	assert.Equal(t, ThreadBlocked, th.State(), "deadline not reached yet")

	tick(k, 0, 1)
	got := k.TakeResult(th.ID())
	assert.ErrorIs(t, got.Err, ErrTimeout)
	assert.Equal(t, ThreadReady, th.State())
}

func TestDeliveryBeatsTimeout(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	bootTh, childTh, bootSlot, childSlot := twoProcs(t, k, Rendezvous, 0, RightReceive)

	parked := k.Dispatch(childTh.ID(), Request{
		Op:       OpReceive,
		Slot:     childSlot,
		Deadline: Deadline{Kind: DeadlineAbsolute, Tick: 5},
	})
	require.True(t, parked.Parked)

	require.NoError(t, k.Dispatch(bootTh.ID(), Request{Op: OpSend, Slot: bootSlot, Data: []byte("in time")}).Err)
	got := k.TakeResult(childTh.ID())
	require.NoError(t, got.Err)
	assert.Equal(t, []byte("in time"), got.Delivery.Data)

	// The stale timer entry expires as a no-op.
	tick(k, 0, 6)
	assert.Equal(t, []byte("in time"), k.TakeResult(childTh.ID()).Delivery.Data)
}

func TestTimeoutBeatsDelivery(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	bootTh, childTh, bootSlot, childSlot := twoProcs(t, k, Rendezvous, 0, RightReceive)

	parked := k.Dispatch(childTh.ID(), Request{
		Op:       OpReceive,
		Slot:     childSlot,
		Deadline: Deadline{Kind: DeadlineAbsolute, Tick: 1},
	})
	require.True(t, parked.Parked)
	tick(k, 0, 1)
	assert.ErrorIs(t, k.TakeResult(childTh.ID()).Err, ErrTimeout)

	// The stale queue entry must not absorb a later send.
	resp := k.Dispatch(bootTh.ID(), Request{
		Op:       OpSend,
		Slot:     bootSlot,
		Data:     []byte("too late"),
		Deadline: Deadline{Kind: DeadlineImmediate},
	})
	assert.ErrorIs(t, resp.Err, ErrWouldBlock)
}

func TestSendTimeoutReturnsMovedCaps(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	boot, th := bootPair(t, k)
	full := makeEndpoint(t, k, th, Mailbox, 1)
	require.NoError(t, k.Dispatch(th.ID(), Request{Op: OpSend, Slot: full, Data: []byte("fill")}).Err)

	payload := makeEndpoint(t, k, th, Rendezvous, 0)
	capsBefore := len(boot.Caps().Snapshot())
	objsBefore := k.ObjectCount()

	parked := k.Dispatch(th.ID(), Request{
		Op:        OpSend,
		Slot:      full,
		Transfers: []CapTransfer{{Slot: payload, Mode: TransferMove}},
		Deadline:  Deadline{Kind: DeadlineAbsolute, Tick: 2},
	})
	require.True(t, parked.Parked)

	tick(k, 0, 2)
	got := k.TakeResult(th.ID())
	assert.ErrorIs(t, got.Err, ErrTimeout)

	// The moved capability came back; nothing leaked or died.
	assert.Equal(t, capsBefore, len(boot.Caps().Snapshot()))
	assert.Equal(t, objsBefore, k.ObjectCount())
}

func TestCallTimeoutBeforeDelivery(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	bootTh, childTh, bootSlot, childSlot := twoProcs(t, k, Rendezvous, 0, RightReceive)

	objsBefore := k.ObjectCount()
	parked := k.Dispatch(bootTh.ID(), Request{
		Op:       OpCall,
		Slot:     bootSlot,
		Data:     []byte("anyone?"),
		Deadline: Deadline{Kind: DeadlineAbsolute, Tick: 2},
	})
	require.True(t, parked.Parked)

	tick(k, 0, 2)
	got := k.TakeResult(bootTh.ID())
	assert.ErrorIs(t, got.Err, ErrTimeout)

	// The abandoned envelope is dead: a receiver finds nothing, and the
	// reply endpoint died with it.
	resp := k.Dispatch(childTh.ID(), Request{Op: OpReceive, Slot: childSlot, Deadline: Deadline{Kind: DeadlineImmediate}})
	assert.ErrorIs(t, resp.Err, ErrWouldBlock)
	assert.Equal(t, objsBefore, k.ObjectCount())
}

func TestReplyAfterCallerTimeout(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 1})
	bootTh, childTh, bootSlot, childSlot := twoProcs(t, k, Rendezvous, 0, RightReceive)

	parked := k.Dispatch(childTh.ID(), Request{Op: OpReceive, Slot: childSlot})
	require.True(t, parked.Parked)
	require.True(t, k.Dispatch(bootTh.ID(), Request{
		Op:       OpCall,
		Slot:     bootSlot,
		Data:     []byte("slow service"),
		Deadline: Deadline{Kind: DeadlineAbsolute, Tick: 2},
	}).Parked)

	got := k.TakeResult(childTh.ID())
	require.NoError(t, got.Err)
	replySlot := got.Delivery.ReplySlot
	require.NotZero(t, replySlot)

	tick(k, 0, 2)
	assert.ErrorIs(t, k.TakeResult(bootTh.ID()).Err, ErrTimeout)

	// The late reply fails but still burns the reply capability.
	resp := k.Dispatch(childTh.ID(), Request{Op: OpReply, Slot: replySlot, Data: []byte("done")})
	assert.ErrorIs(t, resp.Err, ErrEndpointClosed)
	resp = k.Dispatch(childTh.ID(), Request{Op: OpReply, Slot: replySlot})
	assert.ErrorIs(t, resp.Err, ErrCapabilityInvalid)
}

func TestTickAdvancesClock(t *testing.T) {
	k := newTestKernel(t, Params{Cores: 2})
	assert.Equal(t, uint64(0), k.Now(0))
	tick(k, 0, 3)
	assert.Equal(t, uint64(3), k.Now(0))
	assert.Equal(t, uint64(0), k.Now(1), "timebases are per core")
}
