package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownThread(t *testing.T) {
	k := newTestKernel(t, Params{})
	k.Boot()

	resp := k.Dispatch(999, Request{Op: OpYield})
	assert.ErrorIs(t, resp.Err, ErrProcessTerminated)
	assert.Equal(t, StatusProcessTerminated, resp.Status)
}

func TestDispatchUnknownOp(t *testing.T) {
	k := newTestKernel(t, Params{})
	_, th := bootPair(t, k)

	resp := k.Dispatch(th.ID(), Request{Op: 0})
	assert.ErrorIs(t, resp.Err, ErrCapabilityInvalid)
}

func TestDispatchRejectsDeadProcess(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot := k.Boot()
	child, err := k.Spawn(boot)
	require.NoError(t, err)
	th, err := k.AddThread(child, ClassNormal, 0, 0)
	require.NoError(t, err)

	require.NoError(t, k.Terminate(child.ID()))
	resp := k.Dispatch(th.ID(), Request{Op: OpEndpointCreate, Mode: Rendezvous})
	assert.ErrorIs(t, resp.Err, ErrProcessTerminated)
}

func TestExitLastThreadOutTakesProcess(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot := k.Boot()
	child, err := k.Spawn(boot)
	require.NoError(t, err)
	t1, err := k.AddThread(child, ClassNormal, 0, 0)
	require.NoError(t, err)
	t2, err := k.AddThread(child, ClassNormal, 0, 0)
	require.NoError(t, err)

	require.NoError(t, k.Dispatch(t1.ID(), Request{Op: OpExit}).Err)
	assert.Equal(t, ThreadTerminated, t1.State())
	assert.False(t, child.isTerminated(), "a live thread remains")

	require.NoError(t, k.Dispatch(t2.ID(), Request{Op: OpExit}).Err)
	assert.True(t, child.isTerminated())
}

func TestEndpointCreateValidatesMode(t *testing.T) {
	k := newTestKernel(t, Params{})
	_, th := bootPair(t, k)

	resp := k.Dispatch(th.ID(), Request{Op: OpEndpointCreate, Mode: 0})
	assert.Error(t, resp.Err)

	resp = k.Dispatch(th.ID(), Request{Op: OpEndpointCreate, Mode: Mailbox})
	require.NoError(t, resp.Err)
	assert.NotZero(t, resp.Slot)
}

func TestStatusTracksError(t *testing.T) {
	k := newTestKernel(t, Params{})
	_, th := bootPair(t, k)
	slot := makeEndpoint(t, k, th, Rendezvous, 0)

	resp := k.Dispatch(th.ID(), Request{
		Op:       OpSend,
		Slot:     slot,
		Deadline: Deadline{Kind: DeadlineImmediate},
	})
	assert.Equal(t, StatusWouldBlock, resp.Status)

	resp = k.Dispatch(th.ID(), Request{Op: OpSend, Slot: 4096})
	assert.Equal(t, StatusCapabilityInvalid, resp.Status)
}

// TestSupervisedService walks the whole surface at once: a supervisor
// wires a client to a server over a badged capability, the client calls,
// the server answers, and the supervisor finally cuts the client off by
// revoking at the root.
func TestSupervisedService(t *testing.T) {
	k := newTestKernel(t, Params{})
	sup, supTh := bootPair(t, k)

	server, err := k.Spawn(sup)
	require.NoError(t, err)
	serverTh, err := k.AddThread(server, ClassNormal, 0, 0)
	require.NoError(t, err)

	client, err := k.Spawn(sup)
	require.NoError(t, err)
	clientTh, err := k.AddThread(client, ClassNormal, 0, 0)
	require.NoError(t, err)

	// Service endpoint: server receives, client holds a badged send-only
	// capability so the server can attribute requests.
	svc := makeEndpoint(t, k, supTh, Mailbox, 4)
	recvSlot, err := k.GrantCap(sup, svc, server, RightReceive, 0)
	require.NoError(t, err)
	sendSlot, err := k.GrantCap(sup, svc, client, RightSend, 1234)
	require.NoError(t, err)

	// Client calls; the request queues in the mailbox.
	require.True(t, k.Dispatch(clientTh.ID(), Request{
		Op:   OpCall,
		Slot: sendSlot,
		Data: []byte("get config"),
	}).Parked)

	got := k.Dispatch(serverTh.ID(), Request{Op: OpReceive, Slot: recvSlot, Deadline: Deadline{Kind: DeadlineImmediate}})
	require.NoError(t, got.Err)
	assert.Equal(t, []byte("get config"), got.Delivery.Data)
	assert.Equal(t, uint64(1234), got.Delivery.Badge)
	require.NotZero(t, got.Delivery.ReplySlot)

	require.NoError(t, k.Dispatch(serverTh.ID(), Request{
		Op:   OpReply,
		Slot: got.Delivery.ReplySlot,
		Data: []byte("config v2"),
	}).Err)

	result := k.TakeResult(clientTh.ID())
	require.NoError(t, result.Err)
	assert.Equal(t, []byte("config v2"), result.Delivery.Data)

	// Supervisor pulls the plug on the whole service.
	require.NoError(t, k.Dispatch(supTh.ID(), Request{Op: OpRevoke, Slot: svc}).Err)

	resp := k.Dispatch(clientTh.ID(), Request{
		Op:       OpSend,
		Slot:     sendSlot,
		Deadline: Deadline{Kind: DeadlineImmediate},
	})
	assert.ErrorIs(t, resp.Err, ErrRevoked)
	resp = k.Dispatch(serverTh.ID(), Request{Op: OpReceive, Slot: recvSlot, Deadline: Deadline{Kind: DeadlineImmediate}})
	assert.ErrorIs(t, resp.Err, ErrRevoked)
}

// TestMovedDerivedCapRevokedWithAncestor walks the delegation chain across
// a Move transfer: a Send-only capability derived from a Send+Grant parent
// moves to another process inside a call, works there, cannot grow rights
// back, and dies when the parent is revoked — while the root survives.
func TestMovedDerivedCapRevokedWithAncestor(t *testing.T) {
	k := newTestKernel(t, Params{})
	sup, supTh := bootPair(t, k)

	worker, err := k.Spawn(sup)
	require.NoError(t, err)
	workerTh, err := k.AddThread(worker, ClassNormal, 0, 0)
	require.NoError(t, err)

	// The target endpoint, a Send+Grant original, and a Send-only child.
	target := makeEndpoint(t, k, supTh, Mailbox, 4)
	orig := k.Dispatch(supTh.ID(), Request{Op: OpDerive, Slot: target, Rights: RightSend | RightGrant})
	require.NoError(t, orig.Err)
	narrowed := k.Dispatch(supTh.ID(), Request{Op: OpDerive, Slot: orig.Slot, Rights: RightSend})
	require.NoError(t, narrowed.Err)

	// Hand the narrowed capability over by moving it inside a call.
	link := makeEndpoint(t, k, supTh, Mailbox, 1)
	linkRecv, err := k.GrantCap(sup, link, worker, RightReceive, 0)
	require.NoError(t, err)
	require.True(t, k.Dispatch(supTh.ID(), Request{
		Op:        OpCall,
		Slot:      link,
		Transfers: []CapTransfer{{Slot: narrowed.Slot, Mode: TransferMove}},
	}).Parked)

	got := k.Dispatch(workerTh.ID(), Request{Op: OpReceive, Slot: linkRecv, Deadline: Deadline{Kind: DeadlineImmediate}})
	require.NoError(t, got.Err)
	require.Len(t, got.Delivery.Caps, 1)
	moved := got.Delivery.Caps[0]
	require.NotZero(t, moved)
	require.NoError(t, k.Dispatch(workerTh.ID(), Request{Op: OpReply, Slot: got.Delivery.ReplySlot}).Err)
	require.NoError(t, k.TakeResult(supTh.ID()).Err)

	// The moved capability sends fine but cannot win a Grant right back.
	require.NoError(t, k.Dispatch(workerTh.ID(), Request{Op: OpSend, Slot: moved, Data: []byte("ok")}).Err)
	resp := k.Dispatch(workerTh.ID(), Request{Op: OpDerive, Slot: moved, Rights: RightSend | RightGrant})
	assert.ErrorIs(t, resp.Err, ErrPermissionDenied)

	// Revoking the original kills the moved capability with it.
	require.NoError(t, k.Dispatch(supTh.ID(), Request{Op: OpRevoke, Slot: orig.Slot}).Err)
	resp = k.Dispatch(workerTh.ID(), Request{
		Op:       OpSend,
		Slot:     moved,
		Deadline: Deadline{Kind: DeadlineImmediate},
	})
	assert.ErrorIs(t, resp.Err, ErrRevoked)

	// The root capability is untouched.
	require.NoError(t, k.Dispatch(supTh.ID(), Request{Op: OpSend, Slot: target, Data: []byte("still live")}).Err)
}
