package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
)

func newTestKernel(t *testing.T, params Params) *Kernel {
	t.Helper()
	return New(params, logging.NewNop(), nil, nil, nil)
}

// bootPair boots the kernel and returns the init process with one thread.
func bootPair(t *testing.T, k *Kernel) (*Process, *Thread) {
	t.Helper()
	p := k.Boot()
	th, err := k.AddThread(p, ClassNormal, 0, 0)
	require.NoError(t, err)
	return p, th
}

// makeEndpoint creates an endpoint through the syscall surface and returns
// the creator's slot.
func makeEndpoint(t *testing.T, k *Kernel, th *Thread, mode EndpointMode, capacity int) uint32 {
	t.Helper()
	resp := k.Dispatch(th.ID(), Request{Op: OpEndpointCreate, Mode: mode, Capacity: capacity})
	require.NoError(t, resp.Err)
	require.NotZero(t, resp.Slot)
	return resp.Slot
}

func TestBootCreatesPrivilegedInit(t *testing.T) {
	k := newTestKernel(t, Params{})
	p := k.Boot()

	assert.True(t, p.privileged)
	assert.Empty(t, p.Caps().Snapshot(), "init starts with zero ambient authority")
	assert.NotEmpty(t, p.UID())
	assert.NotEmpty(t, k.BootID())
}

func TestSpawnChildUnprivileged(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot := k.Boot()

	child, err := k.Spawn(boot)
	require.NoError(t, err)
	assert.False(t, child.privileged)
	assert.Equal(t, boot.ID(), child.parent)
	assert.Empty(t, child.Caps().Snapshot())
}

func TestTerminateIsFinal(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, th := bootPair(t, k)
	child, err := k.Spawn(boot)
	require.NoError(t, err)

	require.NoError(t, k.Terminate(child.ID()))
	assert.ErrorIs(t, k.Terminate(child.ID()), ErrProcessTerminated)

	_, err = k.Spawn(child)
	assert.ErrorIs(t, err, ErrProcessTerminated)

	// The surviving process keeps working.
	makeEndpoint(t, k, th, Rendezvous, 0)
}

func TestEndpointDiesWithLastCapability(t *testing.T) {
	k := newTestKernel(t, Params{})
	_, th := bootPair(t, k)
	slot := makeEndpoint(t, k, th, Mailbox, 4)

	before := k.ObjectCount()
	resp := k.Dispatch(th.ID(), Request{Op: OpDelete, Slot: slot})
	require.NoError(t, resp.Err)
	assert.Equal(t, before-1, k.ObjectCount(), "dropping the only capability destroys the object")
}

func TestObjectSurvivesWhileSecondCapExists(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, th := bootPair(t, k)
	slot := makeEndpoint(t, k, th, Rendezvous, 0)

	child, err := k.Spawn(boot)
	require.NoError(t, err)
	childSlot, err := k.GrantCap(boot, slot, child, RightSend, 0)
	require.NoError(t, err)
	require.NotZero(t, childSlot)

	before := k.ObjectCount()
	resp := k.Dispatch(th.ID(), Request{Op: OpDelete, Slot: slot})
	require.NoError(t, resp.Err)
	assert.Equal(t, before, k.ObjectCount(), "child's capability keeps the endpoint alive")
}

func TestRegionGrantMapsIntoReceiver(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, th := bootPair(t, k)
	child, err := k.Spawn(boot)
	require.NoError(t, err)
	childThread, err := k.AddThread(child, ClassNormal, 0, 0)
	require.NoError(t, err)

	epSlot := makeEndpoint(t, k, th, Rendezvous, 0)
	recvSlot, err := k.GrantCap(boot, epSlot, child, RightReceive, 0)
	require.NoError(t, err)

	regionSlot, err := k.CreateRegion(boot, 8192)
	require.NoError(t, err)

	parked := k.Dispatch(childThread.ID(), Request{Op: OpReceive, Slot: recvSlot})
	require.True(t, parked.Parked)

	resp := k.Dispatch(th.ID(), Request{
		Op:   OpSend,
		Slot: epSlot,
		Data: []byte("blob follows"),
		Region: &RegionGrant{
			Slot:   regionSlot,
			Rights: RightRead | RightWrite,
		},
	})
	require.NoError(t, resp.Err)

	got := k.TakeResult(childThread.ID())
	require.NoError(t, got.Err)
	require.NotNil(t, got.Delivery)
	require.NotNil(t, got.Delivery.Region)
	assert.NotZero(t, got.Delivery.Region.Slot)
	assert.Equal(t, uint64(8192), got.Delivery.Region.Range.Size)

	// Grants duplicate: the sender's region capability survives.
	resp = k.Dispatch(th.ID(), Request{Op: OpDerive, Slot: regionSlot, Rights: RightRead})
	assert.NoError(t, resp.Err)
}

func TestMapRegionIntoOwnSpace(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, th := bootPair(t, k)

	regionSlot, err := k.CreateRegion(boot, 4096)
	require.NoError(t, err)

	resp := k.Dispatch(th.ID(), Request{Op: OpMapRegion, Slot: regionSlot, Rights: RightRead | RightWrite})
	require.NoError(t, resp.Err)
	assert.Equal(t, uint64(4096), resp.Range.Size)
	assert.NotZero(t, resp.Range.Base)

	// A read-only capability cannot buy a writable mapping.
	narrowed := k.Dispatch(th.ID(), Request{Op: OpDerive, Slot: regionSlot, Rights: RightRead})
	require.NoError(t, narrowed.Err)
	resp = k.Dispatch(th.ID(), Request{Op: OpMapRegion, Slot: narrowed.Slot, Rights: RightRead | RightWrite})
	assert.ErrorIs(t, resp.Err, ErrPermissionDenied)

	// Only region capabilities map.
	epSlot := makeEndpoint(t, k, th, Rendezvous, 0)
	resp = k.Dispatch(th.ID(), Request{Op: OpMapRegion, Slot: epSlot})
	assert.ErrorIs(t, resp.Err, ErrCapabilityInvalid)
}

func TestIRQDeliversToBoundEndpoint(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, th := bootPair(t, k)

	devSlot, err := k.RegisterDevice(boot, "nic", 42)
	require.NoError(t, err)
	epSlot := makeEndpoint(t, k, th, Rendezvous, 0)
	require.NoError(t, k.BindIRQ(boot, devSlot, epSlot))

	parked := k.Dispatch(th.ID(), Request{Op: OpReceive, Slot: epSlot})
	require.True(t, parked.Parked)

	k.OnIRQ(42)

	got := k.TakeResult(th.ID())
	require.NoError(t, got.Err)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, []byte{42, 0, 0, 0}, got.Delivery.Data)
}

func TestIRQUnboundVectorDrops(t *testing.T) {
	k := newTestKernel(t, Params{})
	bootPair(t, k)
	// No device for vector 7; must not panic or block.
	k.OnIRQ(7)
}

func TestDuplicateVectorRejected(t *testing.T) {
	k := newTestKernel(t, Params{})
	boot, _ := bootPair(t, k)

	_, err := k.RegisterDevice(boot, "a", 3)
	require.NoError(t, err)
	_, err = k.RegisterDevice(boot, "b", 3)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
