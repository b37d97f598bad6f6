package kernel

import (
	"sync"
	"sync/atomic"
)

// PageSize is the mapping granularity the default manager rounds to.
const PageSize = 4096

// PhysRange names a physical span backing a memory region.
type PhysRange struct {
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// VirtualRange is a span mapped into one address space.
type VirtualRange struct {
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// IsZero reports an absent mapping.
func (vr VirtualRange) IsZero() bool { return vr.Size == 0 }

// MemoryRegion is a kernel object naming backing memory. Regions carry no
// mapping state themselves; mappings belong to address spaces.
type MemoryRegion struct {
	Phys PhysRange
}

// Device is a kernel object binding an interrupt vector to a delivery
// endpoint. Holding a device capability is what authorizes receiving that
// vector's interrupts.
type Device struct {
	Name   string
	Vector uint32

	mu       sync.Mutex
	endpoint ObjectRef
}

func (d *Device) bound() ObjectRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoint
}

// MemoryManager is the collaborator contract for mapping mechanics. The
// kernel decides what may be mapped where with which rights; the manager
// owns page tables (or their simulation) and never sees capabilities.
type MemoryManager interface {
	// Map installs phys into the space with the given rights. hint of zero
	// lets the manager pick the virtual base.
	Map(space *AddressSpace, phys PhysRange, rights Rights, hint uint64) (VirtualRange, error)
	// Unmap removes a previously installed range.
	Unmap(space *AddressSpace, vr VirtualRange) error
}

// bumpMapper is the default in-process MemoryManager: a per-space bump
// allocator over a flat virtual layout. Good for tests and for hosting the
// kernel as a simulation; real hardware plugs in its own manager.
type bumpMapper struct {
	mu   sync.Mutex
	next map[ProcessID]uint64
	base uint64
}

// NewBumpMapper returns the default memory manager.
func NewBumpMapper() MemoryManager {
	return &bumpMapper{next: make(map[ProcessID]uint64), base: 0x4000_0000}
}

func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ uint64(PageSize-1)
}

func (m *bumpMapper) Map(space *AddressSpace, phys PhysRange, rights Rights, hint uint64) (VirtualRange, error) {
	if phys.Size == 0 {
		return VirtualRange{}, ErrOutOfMemory
	}
	size := pageAlign(phys.Size)
	if hint != 0 {
		return VirtualRange{Base: hint, Size: size}, nil
	}
	m.mu.Lock()
	next, ok := m.next[space.id]
	if !ok {
		next = m.base
	}
	vr := VirtualRange{Base: next, Size: size}
	m.next[space.id] = next + size
	m.mu.Unlock()
	return vr, nil
}

func (m *bumpMapper) Unmap(space *AddressSpace, vr VirtualRange) error {
	// Bump allocation never recycles virtual ranges.
	return nil
}

// physAllocator hands out backing ranges for newly created regions.
type physAllocator struct {
	next atomic.Uint64
}

func (pa *physAllocator) alloc(size uint64) PhysRange {
	size = pageAlign(size)
	base := pa.next.Add(size) - size
	return PhysRange{Base: base, Size: size}
}

// CreateRegion allocates backing memory and installs a full-rights region
// capability in p's table.
func (k *Kernel) CreateRegion(p *Process, size uint64) (uint32, error) {
	if size == 0 {
		return 0, ErrOutOfMemory
	}
	region := &MemoryRegion{Phys: k.phys.alloc(size)}
	ref := k.objects.insert(&KernelObject{Kind: KindMemoryRegion, Region: region})
	slot, err := k.installCap(p, Capability{
		Object: ref,
		Rights: RightRead | RightWrite | RightExecute | RightCopy | RightGrant,
	}, noNode)
	// installCap took its own reference; drop the creation reference so the
	// region dies with its last capability.
	k.releaseObject(ref)
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// sysMapRegion maps a region the caller holds a capability for into its
// own address space. The mapping rights may only narrow the capability's.
func (k *Kernel) sysMapRegion(t *Thread, slot uint32, rights Rights, hint uint64) Response {
	cap, _, obj, err := k.resolveCap(t.proc, slot, 0)
	if err != nil {
		return errResponse(err)
	}
	defer k.releaseObject(cap.Object)
	if obj.Kind != KindMemoryRegion {
		return errResponse(ErrCapabilityInvalid)
	}
	if rights == 0 {
		rights = cap.Rights & (RightRead | RightWrite | RightExecute)
	}
	if rights == 0 || !rights.SubsetOf(cap.Rights) {
		return errResponse(ErrPermissionDenied)
	}
	space := k.spaceOf(t.proc)
	if space == nil {
		return errResponse(ErrProcessTerminated)
	}
	vr, err := k.mm.Map(space, obj.Region.Phys, rights, hint)
	if err != nil {
		return errResponse(ErrOutOfMemory)
	}
	space.track(Mapping{Region: cap.Object, Range: vr, Rights: rights})
	return Response{Status: StatusOK, Range: vr}
}

// spaceOf resolves a process's address space object.
func (k *Kernel) spaceOf(p *Process) *AddressSpace {
	obj, ok := k.objects.get(p.space)
	if !ok || obj.Kind != KindAddressSpace {
		return nil
	}
	return obj.Space
}

// teardownSpace unmaps everything a dying process had mapped.
func (k *Kernel) teardownSpace(p *Process) {
	space := k.spaceOf(p)
	if space == nil {
		return
	}
	for _, m := range space.takeAll() {
		if err := k.mm.Unmap(space, m.Range); err != nil {
			k.log.Warn("unmap failed during teardown", logPID(p.id), logErr(err))
		}
	}
}
