package kernel

import "sync"

// ObjectKind tags the closed set of kernel object variants.
type ObjectKind uint8

const (
	KindEndpoint ObjectKind = iota + 1
	KindThread
	KindAddressSpace
	KindMemoryRegion
	KindDevice
)

// String returns the lowercase kind name.
func (k ObjectKind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindThread:
		return "thread"
	case KindAddressSpace:
		return "address_space"
	case KindMemoryRegion:
		return "memory_region"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// ObjectRef names an object table slot. The generation counter guards
// against reuse: a ref minted for a freed-and-reallocated slot stops
// resolving. The zero ObjectRef is never valid (generations start at 1).
type ObjectRef struct {
	index uint32
	gen   uint32
}

// IsZero reports whether the ref names nothing.
func (r ObjectRef) IsZero() bool { return r.gen == 0 }

// KernelObject is the tagged variant stored in the object table. Exactly one
// of the kind pointers is non-nil, matching Kind; operation sites switch on
// Kind exhaustively rather than using virtual dispatch.
type KernelObject struct {
	Kind     ObjectKind
	Endpoint *Endpoint
	Thread   *Thread
	Space    *AddressSpace
	Region   *MemoryRegion
	Device   *Device
}

type objectSlot struct {
	gen  uint32
	refs int32
	live bool
	obj  *KernelObject
}

// ObjectTable is the arena that exclusively owns all kernel objects.
// Capability tables and in-flight operations hold counted, non-owning refs
// into it; an object is destroyed only when its count reaches zero
// (deferred destruction), never while a concurrent user still holds it.
type ObjectTable struct {
	mu    sync.Mutex
	slots []objectSlot
	free  []uint32
}

// insert stores obj with an initial refcount of one and returns its ref.
func (ot *ObjectTable) insert(obj *KernelObject) ObjectRef {
	ot.mu.Lock()
	defer ot.mu.Unlock()

	var idx uint32
	if n := len(ot.free); n > 0 {
		idx = ot.free[n-1]
		ot.free = ot.free[:n-1]
	} else {
		ot.slots = append(ot.slots, objectSlot{})
		idx = uint32(len(ot.slots) - 1)
	}
	s := &ot.slots[idx]
	s.gen++
	s.refs = 1
	s.live = true
	s.obj = obj
	return ObjectRef{index: idx, gen: s.gen}
}

func (ot *ObjectTable) slotFor(ref ObjectRef) *objectSlot {
	if ref.IsZero() || int(ref.index) >= len(ot.slots) {
		return nil
	}
	s := &ot.slots[ref.index]
	if s.gen != ref.gen || !s.live {
		return nil
	}
	return s
}

// acquire takes an in-flight hold on the object, keeping it alive past a
// concurrent revocation, per the deferred-destruction rule.
func (ot *ObjectTable) acquire(ref ObjectRef) (*KernelObject, bool) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	s := ot.slotFor(ref)
	if s == nil {
		return nil, false
	}
	s.refs++
	return s.obj, true
}

// retain adds a counted reference (a capability installation).
func (ot *ObjectTable) retain(ref ObjectRef) bool {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	s := ot.slotFor(ref)
	if s == nil {
		return false
	}
	s.refs++
	return true
}

// release drops one reference. When the count reaches zero the slot is
// freed and the object returned so the caller can finalize it outside the
// table lock.
func (ot *ObjectTable) release(ref ObjectRef) (*KernelObject, bool) {
	ot.mu.Lock()
	s := ot.slotFor(ref)
	if s == nil {
		ot.mu.Unlock()
		return nil, false
	}
	s.refs--
	if s.refs < 0 {
		panic("kernel: object refcount underflow")
	}
	if s.refs > 0 {
		ot.mu.Unlock()
		return nil, false
	}
	obj := s.obj
	s.live = false
	s.obj = nil
	ot.free = append(ot.free, ref.index)
	ot.mu.Unlock()
	return obj, true
}

// get resolves without touching the refcount; callers must already hold a
// reference that keeps the object alive.
func (ot *ObjectTable) get(ref ObjectRef) (*KernelObject, bool) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	s := ot.slotFor(ref)
	if s == nil {
		return nil, false
	}
	return s.obj, true
}

// count reports live objects, for introspection.
func (ot *ObjectTable) count() int {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	n := 0
	for i := range ot.slots {
		if ot.slots[i].live {
			n++
		}
	}
	return n
}

// releaseObject drops a reference and finalizes the object if it died.
func (k *Kernel) releaseObject(ref ObjectRef) {
	obj, dead := k.objects.release(ref)
	if dead {
		k.finalizeObject(obj)
	}
}

// finalizeObject runs last-rites for an object whose refcount hit zero.
// Runs outside the object table lock.
func (k *Kernel) finalizeObject(obj *KernelObject) {
	switch obj.Kind {
	case KindEndpoint:
		k.endpointFinalize(obj.Endpoint)
	case KindThread:
		// Thread records are reaped by process teardown.
	case KindAddressSpace:
		// Mappings are torn down by process teardown before the space dies.
	case KindMemoryRegion, KindDevice:
		// Nothing beyond the slot itself.
	default:
		panic("kernel: finalize of unknown object kind")
	}
}
