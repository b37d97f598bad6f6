package kernel

import "sync"

// Capability grants Rights over one kernel object, with an opaque badge the
// receiver of a message can use to distinguish callers sharing an endpoint.
type Capability struct {
	Object ObjectRef
	Rights Rights
	Badge  uint64
}

type slotState uint8

const (
	slotFree slotState = iota
	slotValid
	slotRevoked
)

type capSlot struct {
	state slotState
	cap   Capability
	node  int32
}

// CapTable maps a process's opaque slot indices (1-based; 0 means "no
// capability", as in the boot-time cap tables this grew out of) to
// capabilities. It is the only way user code names a kernel object.
type CapTable struct {
	mu    sync.Mutex
	pid   ProcessID
	slots []capSlot
	free  []uint32
	max   int
}

func newCapTable(pid ProcessID, max int) *CapTable {
	return &CapTable{pid: pid, max: max}
}

// alloc reserves a slot under ct.mu. Revoked slots are reused only after
// free ones run out, so a dangling index keeps failing Revoked for as long
// as possible.
func (ct *CapTable) alloc() (uint32, bool) {
	if n := len(ct.free); n > 0 {
		s := ct.free[n-1]
		ct.free = ct.free[:n-1]
		return s, true
	}
	if len(ct.slots) < ct.max {
		ct.slots = append(ct.slots, capSlot{})
		return uint32(len(ct.slots)), true
	}
	for i := range ct.slots {
		if ct.slots[i].state == slotRevoked {
			ct.slots[i] = capSlot{}
			return uint32(i + 1), true
		}
	}
	return 0, false
}

func (ct *CapTable) at(slot uint32) *capSlot {
	if slot == 0 || int(slot) > len(ct.slots) {
		return nil
	}
	return &ct.slots[slot-1]
}

// Snapshot returns the live capabilities for introspection.
func (ct *CapTable) Snapshot() []CapEntry {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]CapEntry, 0, len(ct.slots))
	for i := range ct.slots {
		s := &ct.slots[i]
		if s.state != slotValid {
			continue
		}
		out = append(out, CapEntry{
			Slot:   uint32(i + 1),
			Rights: s.cap.Rights,
			Badge:  s.cap.Badge,
		})
	}
	return out
}

// CapEntry is one row of a capability table snapshot.
type CapEntry struct {
	Slot   uint32 `json:"slot"`
	Rights Rights `json:"-"`
	Badge  uint64 `json:"badge"`
}

// capNode is one vertex of the derivation forest. Nodes are index pairs
// into an arena, never raw references, so derivation graphs cannot form
// ownership cycles. A node whose table is nil is in transit inside a
// message envelope.
type capNode struct {
	table   *CapTable
	slot    uint32
	parent  int32
	child   int32
	sibling int32
	live    bool
}

// capRegistry owns the derivation forest for every object. Its lock is
// ordered after capability table locks and is never held while taking one.
type capRegistry struct {
	mu    sync.Mutex
	nodes []capNode
	free  []int32
}

const noNode int32 = -1

func (cr *capRegistry) allocNode(parent int32) int32 {
	var id int32
	if n := len(cr.free); n > 0 {
		id = cr.free[n-1]
		cr.free = cr.free[:n-1]
		cr.nodes[id] = capNode{}
	} else {
		cr.nodes = append(cr.nodes, capNode{})
		id = int32(len(cr.nodes) - 1)
	}
	nd := &cr.nodes[id]
	nd.parent = parent
	nd.child = noNode
	nd.sibling = noNode
	nd.live = true
	if parent != noNode {
		p := &cr.nodes[parent]
		nd.sibling = p.child
		p.child = id
	}
	return id
}

// addNode links a new live node under parent and homes it at (table, slot).
// It fails if the parent has died (a revoke raced the derivation).
func (cr *capRegistry) addNode(parent int32, table *CapTable, slot uint32) (int32, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if parent != noNode && !cr.nodes[parent].live {
		return noNode, false
	}
	id := cr.allocNode(parent)
	cr.nodes[id].table = table
	cr.nodes[id].slot = slot
	return id, true
}

// rehome moves a live node to a new table/slot (capability Move transfer).
// A nil table marks the node in transit.
func (cr *capRegistry) rehome(id int32, table *CapTable, slot uint32) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	nd := &cr.nodes[id]
	if !nd.live {
		return false
	}
	nd.table = table
	nd.slot = slot
	return true
}

type capVictim struct {
	table *CapTable
	slot  uint32
	node  int32
}

// collectSubtree marks the subtree rooted at id dead and returns every
// homed capability in it, depth first. In-transit nodes die too; their
// delivery path notices and drops them.
func (cr *capRegistry) collectSubtree(id int32) []capVictim {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	var victims []capVictim
	var walk func(int32)
	walk = func(n int32) {
		nd := &cr.nodes[n]
		if !nd.live {
			return
		}
		for c := nd.child; c != noNode; c = cr.nodes[c].sibling {
			walk(c)
		}
		nd.live = false
		if nd.table != nil {
			victims = append(victims, capVictim{table: nd.table, slot: nd.slot, node: n})
		}
	}
	walk(id)
	return victims
}

// reap returns dead, unlinked nodes to the free list.
func (cr *capRegistry) reap(ids []int32) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for _, id := range ids {
		nd := &cr.nodes[id]
		if nd.live {
			panic("kernel: reaping live derivation node")
		}
		// Unlink from parent's child list if still linked.
		if nd.parent != noNode && cr.nodes[nd.parent].live {
			p := &cr.nodes[nd.parent]
			if p.child == id {
				p.child = nd.sibling
			} else {
				for c := p.child; c != noNode; c = cr.nodes[c].sibling {
					if cr.nodes[c].sibling == id {
						cr.nodes[c].sibling = nd.sibling
						break
					}
				}
			}
		}
		nd.parent = noNode
		nd.child = noNode
		nd.sibling = noNode
		nd.table = nil
		cr.free = append(cr.free, id)
	}
}

// excise removes a single node from the forest, promoting its children to
// its parent. Used by delete, which unlike revoke leaves descendants alive.
func (cr *capRegistry) excise(id int32) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	nd := &cr.nodes[id]
	if !nd.live {
		return
	}
	nd.live = false
	parent := nd.parent
	if parent != noNode {
		p := &cr.nodes[parent]
		if p.child == id {
			p.child = nd.sibling
		} else {
			for c := p.child; c != noNode; c = cr.nodes[c].sibling {
				if cr.nodes[c].sibling == id {
					cr.nodes[c].sibling = nd.sibling
					break
				}
			}
		}
	}
	for c := nd.child; c != noNode; {
		next := cr.nodes[c].sibling
		cr.nodes[c].parent = parent
		if parent != noNode {
			cr.nodes[c].sibling = cr.nodes[parent].child
			cr.nodes[parent].child = c
		} else {
			cr.nodes[c].sibling = noNode
		}
		c = next
	}
	nd.parent = noNode
	nd.child = noNode
	nd.sibling = noNode
	nd.table = nil
	cr.free = append(cr.free, id)
}

// live reports whether a node is still valid.
func (cr *capRegistry) isLive(id int32) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return id != noNode && cr.nodes[id].live
}

// installCap places cap into p's table as a new derivation node under
// parent (noNode for a root). The object gains one counted reference.
// Returns the 1-based slot.
func (k *Kernel) installCap(p *Process, cap Capability, parent int32) (uint32, error) {
	if !k.objects.retain(cap.Object) {
		return 0, ErrRevoked
	}
	ct := p.caps
	ct.mu.Lock()
	slot, ok := ct.alloc()
	if !ok {
		ct.mu.Unlock()
		k.releaseObject(cap.Object)
		return 0, ErrOutOfMemory
	}
	s := ct.at(slot)
	s.state = slotValid
	s.cap = cap
	s.node = noNode
	ct.mu.Unlock()

	node, ok := k.capreg.addNode(parent, ct, slot)
	if !ok {
		// Parent was revoked while we installed; the new capability dies
		// with it.
		ct.mu.Lock()
		s = ct.at(slot)
		s.state = slotRevoked
		ct.mu.Unlock()
		k.releaseObject(cap.Object)
		return 0, ErrRevoked
	}
	ct.mu.Lock()
	ct.at(slot).node = node
	ct.mu.Unlock()
	return slot, nil
}

// installStaged homes an in-transit node (already counted) at p.
func (k *Kernel) installStaged(p *Process, st stagedCap) (uint32, bool) {
	ct := p.caps
	ct.mu.Lock()
	slot, ok := ct.alloc()
	if !ok {
		ct.mu.Unlock()
		k.releaseObject(st.cap.Object)
		return 0, false
	}
	s := ct.at(slot)
	s.state = slotValid
	s.cap = st.cap
	s.node = st.node
	ct.mu.Unlock()

	if !k.capreg.rehome(st.node, ct, slot) {
		// Revoked while in transit; drop the delivery.
		ct.mu.Lock()
		s = ct.at(slot)
		s.state = slotRevoked
		s.node = noNode
		ct.mu.Unlock()
		k.capreg.reap([]int32{st.node})
		k.releaseObject(st.cap.Object)
		return 0, false
	}
	return slot, true
}

// resolveCap is the single validation point: O(1) slot lookup, rights
// check, and an in-flight object hold, all atomic with respect to a racing
// revocation of the same slot. The caller must releaseObject the ref when
// the operation completes.
func (k *Kernel) resolveCap(p *Process, slot uint32, need Rights) (Capability, int32, *KernelObject, error) {
	ct := p.caps
	ct.mu.Lock()
	s := ct.at(slot)
	if s == nil || s.state == slotFree {
		ct.mu.Unlock()
		return Capability{}, noNode, nil, ErrCapabilityInvalid
	}
	if s.state == slotRevoked {
		ct.mu.Unlock()
		return Capability{}, noNode, nil, ErrRevoked
	}
	if !s.cap.Rights.Has(need) {
		ct.mu.Unlock()
		return Capability{}, noNode, nil, ErrPermissionDenied
	}
	cap := s.cap
	node := s.node
	ct.mu.Unlock()

	obj, ok := k.objects.acquire(cap.Object)
	if !ok {
		return Capability{}, noNode, nil, ErrRevoked
	}
	return cap, node, obj, nil
}

// removeCap extracts a capability for a Move transfer. The slot is freed;
// the counted reference travels with the returned staging record.
func (k *Kernel) removeCap(p *Process, slot uint32) (stagedCap, error) {
	ct := p.caps
	ct.mu.Lock()
	s := ct.at(slot)
	if s == nil || s.state == slotFree {
		ct.mu.Unlock()
		return stagedCap{}, ErrCapabilityInvalid
	}
	if s.state == slotRevoked {
		ct.mu.Unlock()
		return stagedCap{}, ErrRevoked
	}
	st := stagedCap{cap: s.cap, node: s.node, mode: TransferMove}
	s.state = slotFree
	s.cap = Capability{}
	s.node = noNode
	ct.free = append(ct.free, slot)
	ct.mu.Unlock()

	k.capreg.rehome(st.node, nil, 0)
	return st, nil
}

// clearCap frees a slot and drops its reference; used for one-shot reply
// capabilities after their single use. Derived children (if any) are
// revoked with it, but the slot itself reads as empty afterwards.
func (k *Kernel) clearCap(p *Process, slot uint32) {
	ct := p.caps
	ct.mu.Lock()
	s := ct.at(slot)
	if s == nil || s.state != slotValid {
		ct.mu.Unlock()
		return
	}
	ref := s.cap.Object
	node := s.node
	s.state = slotFree
	s.cap = Capability{}
	s.node = noNode
	ct.free = append(ct.free, slot)
	ct.mu.Unlock()

	victims := k.capreg.collectSubtree(node)
	nodes := []int32{node}
	for _, v := range victims {
		if v.node == node {
			continue
		}
		v.table.mu.Lock()
		vs := v.table.at(v.slot)
		var vref ObjectRef
		if vs != nil && vs.state == slotValid && vs.node == v.node {
			vref = vs.cap.Object
			vs.state = slotRevoked
			vs.cap = Capability{}
			vs.node = noNode
		}
		v.table.mu.Unlock()
		if !vref.IsZero() {
			k.releaseObject(vref)
		}
		nodes = append(nodes, v.node)
	}
	k.capreg.reap(nodes)
	k.releaseObject(ref)
}

// deleteCap drops the caller's slot only. Capabilities derived from it
// survive, promoted to the deleted node's parent in the forest.
func (k *Kernel) deleteCap(p *Process, slot uint32) error {
	ct := p.caps
	ct.mu.Lock()
	s := ct.at(slot)
	if s == nil || s.state == slotFree {
		ct.mu.Unlock()
		return ErrCapabilityInvalid
	}
	if s.state == slotRevoked {
		s.state = slotFree
		ct.free = append(ct.free, slot)
		ct.mu.Unlock()
		return nil
	}
	ref := s.cap.Object
	node := s.node
	s.state = slotFree
	s.cap = Capability{}
	s.node = noNode
	ct.free = append(ct.free, slot)
	ct.mu.Unlock()

	k.capreg.excise(node)
	k.releaseObject(ref)
	return nil
}

// drainCapTable deletes every remaining capability, one slot at a time so
// lock ordering holds. Process teardown only.
func (k *Kernel) drainCapTable(p *Process) {
	ct := p.caps
	for {
		var slot uint32
		ct.mu.Lock()
		for i := range ct.slots {
			if ct.slots[i].state == slotValid {
				slot = uint32(i + 1)
				break
			}
		}
		ct.mu.Unlock()
		if slot == 0 {
			return
		}
		k.deleteCap(p, slot)
	}
}

// Derive narrows a capability: the new rights must be a subset of the
// parent's, and the child joins the derivation tree for recursive revoke.
func (k *Kernel) deriveCap(p *Process, slot uint32, rights Rights, badge uint64) (uint32, error) {
	cap, node, _, err := k.resolveCap(p, slot, 0)
	if err != nil {
		return 0, err
	}
	defer k.releaseObject(cap.Object)

	if !rights.SubsetOf(cap.Rights) {
		return 0, ErrPermissionDenied
	}
	child := Capability{Object: cap.Object, Rights: rights, Badge: badge}
	return k.installCap(p, child, node)
}

// revokeCap synchronously invalidates the capability at slot and every
// capability derived from it, depth first. Operations already past their
// validation point finish on their in-flight holds.
func (k *Kernel) revokeCap(p *Process, slot uint32) error {
	ct := p.caps
	ct.mu.Lock()
	s := ct.at(slot)
	if s == nil || s.state == slotFree {
		ct.mu.Unlock()
		return ErrCapabilityInvalid
	}
	if s.state == slotRevoked {
		ct.mu.Unlock()
		return ErrRevoked
	}
	root := s.node
	ct.mu.Unlock()

	victims := k.capreg.collectSubtree(root)
	nodes := make([]int32, 0, len(victims))
	for _, v := range victims {
		v.table.mu.Lock()
		vs := v.table.at(v.slot)
		var ref ObjectRef
		if vs != nil && vs.state == slotValid && vs.node == v.node {
			ref = vs.cap.Object
			vs.state = slotRevoked
			vs.cap = Capability{}
			vs.node = noNode
		}
		v.table.mu.Unlock()
		if !ref.IsZero() {
			k.releaseObject(ref)
		}
		nodes = append(nodes, v.node)
	}
	k.capreg.reap(nodes)
	return nil
}
