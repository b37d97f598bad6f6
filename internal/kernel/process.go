package kernel

import (
	"sync"
)

// ProcessID identifies a process. IDs are never reused within a boot.
type ProcessID uint32

// Process owns a capability table, a thread set, and an address space.
// A process starts with an empty capability table — zero ambient authority;
// everything it can touch was explicitly granted by its creator or arrived
// over IPC.
type Process struct {
	id     ProcessID
	uid    string // ULID, for logs and the API
	parent ProcessID

	// privileged marks the boot/init process and grants the Mint
	// operation; ordinary processes get minting authority only via a
	// capability carrying RightMint.
	privileged bool

	caps  *CapTable
	space ObjectRef

	mu         sync.Mutex
	threads    map[ThreadID]*Thread
	endpoints  map[ObjectRef]struct{}
	terminated bool
}

// ID returns the process id.
func (p *Process) ID() ProcessID { return p.id }

// UID returns the process ULID used in logs.
func (p *Process) UID() string { return p.uid }

// Caps exposes the capability table for introspection.
func (p *Process) Caps() *CapTable { return p.caps }

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	p.threads[t.id] = t
	p.mu.Unlock()
}

func (p *Process) trackEndpoint(ref ObjectRef) {
	p.mu.Lock()
	p.endpoints[ref] = struct{}{}
	p.mu.Unlock()
}

func (p *Process) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// AddressSpace holds the memory mappings installed for a process. Mapping
// mechanics live behind the MemoryManager contract; the kernel only tracks
// what it asked for so teardown can unmap it.
type AddressSpace struct {
	id ProcessID

	mu       sync.Mutex
	mappings []Mapping
}

// Mapping records one installed region mapping.
type Mapping struct {
	Region ObjectRef
	Range  VirtualRange
	Rights Rights
}

func (as *AddressSpace) track(m Mapping) {
	as.mu.Lock()
	as.mappings = append(as.mappings, m)
	as.mu.Unlock()
}

func (as *AddressSpace) takeAll() []Mapping {
	as.mu.Lock()
	ms := as.mappings
	as.mappings = nil
	as.mu.Unlock()
	return ms
}

// ProcessInfo is the introspection view of a process.
type ProcessInfo struct {
	ID         uint32       `json:"pid"`
	UID        string       `json:"uid"`
	Parent     uint32       `json:"parent_pid"`
	Privileged bool         `json:"privileged"`
	Terminated bool         `json:"terminated"`
	Threads    []ThreadInfo `json:"threads"`
	Caps       int          `json:"capabilities"`
}

// Info snapshots the process for the API.
func (p *Process) Info() ProcessInfo { return p.info() }

func (p *Process) info() ProcessInfo {
	p.mu.Lock()
	threads := make([]ThreadInfo, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t.info())
	}
	terminated := p.terminated
	p.mu.Unlock()

	return ProcessInfo{
		ID:         uint32(p.id),
		UID:        p.uid,
		Parent:     uint32(p.parent),
		Privileged: p.privileged,
		Terminated: terminated,
		Threads:    threads,
		Caps:       len(p.caps.Snapshot()),
	}
}
