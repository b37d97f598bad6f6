package kernel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/infrastructure/monitoring"
	"github.com/nucleonos/nucleon/internal/shared/id"
)

// Params are the kernel tunables. Zero values take defaults.
type Params struct {
	// Cores is the number of logical CPUs to schedule.
	Cores int
	// CapTableSlots caps each process's capability table.
	CapTableSlots int
	// MailboxCapacity is the default queue depth for mailbox endpoints.
	MailboxCapacity int
	// AgingRounds is K in the starvation bound: a Normal thread waits at
	// most K scheduling rounds before jumping its queue.
	AgingRounds uint64
	// NormalSliceTicks and RealTimeSliceTicks are per-class time slices.
	NormalSliceTicks   int
	RealTimeSliceTicks int
}

func (p Params) withDefaults() Params {
	if p.Cores <= 0 {
		p.Cores = 4
	}
	if p.CapTableSlots <= 0 {
		p.CapTableSlots = 256
	}
	if p.MailboxCapacity <= 0 {
		p.MailboxCapacity = 16
	}
	if p.AgingRounds == 0 {
		p.AgingRounds = 8
	}
	if p.NormalSliceTicks <= 0 {
		p.NormalSliceTicks = 10
	}
	if p.RealTimeSliceTicks <= 0 {
		p.RealTimeSliceTicks = 50
	}
	return p
}

// EventKind labels kernel events published to sinks.
type EventKind string

const (
	EventWakeup            EventKind = "wakeup"
	EventSwitch            EventKind = "switch"
	EventBlock             EventKind = "block"
	EventEndpointClosed    EventKind = "endpoint_closed"
	EventProcessSpawned    EventKind = "process_spawned"
	EventProcessTerminated EventKind = "process_terminated"
	EventIRQ               EventKind = "irq"
)

// Event is one observable kernel occurrence. Zero fields mean "not
// applicable".
type Event struct {
	Kind     EventKind `json:"kind"`
	Core     uint32    `json:"core,omitempty"`
	Thread   uint32    `json:"thread,omitempty"`
	Process  uint32    `json:"process,omitempty"`
	Endpoint uint32    `json:"endpoint,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventSink receives kernel events. Publish must not block; slow consumers
// drop.
type EventSink interface {
	Publish(Event)
}

// Kernel is the capability-secure core: object table, derivation forest,
// IPC, and the multi-core scheduler, reached only through Dispatch.
type Kernel struct {
	params  Params
	log     *logging.Logger
	metrics *monitoring.Metrics
	mm      MemoryManager
	sink    EventSink

	bootID  string
	started time.Time

	objects ObjectTable
	capreg  capRegistry
	phys    physAllocator

	mu       sync.Mutex
	procs    map[ProcessID]*Process
	threads  []*Thread
	nextPID  ProcessID
	irqLines map[uint32]ObjectRef // vector → device object

	cores []*Core
}

// New builds a kernel. metrics and sink may be nil; mm nil takes the
// default bump mapper.
func New(params Params, log *logging.Logger, metrics *monitoring.Metrics, mm MemoryManager, sink EventSink) *Kernel {
	params = params.withDefaults()
	if mm == nil {
		mm = NewBumpMapper()
	}
	k := &Kernel{
		params:   params,
		log:      log,
		metrics:  metrics,
		mm:       mm,
		sink:     sink,
		bootID:   id.NewBootID(),
		started:  time.Now(),
		procs:    make(map[ProcessID]*Process),
		irqLines: make(map[uint32]ObjectRef),
		cores:    make([]*Core, params.Cores),
	}
	for i := range k.cores {
		k.cores[i] = newCore(uint32(i))
	}
	return k
}

// BootID identifies this kernel instance in logs and the API.
func (k *Kernel) BootID() string { return k.bootID }

// Uptime reports wall time since New.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.started) }

// Cores exposes the core set for driver loops.
func (k *Kernel) Cores() []*Core { return k.cores }

// Params returns the effective tunables.
func (k *Kernel) Params() Params { return k.params }

func (k *Kernel) emit(ev Event) {
	if k.sink != nil {
		k.sink.Publish(ev)
	}
}

func logPID(id ProcessID) zap.Field { return zap.Uint32("pid", uint32(id)) }
func logErr(err error) zap.Field    { return zap.Error(err) }

// Boot creates the privileged init process. Everything else descends from
// it: init mints the first endpoints and grants narrowed capabilities down
// the process tree; no other authority exists.
func (k *Kernel) Boot() *Process {
	p := k.newProcess(0, true)
	k.log.Info("kernel booted",
		zap.String("boot_id", k.bootID),
		zap.Int("cores", k.params.Cores),
		logPID(p.id))
	return p
}

// Spawn creates an unprivileged child of parent with an empty capability
// table.
func (k *Kernel) Spawn(parent *Process) (*Process, error) {
	if parent == nil || parent.isTerminated() {
		return nil, ErrProcessTerminated
	}
	p := k.newProcess(parent.id, false)
	k.emit(Event{Kind: EventProcessSpawned, Process: uint32(p.id)})
	k.log.Info("process spawned", logPID(p.id), zap.Uint32("parent", uint32(parent.id)))
	return p, nil
}

func (k *Kernel) newProcess(parent ProcessID, privileged bool) *Process {
	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.mu.Unlock()

	space := &AddressSpace{id: pid}
	spaceRef := k.objects.insert(&KernelObject{Kind: KindAddressSpace, Space: space})

	p := &Process{
		id:         pid,
		uid:        id.NewProcessUID(),
		parent:     parent,
		privileged: privileged,
		caps:       newCapTable(pid, k.params.CapTableSlots),
		space:      spaceRef,
		threads:    make(map[ThreadID]*Thread),
		endpoints:  make(map[ObjectRef]struct{}),
	}
	k.mu.Lock()
	k.procs[pid] = p
	k.mu.Unlock()

	if k.metrics != nil {
		k.metrics.SetProcesses(k.processCount())
	}
	return p
}

// AddThread creates a thread in p, homes it on core home, and makes it
// runnable.
func (k *Kernel) AddThread(p *Process, class PriorityClass, rtPriority int, home uint32) (*Thread, error) {
	if p == nil || p.isTerminated() {
		return nil, ErrProcessTerminated
	}
	if int(home) >= len(k.cores) {
		home = 0
	}
	if class == 0 {
		class = ClassNormal
	}

	t := &Thread{proc: p, class: class, rtPriority: rtPriority, home: home}
	k.mu.Lock()
	k.threads = append(k.threads, t)
	t.id = ThreadID(len(k.threads))
	k.mu.Unlock()

	t.self = k.objects.insert(&KernelObject{Kind: KindThread, Thread: t})
	t.setState(ThreadReady)
	p.addThread(t)
	k.enqueueReady(t)
	return t, nil
}

// thread resolves a ThreadID; nil if out of range.
func (k *Kernel) thread(tid ThreadID) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	if tid == 0 || int(tid) > len(k.threads) {
		return nil
	}
	return k.threads[tid-1]
}

// Process resolves a ProcessID.
func (k *Kernel) Process(pid ProcessID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

func (k *Kernel) processCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, p := range k.procs {
		if !p.isTerminated() {
			n++
		}
	}
	return n
}

// Terminate tears a process down: threads die and leave their queues,
// pending operations resolve, peers blocked on it learn
// ErrProcessTerminated through endpoint teardown, and every capability the
// process held is released so object refcounts fall.
func (k *Kernel) Terminate(pid ProcessID) error {
	k.mu.Lock()
	p, ok := k.procs[pid]
	k.mu.Unlock()
	if !ok {
		return ErrProcessTerminated
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrProcessTerminated
	}
	p.terminated = true
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.endpoints = make(map[ObjectRef]struct{})
	p.mu.Unlock()

	for _, t := range threads {
		k.terminateThread(t)
	}
	k.drainCapTable(p)
	k.teardownSpace(p)
	k.releaseObject(p.space)
	for _, t := range threads {
		k.releaseObject(t.self)
	}

	k.emit(Event{Kind: EventProcessTerminated, Process: uint32(pid)})
	k.log.Info("process terminated", logPID(pid))
	if k.metrics != nil {
		k.metrics.SetProcesses(k.processCount())
	}
	return nil
}

// terminateThread resolves any blocked operation the thread owns and pulls
// it out of scheduling. Terminated is absorbing.
func (k *Kernel) terminateThread(t *Thread) {
	for {
		s := t.State()
		if s == ThreadTerminated {
			return
		}
		if s == ThreadBlocked {
			k.cancelWait(t)
		}
		if t.casState(s, ThreadTerminated) {
			break
		}
	}

	c := k.cores[t.home]
	c.rq.mu.Lock()
	if t.queued {
		c.rq.remove(t)
	}
	if c.current == t {
		c.current = nil
	}
	c.rq.mu.Unlock()
	c.kick()
}

// cancelWait resolves a dying thread's blocked operation so no envelope or
// hold leaks. Losing an arbitration means delivery or timeout already
// resolved it.
func (k *Kernel) cancelWait(t *Thread) {
	switch t.wait.reason {
	case BlockReceive:
		if t.tryResolveWait() {
			k.releaseObject(t.wait.ep)
		}
	case BlockSend:
		env := t.wait.env
		if env != nil && env.tryClaim() {
			t.resolveWait()
			k.unstageEnvelope(env)
			if !env.epRef.IsZero() {
				k.releaseObject(env.epRef)
				env.epRef = ObjectRef{}
			}
		}
	case BlockCall:
		if t.tryResolveWait() {
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
		}
	}
}

// createEndpoint backs sysEndpointCreate: a new endpoint object plus a
// full-rights capability for the creator. The object lives exactly as long
// as capabilities or in-flight operations reference it.
func (k *Kernel) createEndpoint(p *Process, mode EndpointMode, capacity int) (uint32, error) {
	switch mode {
	case Rendezvous:
		capacity = 0
	case Mailbox:
		if capacity <= 0 {
			capacity = k.params.MailboxCapacity
		}
	default:
		return 0, ErrCapabilityInvalid
	}

	ep := &Endpoint{mode: mode, capacity: capacity, state: EndpointActive, owner: p.id}
	ref := k.objects.insert(&KernelObject{Kind: KindEndpoint, Endpoint: ep})
	ep.self = ref

	slot, err := k.installCap(p, Capability{
		Object: ref,
		Rights: RightSend | RightReceive | RightGrant | RightCopy | RightMint,
	}, noNode)
	k.releaseObject(ref)
	if err != nil {
		return 0, err
	}
	p.trackEndpoint(ref)
	k.log.Debug("endpoint created",
		logPID(p.id),
		zap.String("mode", mode.String()),
		zap.Int("capacity", capacity))
	return slot, nil
}

// GrantCap installs a copy of one of from's capabilities into to's table,
// optionally narrowed and badged. Bootstrap authority: only the privileged
// init process, or a holder of the Mint right on the capability, may grant
// this way; everyone else passes capabilities over IPC.
func (k *Kernel) GrantCap(from *Process, slot uint32, to *Process, rights Rights, badge uint64) (uint32, error) {
	if to == nil || to.isTerminated() {
		return 0, ErrProcessTerminated
	}
	var need Rights
	if !from.privileged {
		need = RightMint
	}
	cap, node, _, err := k.resolveCap(from, slot, need)
	if err != nil {
		return 0, err
	}
	defer k.releaseObject(cap.Object)

	if rights == 0 {
		rights = cap.Rights
	}
	if !rights.SubsetOf(cap.Rights) {
		return 0, ErrPermissionDenied
	}
	return k.installCap(to, Capability{Object: cap.Object, Rights: rights, Badge: badge}, node)
}

// RegisterDevice creates a device object for an interrupt vector and hands
// owner the capability that authorizes binding it.
func (k *Kernel) RegisterDevice(owner *Process, name string, vector uint32) (uint32, error) {
	d := &Device{Name: name, Vector: vector}
	ref := k.objects.insert(&KernelObject{Kind: KindDevice, Device: d})

	k.mu.Lock()
	if _, dup := k.irqLines[vector]; dup {
		k.mu.Unlock()
		k.releaseObject(ref)
		return 0, ErrPermissionDenied
	}
	k.irqLines[vector] = ref
	k.mu.Unlock()
	// The IRQ table holds the creation reference; the capability below adds
	// its own.

	slot, err := k.installCap(owner, Capability{
		Object: ref,
		Rights: RightRead | RightWrite | RightCopy | RightGrant,
	}, noNode)
	if err != nil {
		k.mu.Lock()
		delete(k.irqLines, vector)
		k.mu.Unlock()
		k.releaseObject(ref)
		return 0, err
	}
	return slot, nil
}

// BindIRQ points a device's interrupt delivery at an endpoint. Needs the
// Write right on the device capability and Send on the endpoint capability.
func (k *Kernel) BindIRQ(p *Process, deviceSlot, endpointSlot uint32) error {
	dcap, _, dobj, err := k.resolveCap(p, deviceSlot, RightWrite)
	if err != nil {
		return err
	}
	if dobj.Kind != KindDevice {
		k.releaseObject(dcap.Object)
		return ErrCapabilityInvalid
	}
	ecap, _, eobj, err := k.resolveCap(p, endpointSlot, RightSend)
	if err != nil {
		k.releaseObject(dcap.Object)
		return err
	}
	if eobj.Kind != KindEndpoint || eobj.Endpoint.oneShot {
		k.releaseObject(ecap.Object)
		k.releaseObject(dcap.Object)
		return ErrCapabilityInvalid
	}

	d := dobj.Device
	if !k.objects.retain(ecap.Object) {
		k.releaseObject(ecap.Object)
		k.releaseObject(dcap.Object)
		return ErrRevoked
	}
	d.mu.Lock()
	old := d.endpoint
	d.endpoint = ecap.Object
	d.mu.Unlock()
	if !old.IsZero() {
		k.releaseObject(old)
	}

	k.releaseObject(ecap.Object)
	k.releaseObject(dcap.Object)
	return nil
}

// OnIRQ is the interrupt entry point: route the vector to its bound
// endpoint as a kernel-originated message. Never blocks; undeliverable
// interrupts drop.
func (k *Kernel) OnIRQ(vector uint32) {
	k.mu.Lock()
	ref, ok := k.irqLines[vector]
	k.mu.Unlock()
	if !ok {
		return
	}
	obj, live := k.objects.get(ref)
	if !live || obj.Kind != KindDevice {
		return
	}
	epRef := obj.Device.bound()
	if epRef.IsZero() {
		return
	}
	eobj, live := k.objects.get(epRef)
	if !live || eobj.Kind != KindEndpoint {
		return
	}
	delivered := k.deliverIRQ(eobj.Endpoint, vector)
	if k.metrics != nil {
		k.metrics.RecordIRQ(vector, delivered)
	}
	k.emit(Event{Kind: EventIRQ, Detail: obj.Device.Name})
}

// Processes snapshots every process for the API.
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.Unlock()

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.info())
	}
	return out
}

// Endpoints snapshots the endpoints a process created.
func (k *Kernel) Endpoints(p *Process) []EndpointInfo {
	p.mu.Lock()
	refs := make([]ObjectRef, 0, len(p.endpoints))
	for ref := range p.endpoints {
		refs = append(refs, ref)
	}
	p.mu.Unlock()

	out := make([]EndpointInfo, 0, len(refs))
	for _, ref := range refs {
		if obj, ok := k.objects.get(ref); ok && obj.Kind == KindEndpoint {
			out = append(out, obj.Endpoint.info())
		}
	}
	return out
}

// ObjectCount reports live kernel objects.
func (k *Kernel) ObjectCount() int { return k.objects.count() }
