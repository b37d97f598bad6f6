package kernel

import "go.uber.org/zap"

// transmit outcomes for the send phase.
type txResult uint8

const (
	txDelivered txResult = iota + 1
	txQueued
	txParked
)

// stageTransfers validates and extracts the capabilities and region grant a
// message carries, before any endpoint lock is taken. Move transfers leave
// the sender's slot immediately; Copy transfers require the Copy right and
// may only narrow. On error nothing stays staged.
func (k *Kernel) stageTransfers(p *Process, transfers []CapTransfer, grant *RegionGrant) ([]stagedCap, *stagedRegion, error) {
	var staged []stagedCap
	fail := func(err error) ([]stagedCap, *stagedRegion, error) {
		k.rollbackStaged(p, staged, nil)
		return nil, nil, err
	}

	for _, tr := range transfers {
		switch tr.Mode {
		case TransferMove:
			st, err := k.removeCap(p, tr.Slot)
			if err != nil {
				return fail(err)
			}
			staged = append(staged, st)
		case TransferCopy:
			cap, node, _, err := k.resolveCap(p, tr.Slot, RightCopy)
			if err != nil {
				return fail(err)
			}
			rights := tr.Rights
			if rights == 0 {
				rights = cap.Rights
			}
			if !rights.SubsetOf(cap.Rights) {
				k.releaseObject(cap.Object)
				return fail(ErrPermissionDenied)
			}
			child, ok := k.capreg.addNode(node, nil, 0)
			if !ok {
				k.releaseObject(cap.Object)
				return fail(ErrRevoked)
			}
			// The staged copy holds its own counted reference; the
			// in-flight hold from resolution is returned.
			k.objects.retain(cap.Object)
			k.releaseObject(cap.Object)
			staged = append(staged, stagedCap{
				cap:  Capability{Object: cap.Object, Rights: rights, Badge: cap.Badge},
				node: child,
				mode: TransferCopy,
			})
		default:
			return fail(ErrCapabilityInvalid)
		}
	}

	var sr *stagedRegion
	if grant != nil {
		cap, node, obj, err := k.resolveCap(p, grant.Slot, 0)
		if err != nil {
			return fail(err)
		}
		if obj.Kind != KindMemoryRegion {
			k.releaseObject(cap.Object)
			return fail(ErrCapabilityInvalid)
		}
		rights := grant.Rights
		if rights == 0 {
			rights = cap.Rights & (RightRead | RightWrite | RightExecute)
		}
		if !rights.SubsetOf(cap.Rights) {
			k.releaseObject(cap.Object)
			return fail(ErrPermissionDenied)
		}
		child, ok := k.capreg.addNode(node, nil, 0)
		if !ok {
			k.releaseObject(cap.Object)
			return fail(ErrRevoked)
		}
		k.objects.retain(cap.Object)
		k.releaseObject(cap.Object)
		sr = &stagedRegion{
			staged: stagedCap{
				cap:  Capability{Object: cap.Object, Rights: rights, Badge: cap.Badge},
				node: child,
				mode: TransferCopy,
			},
			rights: rights,
			hint:   grant.VirtualHint,
		}
	}
	return staged, sr, nil
}

// dropStaged destroys one in-transit capability.
func (k *Kernel) dropStaged(st stagedCap) {
	k.capreg.collectSubtree(st.node)
	k.capreg.reap([]int32{st.node})
	k.releaseObject(st.cap.Object)
}

// rollbackStaged undoes staging after a pre-acceptance failure: moved
// capabilities go back to the sender, copies are destroyed.
func (k *Kernel) rollbackStaged(p *Process, caps []stagedCap, region *stagedRegion) {
	for _, st := range caps {
		if st.mode == TransferMove && p != nil && !p.isTerminated() {
			if _, ok := k.installStaged(p, st); ok {
				continue
			}
			// installStaged already dropped the reference on failure.
			continue
		}
		k.dropStaged(st)
	}
	if region != nil {
		k.dropStaged(region.staged)
	}
}

// unstageEnvelope rolls an unaccepted envelope's transfers back to its
// sender.
func (k *Kernel) unstageEnvelope(env *envelope) {
	var p *Process
	if env.owner != nil {
		p = env.owner.proc
	}
	k.rollbackStaged(p, env.caps, env.region)
	env.caps = nil
	env.region = nil
}

// dropEnvelope destroys an accepted-but-undeliverable envelope (endpoint
// torn down with messages still queued). Moved capabilities died with the
// message; nothing returns to the sender.
func (k *Kernel) dropEnvelope(env *envelope) {
	for _, st := range env.caps {
		k.dropStaged(st)
	}
	if env.region != nil {
		k.dropStaged(env.region.staged)
	}
	if !env.reply.IsZero() {
		k.dropStaged(env.replyStaged)
	}
	env.caps = nil
	env.region = nil
}

// buildDelivery installs an envelope's transfers into the receiving
// process and assembles its Delivery. Runs without the endpoint lock.
func (k *Kernel) buildDelivery(env *envelope, rp *Process) *Delivery {
	d := &Delivery{Data: env.data, Badge: env.badge}
	for _, st := range env.caps {
		slot, ok := k.installStaged(rp, st)
		if !ok {
			slot = 0
		}
		d.Caps = append(d.Caps, slot)
	}
	if env.region != nil {
		d.Region = k.installRegionGrant(env.region, rp)
	}
	if !env.reply.IsZero() {
		if slot, ok := k.installStaged(rp, env.replyStaged); ok {
			d.ReplySlot = slot
		}
	}
	env.caps = nil
	env.region = nil
	env.reply = ObjectRef{}
	return d
}

// installRegionGrant homes the region capability and maps the region into
// the receiver's address space through the memory manager collaborator.
func (k *Kernel) installRegionGrant(sr *stagedRegion, rp *Process) *RegionDelivery {
	regionRef := sr.staged.cap.Object
	slot, ok := k.installStaged(rp, sr.staged)
	if !ok {
		return nil
	}
	obj, found := k.objects.get(regionRef)
	if !found || obj.Kind != KindMemoryRegion {
		return &RegionDelivery{Slot: slot}
	}
	space := k.spaceOf(rp)
	if space == nil {
		return &RegionDelivery{Slot: slot}
	}
	vr, err := k.mm.Map(space, obj.Region.Phys, sr.rights, sr.hint)
	if err != nil {
		k.log.Warn("region grant mapping failed",
			zap.Uint32("pid", uint32(rp.id)),
			zap.Error(err))
		return &RegionDelivery{Slot: slot}
	}
	space.track(Mapping{Region: regionRef, Range: vr, Rights: sr.rights})
	return &RegionDelivery{Slot: slot, Range: vr}
}

// completeSendOwner resolves a parked plain sender after its envelope was
// accepted or failed.
func (k *Kernel) completeSendOwner(env *envelope, resp Response) {
	o := env.owner
	if o == nil || env.isCall {
		return
	}
	o.resolveWait()
	k.readyThread(o, resp)
	if !env.epRef.IsZero() {
		k.releaseObject(env.epRef)
		env.epRef = ObjectRef{}
	}
}

// finishReceive completes a parked receiver with an envelope claimed on
// its behalf. completeOwner is set when the envelope came off the send
// wait queue and its (plain) sender still blocks on acceptance.
func (k *Kernel) finishReceive(r *Thread, env *envelope, completeOwner bool) {
	d := k.buildDelivery(env, r.proc)
	if completeOwner {
		k.completeSendOwner(env, Response{Status: StatusOK, Bytes: len(env.data)})
	}
	epRef := r.wait.ep
	k.readyThread(r, Response{Status: StatusOK, Delivery: d})
	if !epRef.IsZero() {
		k.releaseObject(epRef)
	}
}

// transmit runs the send phase of send/call against an endpoint. The
// envelope's transfers are already staged; the caller holds an in-flight
// reference recorded in env.epRef.
func (k *Kernel) transmit(t *Thread, ep *Endpoint, env *envelope, deadline Deadline, isCall bool) (txResult, error) {
	ep.mu.Lock()
	if ep.state != EndpointActive {
		ep.mu.Unlock()
		return 0, ErrEndpointClosed
	}

	switch ep.mode {
	case Rendezvous:
		if r := ep.popReceiver(); r != nil {
			env.claim.Store(envConsumed)
			ep.mu.Unlock()
			k.recordMessage(ep)
			k.finishReceive(r, env, false)
			return txDelivered, nil
		}
		if deadline.Kind == DeadlineImmediate {
			ep.mu.Unlock()
			return 0, ErrWouldBlock
		}
		// The sender must be armed and Blocked before the envelope is
		// visible on the queue: the moment the lock drops, a receiver on
		// another core may claim it and ready the thread.
		k.parkSenderLocked(t, env, isCall)
		ep.sendQ = append(ep.sendQ, env)
		ep.mu.Unlock()
		if deadline.Kind == DeadlineAbsolute {
			k.armDeadline(t, deadline.Tick)
		}
		return txParked, nil

	case Mailbox:
		if len(ep.queue) < ep.capacity {
			if r := ep.popReceiver(); r != nil {
				env.claim.Store(envConsumed)
				ep.mu.Unlock()
				k.recordMessage(ep)
				k.finishReceive(r, env, false)
				return txDelivered, nil
			}
			env.claim.Store(envClaimed)
			env.markQueued()
			ep.queue = append(ep.queue, env)
			ep.mu.Unlock()
			k.recordMessage(ep)
			return txQueued, nil
		}
		if deadline.Kind == DeadlineImmediate {
			ep.mu.Unlock()
			return 0, ErrWouldBlock
		}
		k.parkSenderLocked(t, env, isCall)
		ep.sendQ = append(ep.sendQ, env)
		ep.mu.Unlock()
		if deadline.Kind == DeadlineAbsolute {
			k.armDeadline(t, deadline.Tick)
		}
		return txParked, nil

	default:
		ep.mu.Unlock()
		panic("kernel: endpoint with unknown mode")
	}
}

// parkSenderLocked arms and blocks a plain sender ahead of its envelope
// going on the send queue. Call senders are already armed and Blocked on
// their reply endpoint. Called with ep.mu held.
func (k *Kernel) parkSenderLocked(t *Thread, env *envelope, isCall bool) {
	if !isCall {
		t.armWait(BlockSend, env.epRef, env)
		k.blockCurrent(t)
	}
}

// failEnvelope resolves an unaccepted waiting envelope with cause,
// unwinding its transfers and waking its owner. The caller has claimed
// the envelope.
func (k *Kernel) failEnvelope(env *envelope, cause error) {
	k.unstageEnvelope(env)
	o := env.owner
	if o != nil {
		if env.isCall {
			if o.tryResolveWait() {
				k.killReplyEndpoint(o.wait.ep)
				k.readyThread(o, errResponse(cause))
			}
		} else {
			o.resolveWait()
			k.readyThread(o, errResponse(cause))
		}
	}
	if !env.reply.IsZero() {
		k.dropStaged(env.replyStaged)
		env.reply = ObjectRef{}
	}
	if !env.epRef.IsZero() {
		k.releaseObject(env.epRef)
		env.epRef = ObjectRef{}
	}
}

// closeEndpoint begins the Closing transition: waiting threads wake with
// cause, new sends and receives are refused, queued messages stay for
// draining. Destruction completes once nothing is queued or waiting.
func (k *Kernel) closeEndpoint(ep *Endpoint, cause error) {
	ep.mu.Lock()
	if ep.state == EndpointDestroyed {
		ep.mu.Unlock()
		return
	}
	ep.state = EndpointClosing
	var senders []*envelope
	for {
		e := ep.popSender()
		if e == nil {
			break
		}
		senders = append(senders, e)
	}
	var receivers []*Thread
	for {
		r := ep.popReceiver()
		if r == nil {
			break
		}
		receivers = append(receivers, r)
	}
	if ep.drainedIdle() {
		ep.state = EndpointDestroyed
	}
	ep.mu.Unlock()

	k.emit(Event{Kind: EventEndpointClosed, Endpoint: uint32(ep.self.index)})
	for _, r := range receivers {
		epRef := r.wait.ep
		k.readyThread(r, errResponse(cause))
		if !epRef.IsZero() {
			k.releaseObject(epRef)
		}
	}
	for _, e := range senders {
		k.failEnvelope(e, cause)
	}
}

// destroyEndpointQueue drops messages that can no longer be drained (the
// object itself died).
func (k *Kernel) destroyEndpointQueue(ep *Endpoint) {
	ep.mu.Lock()
	var dropped []*envelope
	for {
		e := ep.popQueued()
		if e == nil {
			break
		}
		dropped = append(dropped, e)
	}
	ep.state = EndpointDestroyed
	ep.mu.Unlock()
	for _, e := range dropped {
		k.dropEnvelope(e)
	}
}

// endpointFinalize runs when the last reference to an endpoint drops: no
// capability names it anymore and no in-flight operation holds it.
func (k *Kernel) endpointFinalize(ep *Endpoint) {
	cause := ErrEndpointClosed
	if ep.oneShot {
		// The only way a reply endpoint loses all references before use
		// is its holder dying.
		cause = ErrProcessTerminated
	}
	k.closeEndpoint(ep, cause)
	k.destroyEndpointQueue(ep)
}

// killReplyEndpoint seals a one-shot reply endpoint whose caller gave up
// (timeout or termination). A late reply then fails ErrEndpointClosed and
// still burns the reply capability, which drops the object itself.
func (k *Kernel) killReplyEndpoint(ref ObjectRef) {
	if obj, ok := k.objects.get(ref); ok && obj.Kind == KindEndpoint {
		ep := obj.Endpoint
		ep.mu.Lock()
		ep.state = EndpointDestroyed
		ep.recvQ = nil
		ep.mu.Unlock()
	}
}

func (k *Kernel) recordMessage(ep *Endpoint) {
	if k.metrics != nil {
		k.metrics.RecordIPCMessage(ep.mode.String())
	}
}

// sysSend implements the send syscall.
func (k *Kernel) sysSend(t *Thread, slot uint32, data []byte, transfers []CapTransfer, grant *RegionGrant, deadline Deadline) Response {
	payload, err := copyPayload(data)
	if err != nil {
		return errResponse(err)
	}
	need := RightSend
	if len(transfers) > 0 || grant != nil {
		need |= RightGrant
	}
	cap, _, obj, err := k.resolveCap(t.proc, slot, need)
	if err != nil {
		return errResponse(err)
	}
	if obj.Kind != KindEndpoint || obj.Endpoint.oneShot {
		k.releaseObject(cap.Object)
		return errResponse(ErrCapabilityInvalid)
	}
	staged, sr, err := k.stageTransfers(t.proc, transfers, grant)
	if err != nil {
		k.releaseObject(cap.Object)
		return errResponse(err)
	}

	env := &envelope{
		owner:  t,
		badge:  cap.Badge,
		data:   payload,
		caps:   staged,
		region: sr,
		epRef:  cap.Object,
	}
	res, err := k.transmit(t, obj.Endpoint, env, deadline, false)
	if err != nil {
		k.unstageEnvelope(env)
		k.releaseObject(cap.Object)
		return errResponse(err)
	}
	switch res {
	case txDelivered, txQueued:
		env.epRef = ObjectRef{}
		k.releaseObject(cap.Object)
		return Response{Status: StatusOK, Bytes: len(env.data)}
	default: // txParked
		return Response{Parked: true}
	}
}

// sysReceive implements the receive syscall.
func (k *Kernel) sysReceive(t *Thread, slot uint32, deadline Deadline) Response {
	cap, _, obj, err := k.resolveCap(t.proc, slot, RightReceive)
	if err != nil {
		return errResponse(err)
	}
	if obj.Kind != KindEndpoint {
		k.releaseObject(cap.Object)
		return errResponse(ErrCapabilityInvalid)
	}
	ep := obj.Endpoint

	ep.mu.Lock()
	if ep.state == EndpointDestroyed ||
		(ep.state == EndpointClosing && (ep.mode != Mailbox || len(ep.queue) == 0)) {
		ep.mu.Unlock()
		k.releaseObject(cap.Object)
		return errResponse(ErrEndpointClosed)
	}

	if ep.mode == Mailbox {
		if env := ep.popQueued(); env != nil {
			var admitted *envelope
			if len(ep.queue) < ep.capacity {
				if s := ep.popSender(); s != nil {
					s.markQueued()
					ep.queue = append(ep.queue, s)
					admitted = s
				}
			}
			if ep.state == EndpointClosing && ep.drainedIdle() {
				ep.state = EndpointDestroyed
			}
			ep.mu.Unlock()

			if admitted != nil {
				k.recordMessage(ep)
				k.completeSendOwner(admitted, Response{Status: StatusOK, Bytes: len(admitted.data)})
				if admitted.isCall && !admitted.epRef.IsZero() {
					// An admitted call finished its send phase; only the
					// reply remains outstanding, so the in-flight endpoint
					// hold drops here.
					k.releaseObject(admitted.epRef)
					admitted.epRef = ObjectRef{}
				}
			}
			d := k.buildDelivery(env, t.proc)
			k.releaseObject(cap.Object)
			return Response{Status: StatusOK, Delivery: d, Bytes: len(d.Data)}
		}
	} else {
		if env := ep.popSender(); env != nil {
			ep.mu.Unlock()
			k.recordMessage(ep)
			d := k.buildDelivery(env, t.proc)
			k.completeSendOwner(env, Response{Status: StatusOK, Bytes: len(d.Data)})
			if env.isCall && !env.epRef.IsZero() {
				// Send phase of a call completed; the caller keeps
				// blocking on its reply endpoint only.
				k.releaseObject(env.epRef)
				env.epRef = ObjectRef{}
			}
			k.releaseObject(cap.Object)
			return Response{Status: StatusOK, Delivery: d, Bytes: len(d.Data)}
		}
	}

	if ep.state == EndpointClosing {
		ep.mu.Unlock()
		k.releaseObject(cap.Object)
		return errResponse(ErrEndpointClosed)
	}
	if deadline.Kind == DeadlineImmediate {
		ep.mu.Unlock()
		k.releaseObject(cap.Object)
		return errResponse(ErrWouldBlock)
	}

	// Arm and block before publication on recvQ: once the lock drops, a
	// sender on another core may pop this thread and ready it.
	t.armWait(BlockReceive, cap.Object, nil)
	k.blockCurrent(t)
	ep.recvQ = append(ep.recvQ, t)
	ep.mu.Unlock()

	if deadline.Kind == DeadlineAbsolute {
		k.armDeadline(t, deadline.Tick)
	}
	return Response{Parked: true}
}

// sysCall implements the call syscall: a send fused with a kernel-minted
// one-shot reply capability, so replies cannot be forged or doubled.
func (k *Kernel) sysCall(t *Thread, slot uint32, data []byte, transfers []CapTransfer, grant *RegionGrant, deadline Deadline) Response {
	payload, err := copyPayload(data)
	if err != nil {
		return errResponse(err)
	}
	need := RightSend
	if len(transfers) > 0 || grant != nil {
		need |= RightGrant
	}
	cap, _, obj, err := k.resolveCap(t.proc, slot, need)
	if err != nil {
		return errResponse(err)
	}
	if obj.Kind != KindEndpoint || obj.Endpoint.oneShot {
		k.releaseObject(cap.Object)
		return errResponse(ErrCapabilityInvalid)
	}
	staged, sr, err := k.stageTransfers(t.proc, transfers, grant)
	if err != nil {
		k.releaseObject(cap.Object)
		return errResponse(err)
	}

	// Mint the reply endpoint and park on it before transmitting, so a
	// fast replier cannot miss the caller.
	// The creation reference travels with the staged reply capability; the
	// caller's park is an uncounted name, so the endpoint finalizes the
	// moment the last reply capability dies and the finalizer wakes the
	// caller.
	rep := &Endpoint{mode: Rendezvous, state: EndpointActive, oneShot: true, owner: t.proc.id}
	repRef := k.objects.insert(&KernelObject{Kind: KindEndpoint, Endpoint: rep})
	rep.self = repRef
	replyNode, _ := k.capreg.addNode(noNode, nil, 0)

	env := &envelope{
		owner:  t,
		isCall: true,
		badge:  cap.Badge,
		data:   payload,
		caps:   staged,
		region: sr,
		reply:  repRef,
		replyStaged: stagedCap{
			cap:  Capability{Object: repRef, Rights: RightSend | RightGrant},
			node: replyNode,
			mode: TransferMove,
		},
		epRef: cap.Object,
	}

	t.armWait(BlockCall, repRef, env)
	k.blockCurrent(t)
	rep.mu.Lock()
	rep.recvQ = append(rep.recvQ, t)
	rep.mu.Unlock()

	res, err := k.transmit(t, obj.Endpoint, env, deadline, true)
	if err != nil {
		// Unpark: nothing else can have resolved the wait yet (no
		// deadline armed, envelope never exposed).
		if !t.tryResolveWait() {
			panic("kernel: call wait resolved before transmit")
		}
		if !t.casState(ThreadBlocked, ThreadRunning) {
			panic("kernel: call thread left blocked state early")
		}
		k.dropStaged(env.replyStaged)
		k.killReplyEndpoint(repRef)
		k.unstageEnvelope(env)
		k.releaseObject(cap.Object)
		return errResponse(err)
	}
	if res != txParked {
		// Send phase done; only the reply remains outstanding.
		env.epRef = ObjectRef{}
		k.releaseObject(cap.Object)
		if deadline.Kind == DeadlineAbsolute {
			k.armDeadline(t, deadline.Tick)
		}
	}
	return Response{Parked: true}
}

// sysReply implements the reply syscall. The reply capability is consumed
// regardless of the outcome; a second reply finds an empty slot.
func (k *Kernel) sysReply(t *Thread, slot uint32, data []byte, transfers []CapTransfer, grant *RegionGrant) Response {
	need := RightSend
	if len(transfers) > 0 || grant != nil {
		need |= RightGrant
	}
	cap, _, obj, err := k.resolveCap(t.proc, slot, need)
	if err != nil {
		return errResponse(err)
	}
	if obj.Kind != KindEndpoint || !obj.Endpoint.oneShot {
		k.releaseObject(cap.Object)
		return errResponse(ErrCapabilityInvalid)
	}
	rep := obj.Endpoint

	// The reply capability is consumed whatever happens next, including a
	// bad payload.
	payload, err := copyPayload(data)
	if err != nil {
		k.clearCap(t.proc, slot)
		k.releaseObject(cap.Object)
		return errResponse(err)
	}
	staged, sr, err := k.stageTransfers(t.proc, transfers, grant)
	if err != nil {
		k.clearCap(t.proc, slot)
		k.releaseObject(cap.Object)
		return errResponse(err)
	}
	env := &envelope{owner: t, badge: cap.Badge, data: payload, caps: staged, region: sr}

	rep.mu.Lock()
	var caller *Thread
	if rep.state == EndpointActive {
		caller = rep.popReceiver()
	}
	if caller != nil {
		rep.state = EndpointDestroyed
	}
	rep.mu.Unlock()

	if caller == nil {
		// Caller timed out or died; the reply capability still burns.
		k.unstageEnvelope(env)
		k.clearCap(t.proc, slot)
		k.releaseObject(cap.Object)
		return errResponse(ErrEndpointClosed)
	}

	k.recordMessage(rep)
	d := k.buildDelivery(env, caller.proc)
	k.readyThread(caller, Response{Status: StatusOK, Delivery: d, Bytes: len(d.Data)})

	k.clearCap(t.proc, slot)
	k.releaseObject(cap.Object)
	return Response{Status: StatusOK, Bytes: len(env.data)}
}

// deliverIRQ turns a device interrupt into a kernel-originated message on
// the endpoint bound to its vector. Never blocks: rendezvous delivery
// happens only if a receiver is present, mailbox delivery only if there is
// room; otherwise the event is dropped and counted.
func (k *Kernel) deliverIRQ(ep *Endpoint, vector uint32) bool {
	env := &envelope{data: []byte{byte(vector), byte(vector >> 8), byte(vector >> 16), byte(vector >> 24)}}
	ep.mu.Lock()
	if ep.state != EndpointActive {
		ep.mu.Unlock()
		return false
	}
	if r := ep.popReceiver(); r != nil {
		env.claim.Store(envConsumed)
		ep.mu.Unlock()
		k.finishReceive(r, env, false)
		return true
	}
	if ep.mode == Mailbox && len(ep.queue) < ep.capacity {
		env.claim.Store(envClaimed)
		env.markQueued()
		ep.queue = append(ep.queue, env)
		ep.mu.Unlock()
		return true
	}
	ep.mu.Unlock()
	return false
}

// copyPayload validates and detaches an inline payload from caller memory.
// Oversize payloads are refused outright; bulk data rides as region grants.
func copyPayload(data []byte) ([]byte, error) {
	if len(data) > MaxInlinePayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func errResponse(err error) Response {
	return Response{Status: statusOf(err), Err: err}
}
