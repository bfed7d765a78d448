// Package cache implements the coherent per-cache controller: a
// pending-request table with same-line dependency chaining, an
// event-flag bitset tracking in-flight sub-operations per entry, and a
// pluggable coherence.Protocol driving every hit/miss classification.
package cache

import (
	"github.com/sarchlab/memhier/cacheline"
	"github.com/sarchlab/memhier/coherence"
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// flag is one bit of an entry's in-flight-sub-operation bitset. Each
// scheduled event sets its bit when scheduled and clears it when it
// runs; the entry is reclaimed only once the whole bitset is zero.
type flag uint8

const (
	flagAccess flag = 1 << iota
	flagHit
	flagMiss
	flagInsert
	flagInsertComplete
	flagWaitInterconnect
)

// pendingEntry tracks one in-flight access through the controller.
type pendingEntry struct {
	inUse bool

	req      request.Handle
	addr     uint64
	op       request.Op
	fromID   message.ControllerID
	fromIC   interconnect.Interconnect
	flags    flag
	depends  int // index of the next entry chained behind this one, -1 if none
	waitFor  int // index of the entry this one is chained behind, -1 if none
	annulled bool
	isSnoop  bool
	decision coherence.Decision
}

func (e *pendingEntry) busy() bool { return e.flags != 0 }

// Config parameterizes a Controller.
type Config struct {
	PendingDepth        int
	ReserveInterconnect int
	ReserveInternal     int
	LowestPrivate       bool
	// OwnerCore is the core this private cache belongs to; transactional
	// conflicts detected here (eviction of a marked line, a peer's
	// snoop write) abort that core's transaction.
	OwnerCore int
	// LowerDest addresses this cache's next-level neighbor on lowerIC,
	// needed whenever lowerIC fans out to more than two endpoints (a
	// Switch or Bus); a point-to-point lowerIC ignores it.
	LowerDest message.ControllerID
}

// Controller is one coherent cache's state machine.
type Controller struct {
	id       message.ControllerID
	q        *event.Queue
	reqPool  *request.Pool
	msgPool  *message.Pool
	lines    *cacheline.Array
	protocol coherence.Protocol
	cfg      Config

	upperIC interconnect.Interconnect
	lowerIC interconnect.Interconnect

	entries   []pendingEntry
	free      []int
	chainHead map[uint64]int // addr -> first entry index in its dependency chain
	awaiting  map[request.Handle]int

	// stats
	Hits             uint64
	Misses           uint64
	PortStalls       uint64
	DependencyStalls uint64
}

// New creates a coherent cache controller.
func New(id message.ControllerID, q *event.Queue, reqPool *request.Pool, msgPool *message.Pool, lines *cacheline.Array, protocol coherence.Protocol, upperIC, lowerIC interconnect.Interconnect, cfg Config) *Controller {
	if cfg.PendingDepth <= 0 {
		cfg.PendingDepth = 32
	}
	c := &Controller{
		id:        id,
		q:         q,
		reqPool:   reqPool,
		msgPool:   msgPool,
		lines:     lines,
		protocol:  protocol,
		cfg:       cfg,
		upperIC:   upperIC,
		lowerIC:   lowerIC,
		entries:   make([]pendingEntry, cfg.PendingDepth),
		chainHead: make(map[uint64]int),
		awaiting:  make(map[request.Handle]int),
	}
	for i := range c.entries {
		c.entries[i].depends = -1
		c.entries[i].waitFor = -1
	}
	for i := cfg.PendingDepth - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	return c
}

func (c *Controller) ID() message.ControllerID { return c.id }

// IsFull implements the interconnect.Controller back-pressure probe.
// An interconnect-delivered arrival only needs to clear the smaller
// reserve; internally generated traffic needs the larger one and so
// sees full sooner.
func (c *Controller) IsFull(fromInterconnect bool) bool {
	reserve := c.cfg.ReserveInternal
	if fromInterconnect {
		reserve = c.cfg.ReserveInterconnect
	}
	return len(c.entries)-len(c.free) >= len(c.entries)-reserve
}

func (c *Controller) allocEntry() (int, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.entries[idx] = pendingEntry{inUse: true, depends: -1, waitFor: -1}
	return idx, true
}

func (c *Controller) freeEntry(idx int) {
	e := &c.entries[idx]
	if e.busy() || !e.inUse {
		return
	}
	delete(c.awaiting, e.req)

	if e.waitFor == -1 {
		if head, ok := c.chainHead[e.addr]; ok && head == idx {
			if e.depends == -1 {
				delete(c.chainHead, e.addr)
			} else {
				c.chainHead[e.addr] = e.depends
				c.entries[e.depends].waitFor = -1
				c.scheduleAccess(e.depends)
			}
		}
	} else {
		c.entries[e.waitFor].depends = e.depends
		if e.depends != -1 {
			c.entries[e.depends].waitFor = e.waitFor
		}
	}

	c.reqPool.Release(e.req)
	*e = pendingEntry{depends: -1, waitFor: -1}
	c.free = append(c.free, idx)
}

// Receive implements interconnect.Controller: messages arriving over
// upperIC start a new producer-side access; messages arriving over
// lowerIC are either a fill response to our own outstanding request or
// a snoop/query from a peer.
func (c *Controller) Receive(ic interconnect.Interconnect, msg message.Message) bool {
	if ic == c.lowerIC {
		return c.receiveFromBelow(msg)
	}
	return c.receiveFromAbove(ic, msg)
}

// receiveFromAbove starts a producer-side access: allocate an entry,
// chain it behind any same-line predecessor, else begin the cache
// access immediately.
func (c *Controller) receiveFromAbove(ic interconnect.Interconnect, msg message.Message) bool {
	if c.IsFull(true) {
		return false
	}
	req := c.reqPool.Get(msg.Request)
	if req == nil {
		return true
	}
	if req.IsPrefetch && c.IsFull(false) {
		return false
	}

	idx, ok := c.allocEntry()
	if !ok {
		return false
	}
	c.reqPool.Retain(msg.Request)

	e := &c.entries[idx]
	e.req = msg.Request
	e.addr = c.lineTag(req.PhysAddr)
	e.op = req.Op
	e.fromID = msg.Sender
	e.fromIC = ic
	e.isSnoop = false

	if head, chained := c.chainHead[e.addr]; chained {
		c.DependencyStalls++
		c.appendChain(head, idx)
		return true
	}
	c.chainHead[e.addr] = idx
	c.scheduleAccess(idx)
	return true
}

// receiveFromBelow handles both a fill response for one of our own
// outstanding downward requests and a snoop/query arriving from a peer
// or lower level (treated symmetrically to receiveFromAbove, but
// dispatched through the interconnect-hit/miss tables).
func (c *Controller) receiveFromBelow(msg message.Message) bool {
	if idx, ok := c.awaiting[msg.Request]; ok {
		c.completeFill(idx, msg)
		return true
	}

	// A data-bearing message not matching our awaiting table is another
	// cache's fill passing on a shared fabric; absorb it.
	if msg.HasData {
		return true
	}

	if c.IsFull(true) {
		return false
	}
	req := c.reqPool.Get(msg.Request)
	if req == nil {
		return true
	}

	idx, ok := c.allocEntry()
	if !ok {
		return false
	}
	c.reqPool.Retain(msg.Request)

	e := &c.entries[idx]
	e.req = msg.Request
	e.addr = c.lineTag(req.PhysAddr)
	e.op = req.Op
	e.fromID = msg.Sender
	e.fromIC = c.lowerIC
	e.isSnoop = true

	if head, chained := c.chainHead[e.addr]; chained {
		c.appendChain(head, idx)
		return true
	}
	c.chainHead[e.addr] = idx
	c.scheduleAccess(idx)
	return true
}

func (c *Controller) appendChain(head, idx int) {
	cur := head
	for c.entries[cur].depends != -1 {
		cur = c.entries[cur].depends
	}
	c.entries[cur].depends = idx
	c.entries[idx].waitFor = cur
}

func (c *Controller) scheduleAccess(idx int) {
	c.entries[idx].flags |= flagAccess
	c.q.AddEvent(0, "cache-access", func(any) bool {
		c.cacheAccess(idx)
		return true
	}, nil)
}

// cacheAccess meters a port, probes the array, and schedules the
// hit/miss classification after the access latency. With no port free
// it retries next cycle.
func (c *Controller) cacheAccess(idx int) {
	e := &c.entries[idx]
	e.flags &^= flagAccess
	if e.annulled {
		c.freeEntry(idx)
		return
	}

	isWrite := e.op == request.OpWrite || e.op == request.OpUpdate || e.op == request.OpEvict
	if !c.lines.GetPort(c.q.Now(), isWrite) {
		c.PortStalls++
		e.flags |= flagAccess
		c.q.AddEvent(1, "cache-access-retry", func(any) bool {
			c.cacheAccess(idx)
			return true
		}, nil)
		return
	}

	line, present := c.lines.Probe(e.addr)
	valid := present && c.protocol.IsLineValid(line.State())

	if valid {
		c.Hits++
		e.flags |= flagHit
	} else {
		c.Misses++
		e.flags |= flagMiss
	}

	delay := c.lines.AccessLatency()
	c.q.AddEvent(delay, "cache-classify", func(any) bool {
		if valid {
			c.cacheHit(idx)
		} else {
			c.cacheMiss(idx)
		}
		return true
	}, nil)
}

// cacheHit consults the protocol's hit tables and carries out the
// resulting state change and response direction.
func (c *Controller) cacheHit(idx int) {
	e := &c.entries[idx]
	e.flags &^= flagHit
	if e.annulled {
		c.freeEntry(idx)
		return
	}

	line, present := c.lines.Probe(e.addr)
	if !present {
		c.cacheMiss(idx)
		return
	}

	op := toCoherenceOp(e.op)
	var d coherence.Decision
	var isHit bool
	if e.isSnoop {
		if op == coherence.OpWrite && c.protocol.OnSnoopWrite(line.State()) {
			d.Abort = true
			if tsx, ok := c.protocol.(coherence.TSXAware); ok {
				tsx.Abort(c.cfg.OwnerCore)
			}
		}
		var hitDecision coherence.Decision
		hitDecision, isHit = c.protocol.HandleInterconnHit(op, line.State(), c.cfg.LowestPrivate)
		hitDecision.Abort = d.Abort
		d = hitDecision
	} else {
		d, isHit = c.protocol.HandleLocalHit(op, line.State(), c.cfg.LowestPrivate)
	}

	if !isHit {
		c.cacheMiss(idx)
		return
	}

	e.decision = d
	c.finishHit(idx, line)
}

func (c *Controller) finishHit(idx int, line *cacheline.Line) {
	e := &c.entries[idx]
	// Membership bits mark the owning core's own accesses only; a snoop
	// must not enroll the line in the snooper's transaction.
	if tsx, ok := c.protocol.(coherence.TSXAware); ok && !e.isSnoop {
		line.SetState(tsx.ApplyMembership(e.decision.NewState, c.cfg.OwnerCore, e.op == request.OpWrite))
	} else {
		line.SetState(e.decision.NewState)
	}
	c.scheduleWaitInterconnect(idx)
}

// cacheMiss consults the protocol's miss tables, which usually point
// the entry downstream.
func (c *Controller) cacheMiss(idx int) {
	e := &c.entries[idx]
	e.flags &^= flagMiss
	if e.annulled {
		c.freeEntry(idx)
		return
	}

	op := toCoherenceOp(e.op)
	var d coherence.Decision
	if e.isSnoop {
		d = c.protocol.HandleInterconnMiss(op)
	} else {
		d = c.protocol.HandleLocalMiss(op, c.cfg.LowestPrivate)
	}
	e.decision = d
	c.scheduleWaitInterconnect(idx)
}

func (c *Controller) scheduleWaitInterconnect(idx int) {
	c.entries[idx].flags |= flagWaitInterconnect
	c.q.AddEvent(0, "wait-interconnect", func(any) bool {
		c.waitInterconnect(idx)
		return true
	}, nil)
}

// waitInterconnect emits the entry's decided message. A refused send
// retries after the fabric's advertised delay; a successful upstream
// response or fire-and-forget update/evict frees the entry, while a
// downstream request parks it in the awaiting table.
func (c *Controller) waitInterconnect(idx int) {
	e := &c.entries[idx]
	if e.annulled {
		e.flags &^= flagWaitInterconnect
		c.freeEntry(idx)
		return
	}
	d := e.decision

	if d.RespondUp {
		resp := message.Message{
			Sender:   c.id,
			Request:  e.req,
			Dest:     e.fromID,
			HasDest:  true,
			HasData:  d.RespondData,
			IsShared: d.IsShared,
		}
		if e.fromIC.Send(c.id, resp) {
			e.flags &^= flagWaitInterconnect
			c.freeEntry(idx)
			return
		}
		c.q.AddEvent(delayMin1(e.fromIC.Delay()), "wait-interconnect-retry", func(any) bool {
			c.waitInterconnect(idx)
			return true
		}, nil)
		return
	}

	if d.SendDown {
		down := message.Message{Sender: c.id, Request: e.req, Dest: c.cfg.LowerDest, HasDest: true}
		if c.lowerIC.Send(c.id, down) {
			e.flags &^= flagWaitInterconnect
			if e.op == request.OpUpdate || e.op == request.OpEvict {
				c.freeEntry(idx)
			} else {
				c.awaiting[e.req] = idx
			}
			return
		}
		c.q.AddEvent(delayMin1(c.lowerIC.Delay()), "wait-interconnect-retry", func(any) bool {
			c.waitInterconnect(idx)
			return true
		}, nil)
		return
	}

	e.flags &^= flagWaitInterconnect
	c.freeEntry(idx)
}

// completeFill finishes a miss once its response arrives: re-insert
// the line (possibly evicting and writing back another), then complete
// the insert and answer the original upper sender one cycle apart.
func (c *Controller) completeFill(idx int, msg message.Message) {
	e := &c.entries[idx]
	delete(c.awaiting, e.req)

	newState := c.protocol.CompleteRequest(toCoherenceOp(e.op), msg.IsShared)
	line, oldTag, oldState, evicted := c.lines.Select(e.addr)

	if evicted {
		if c.protocol.OnEvict(oldState) {
			if tsx, ok := c.protocol.(coherence.TSXAware); ok {
				tsx.Abort(c.cfg.OwnerCore)
			}
		}
		if !c.pendingHasLine(oldTag) && (coherence.BaseState(oldState) == coherence.Modified || coherence.BaseState(oldState) == coherence.Owner) {
			req := c.reqPool.Get(e.req)
			wbh := c.reqPool.Alloc(oldTag, request.OpUpdate, req.CoreID, req.ThreadID, -1, 0, c.q.Now(), false, req.IsKernel)
			c.sendWriteBack(wbh)
		}
	}

	if tsx, ok := c.protocol.(coherence.TSXAware); ok && !e.isSnoop {
		line.SetState(tsx.ApplyMembership(newState, c.cfg.OwnerCore, e.op == request.OpWrite))
	} else {
		line.SetState(newState)
	}

	e.flags |= flagInsertComplete | flagWaitInterconnect
	e.decision = coherence.Decision{RespondUp: true, RespondData: true}

	c.q.AddEvent(0, "cache-insert", func(any) bool {
		e.flags &^= flagInsertComplete
		if !e.busy() {
			c.freeEntry(idx)
		}
		return true
	}, nil)
	c.q.AddEvent(1, "wait-interconnect", func(any) bool {
		c.waitInterconnect(idx)
		return true
	}, nil)
}

// sendWriteBack pushes an eviction's update toward the next level,
// retrying at the interconnect's advertised delay while its queue is
// full. The loop holds the write-back request's only local reference
// and drops it once the fabric has taken the message.
func (c *Controller) sendWriteBack(h request.Handle) {
	wb := message.Message{Sender: c.id, Request: h, Dest: c.cfg.LowerDest, HasDest: true}
	if c.lowerIC.Send(c.id, wb) {
		c.reqPool.Release(h)
		return
	}
	c.q.AddEvent(delayMin1(c.lowerIC.Delay()), "writeback-retry", func(any) bool {
		c.sendWriteBack(h)
		return true
	}, nil)
}

// pendingHasLine reports whether any other pending entry references
// addr's tag. A replaced line still in use by another pending request
// skips the eviction write-back; it is evicted naturally when that
// request completes.
func (c *Controller) pendingHasLine(tag uint64) bool {
	_, ok := c.chainHead[tag]
	return ok
}

// AnnulRequest cancels every entry for h. An idle entry is freed on
// the spot; a busy one is marked and reclaimed at its next scheduled
// decision point, whose event becomes a no-op.
func (c *Controller) AnnulRequest(h request.Handle) {
	for idx := range c.entries {
		e := &c.entries[idx]
		if !e.inUse || e.req != h || e.annulled {
			continue
		}
		e.annulled = true
		if !e.busy() {
			c.freeEntry(idx)
		}
	}
}

// AccessFastPath lets a producer-side access bypass the
// pending-request machinery entirely when there is no same-line
// dependency, the line probes valid, and the access is not a write.
// Writes always take the slow path because coherence updates may be
// required.
func (c *Controller) AccessFastPath(addr uint64, isWrite bool) (latency uint64, ok bool) {
	if isWrite {
		return 0, false
	}
	if _, chained := c.chainHead[c.lineTag(addr)]; chained {
		return 0, false
	}
	line, present := c.lines.Probe(addr)
	if !present || !c.protocol.IsLineValid(line.State()) {
		return 0, false
	}
	return c.lines.AccessLatency(), true
}

// lineTag rounds addr down to its containing line's base address, so
// chain and same-line-lock bookkeeping compares on the same granularity
// cacheline.Array.Select reports evicted tags in.
func (c *Controller) lineTag(addr uint64) uint64 {
	lineSize := uint64(c.lines.Config().LineSize)
	if lineSize == 0 {
		return addr
	}
	return addr &^ (lineSize - 1)
}

// Lines exposes the controller's line array for coherence-invariant
// scans, state dumps, and TSX membership sweeps by the facade.
func (c *Controller) Lines() *cacheline.Array { return c.lines }

// Protocol returns the active coherence protocol.
func (c *Controller) Protocol() coherence.Protocol { return c.protocol }

// PendingCount returns the number of occupied pending-table slots.
func (c *Controller) PendingCount() int { return len(c.entries) - len(c.free) }

// PendingInfo is one pending-table row, exported for state dumps.
type PendingInfo struct {
	Addr     uint64
	Op       request.Op
	Busy     bool
	Annulled bool
	Snoop    bool
}

// DumpPending snapshots the occupied pending-table rows.
func (c *Controller) DumpPending() []PendingInfo {
	var out []PendingInfo
	for i := range c.entries {
		e := &c.entries[i]
		if !e.inUse {
			continue
		}
		out = append(out, PendingInfo{
			Addr: e.addr, Op: e.op,
			Busy: e.busy(), Annulled: e.annulled, Snoop: e.isSnoop,
		})
	}
	return out
}

// Reset drops every pending entry, releasing its request reference, and
// invalidates the line array. The caller must reset the event queue
// first so no scheduled event still references a dropped entry.
func (c *Controller) Reset() {
	for i := range c.entries {
		if c.entries[i].inUse {
			c.reqPool.Release(c.entries[i].req)
		}
		c.entries[i] = pendingEntry{depends: -1, waitFor: -1}
	}
	c.free = c.free[:0]
	for i := len(c.entries) - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	c.chainHead = make(map[uint64]int)
	c.awaiting = make(map[request.Handle]int)
	c.lines.Reset()
}

func delayMin1(d uint64) uint64 {
	if d < 1 {
		return 1
	}
	return d
}

func toCoherenceOp(op request.Op) coherence.Op {
	switch op {
	case request.OpWrite:
		return coherence.OpWrite
	case request.OpUpdate:
		return coherence.OpUpdate
	case request.OpEvict:
		return coherence.OpEvict
	default:
		return coherence.OpRead
	}
}
