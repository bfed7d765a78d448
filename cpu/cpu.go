// Package cpu implements the CPU-side controller, the front-end a core
// talks to: it serializes the producer's requests into a small pending
// queue, deduplicates same-line misses, keeps an I-cache read buffer
// and a store buffer, and delivers the icache/dcache wake-up callbacks
// once the hierarchy answers.
package cpu

import (
	"github.com/sarchlab/memhier/cache"
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// flushCycles is the draining cost Flush reports to the producer.
const flushCycles = 4

// Wakeup carries the producer-supplied completion callbacks.
type Wakeup struct {
	ICache func(coreID int, physAddr uint64)
	DCache func(coreID, threadID, robID int, seq uint64, physAddr uint64)
}

// Config parameterizes a Controller.
type Config struct {
	CoreID int
	// QueueDepth bounds the pending-request FIFO. Default 8.
	QueueDepth int
	// ICacheBufferSize bounds the I-cache read buffer: line addresses of
	// recently delivered instruction fetches, answered without another
	// round-trip while retained. Default 16.
	ICacheBufferSize int
	// StoreBufferSize bounds the store buffer. Zero disables it: stores
	// then drain to L1 immediately instead of waiting for CommitStore.
	StoreBufferSize int
	// LineSize aligns same-line dedup and the I-cache buffer.
	LineSize int
}

type entry struct {
	inUse    bool
	req      request.Handle
	addr     uint64
	op       request.Op
	isICache bool
	issued   bool
	annulled bool
	// noWake marks an entry generated internally (a drained store whose
	// producer was already woken on buffer acceptance).
	noWake  bool
	depends int
	waitFor int
}

type storeEntry struct {
	req       request.Handle
	robID     int
	committed bool
}

// Controller is the per-core front-end, one per attached producer.
type Controller struct {
	id      message.ControllerID
	q       *event.Queue
	reqPool *request.Pool
	msgPool *message.Pool
	cfg     Config
	wake    Wakeup

	icacheIC interconnect.Interconnect
	dcacheIC interconnect.Interconnect
	l1i      *cache.Controller
	l1d      *cache.Controller
	l1iDest  message.ControllerID
	l1dDest  message.ControllerID

	entries   []entry
	free      []int
	icacheBuf []uint64
	storeBuf  []storeEntry

	// stats
	ICacheBufferHits uint64
	FastPathHits     uint64
}

// New creates a CPU-side controller. The L1 wiring (interconnects and
// fast-path probes) is attached separately with ConnectL1I/ConnectL1D
// because the topology builder creates controllers before connections.
func New(id message.ControllerID, q *event.Queue, reqPool *request.Pool, msgPool *message.Pool, cfg Config, wake Wakeup) *Controller {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.ICacheBufferSize <= 0 {
		cfg.ICacheBufferSize = 16
	}
	if cfg.LineSize <= 0 {
		cfg.LineSize = 64
	}
	c := &Controller{
		id:      id,
		q:       q,
		reqPool: reqPool,
		msgPool: msgPool,
		cfg:     cfg,
		wake:    wake,
		entries: make([]entry, cfg.QueueDepth),
	}
	for i := range c.entries {
		c.entries[i].depends = -1
		c.entries[i].waitFor = -1
	}
	for i := cfg.QueueDepth - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	return c
}

func (c *Controller) ID() message.ControllerID { return c.id }

// SetWakeup replaces the producer callbacks. Producers whose handlers
// close over the assembled hierarchy install them here after build.
func (c *Controller) SetWakeup(w Wakeup) { c.wake = w }

// ConnectL1I attaches the instruction-side L1 and the fabric leading to it.
func (c *Controller) ConnectL1I(ic interconnect.Interconnect, l1 *cache.Controller, dest message.ControllerID) {
	c.icacheIC = ic
	c.l1i = l1
	c.l1iDest = dest
}

// ConnectL1D attaches the data-side L1 and the fabric leading to it.
func (c *Controller) ConnectL1D(ic interconnect.Interconnect, l1 *cache.Controller, dest message.ControllerID) {
	c.dcacheIC = ic
	c.l1d = l1
	c.l1dDest = dest
}

func (c *Controller) lineAddr(addr uint64) uint64 {
	return addr &^ (uint64(c.cfg.LineSize) - 1)
}

// IsFull implements the interconnect.Controller back-pressure probe:
// the front-end is full once its pending FIFO has no free slot.
func (c *Controller) IsFull(fromInterconnect bool) bool {
	return len(c.free) == 0
}

// Access submits a producer request. The controller takes ownership of
// the caller's reference on acceptance: the reference is released when
// the wake-up is delivered (or the entry annulled). Returns false when
// neither the fast path nor the queue could absorb the request.
func (c *Controller) Access(h request.Handle) bool {
	req := c.reqPool.Get(h)
	if req == nil {
		return false
	}
	line := c.lineAddr(req.PhysAddr)

	if req.IsICache && c.icacheBufHas(line) {
		c.ICacheBufferHits++
		c.scheduleWakeup(h, 1)
		return true
	}

	l1 := c.l1d
	if req.IsICache {
		l1 = c.l1i
	}
	if l1 != nil {
		if latency, ok := l1.AccessFastPath(req.PhysAddr, req.Op == request.OpWrite); ok {
			if req.IsPrefetch {
				// Already resident; nothing to warm.
				c.reqPool.Release(h)
				return true
			}
			c.FastPathHits++
			c.scheduleWakeup(h, delayMin1(latency))
			return true
		}
	}

	if req.Op == request.OpWrite && !req.IsICache && c.cfg.StoreBufferSize > 0 {
		return c.bufferStore(h, req)
	}

	return c.enqueue(h, req, false)
}

// enqueue places the request in the pending FIFO, chaining behind any
// same-line same-op predecessor instead of issuing a second downstream
// miss.
func (c *Controller) enqueue(h request.Handle, req *request.Request, noWake bool) bool {
	line := c.lineAddr(req.PhysAddr)

	for i := range c.entries {
		e := &c.entries[i]
		if e.inUse && !e.annulled && e.addr == line && e.op == req.Op && e.isICache == req.IsICache {
			if len(c.free) == 0 {
				return false
			}
			idx := c.allocEntry(h, req, noWake)
			c.appendChain(i, idx)
			return true
		}
	}

	if len(c.free) == 0 {
		return false
	}
	idx := c.allocEntry(h, req, noWake)
	c.issue(idx)
	return true
}

func (c *Controller) allocEntry(h request.Handle, req *request.Request, noWake bool) int {
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.entries[idx] = entry{
		inUse:    true,
		req:      h,
		addr:     c.lineAddr(req.PhysAddr),
		op:       req.Op,
		isICache: req.IsICache,
		noWake:   noWake,
		depends:  -1,
		waitFor:  -1,
	}
	return idx
}

func (c *Controller) appendChain(head, idx int) {
	cur := head
	for c.entries[cur].depends != -1 {
		cur = c.entries[cur].depends
	}
	c.entries[cur].depends = idx
	c.entries[idx].waitFor = cur
}

// issue emits the entry's message into the L1-facing fabric, retrying
// at the fabric's advertised delay while its queue is full.
func (c *Controller) issue(idx int) {
	e := &c.entries[idx]
	if !e.inUse || e.annulled {
		return
	}

	ic, dest := c.dcacheIC, c.l1dDest
	if e.isICache {
		ic, dest = c.icacheIC, c.l1iDest
	}
	if ic == nil {
		return
	}

	staged, tok := c.msgPool.Get()
	staged.Sender = c.id
	staged.Request = e.req
	staged.Dest = dest
	staged.HasDest = true
	accepted := ic.Send(c.id, *staged)
	c.msgPool.Put(tok)

	if accepted {
		e.issued = true
		return
	}
	c.q.AddEvent(delayMin1(ic.Delay()), "cpu-issue-retry", func(any) bool {
		c.issue(idx)
		return true
	}, nil)
}

// Receive implements interconnect.Controller: a completion arriving
// from an L1 wakes the matching entry and, cascading one cycle apart,
// everything chained behind it.
func (c *Controller) Receive(ic interconnect.Interconnect, msg message.Message) bool {
	for i := range c.entries {
		e := &c.entries[i]
		if e.inUse && e.req == msg.Request {
			c.complete(i, 0)
			return true
		}
	}
	return true
}

// complete wakes the entry at idx (delay cycles from now; zero means
// synchronously) and cascades down its dependency chain, each link one
// cycle after its predecessor.
func (c *Controller) complete(idx int, delay uint64) {
	e := &c.entries[idx]
	if !e.inUse {
		return
	}
	next := e.depends
	if next != -1 {
		c.entries[next].waitFor = -1
	}

	if e.annulled {
		c.reqPool.Release(e.req)
		c.freeEntryKeepChain(idx)
	} else {
		if e.isICache {
			c.icacheBufAdd(e.addr)
		}
		h, noWake := e.req, e.noWake
		c.freeEntryKeepChain(idx)
		if delay == 0 {
			c.fireWakeup(h, noWake)
		} else {
			c.q.AddEvent(delay, "cpu-wakeup", func(any) bool {
				c.fireWakeup(h, noWake)
				return true
			}, nil)
		}
	}

	if next != -1 {
		c.complete(next, delay+1)
	}
}

// fireWakeup invokes the matching producer callback and drops the
// entry's request reference. Prefetches warm the cache without ever
// waking the producer.
func (c *Controller) fireWakeup(h request.Handle, noWake bool) {
	req := c.reqPool.Get(h)
	if req == nil {
		return
	}
	if !noWake && !req.IsPrefetch {
		if req.IsICache {
			if c.wake.ICache != nil {
				c.wake.ICache(req.CoreID, req.PhysAddr)
			}
		} else if c.wake.DCache != nil {
			c.wake.DCache(req.CoreID, req.ThreadID, req.ROBID, req.OwnerUUID, req.PhysAddr)
		}
	}
	c.reqPool.Release(h)
}

// freeEntryKeepChain clears the slot without touching the chain links
// of its dependents (the caller walks them itself).
func (c *Controller) freeEntryKeepChain(idx int) {
	c.entries[idx] = entry{depends: -1, waitFor: -1}
	c.free = append(c.free, idx)
}

// scheduleWakeup delivers a fast-path completion at +delay without ever
// occupying a queue slot.
func (c *Controller) scheduleWakeup(h request.Handle, delay uint64) {
	c.q.AddEvent(delay, "cpu-fastpath-wakeup", func(any) bool {
		c.fireWakeup(h, false)
		return true
	}, nil)
}

// icacheBufHas checks the I-cache read buffer for a line address.
func (c *Controller) icacheBufHas(line uint64) bool {
	for _, a := range c.icacheBuf {
		if a == line {
			return true
		}
	}
	return false
}

// icacheBufAdd records a delivered instruction line, evicting the
// oldest once the retention window is full.
func (c *Controller) icacheBufAdd(line uint64) {
	if c.icacheBufHas(line) {
		return
	}
	if len(c.icacheBuf) >= c.cfg.ICacheBufferSize {
		c.icacheBuf = c.icacheBuf[1:]
	}
	c.icacheBuf = append(c.icacheBuf, line)
}

// bufferStore absorbs a store into the store buffer. The producer is
// woken on acceptance; the store drains to L1 only after CommitStore
// marks its generating instruction committed.
func (c *Controller) bufferStore(h request.Handle, req *request.Request) bool {
	if len(c.storeBuf) >= c.cfg.StoreBufferSize {
		return false
	}
	c.storeBuf = append(c.storeBuf, storeEntry{req: h, robID: req.ROBID})
	c.q.AddEvent(1, "cpu-store-accept", func(any) bool {
		r := c.reqPool.Get(h)
		if r != nil && c.wake.DCache != nil {
			c.wake.DCache(r.CoreID, r.ThreadID, r.ROBID, r.OwnerUUID, r.PhysAddr)
		}
		return true
	}, nil)
	return true
}

// CommitStore marks the buffered store for robID eligible to drain and
// drains every committed store at the buffer's head.
func (c *Controller) CommitStore(robID int) {
	for i := range c.storeBuf {
		if c.storeBuf[i].robID == robID {
			c.storeBuf[i].committed = true
			break
		}
	}
	c.drainStores()
}

// drainStores pushes committed stores from the head of the buffer into
// the pending queue. Draining stops at the first uncommitted store so
// stores reach L1 in program order.
func (c *Controller) drainStores() {
	for len(c.storeBuf) > 0 && c.storeBuf[0].committed {
		se := c.storeBuf[0]
		req := c.reqPool.Get(se.req)
		if req == nil {
			c.storeBuf = c.storeBuf[1:]
			continue
		}
		if !c.enqueue(se.req, req, true) {
			return
		}
		c.storeBuf = c.storeBuf[1:]
	}
}

// AnnulRequest cancels matching entries: chains are repaired around
// them and their references dropped.
func (c *Controller) AnnulRequest(h request.Handle) {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.inUse || e.req != h || e.annulled {
			continue
		}
		if e.waitFor == -1 {
			if e.depends != -1 {
				c.entries[e.depends].waitFor = -1
				if e.issued {
					// The downstream miss was already emitted under this
					// entry's request; the successor must re-issue its own.
					c.issue(e.depends)
				}
			}
		} else {
			c.entries[e.waitFor].depends = e.depends
			if e.depends != -1 {
				c.entries[e.depends].waitFor = e.waitFor
			}
		}
		c.reqPool.Release(e.req)
		c.freeEntryKeepChain(i)
	}

	filtered := c.storeBuf[:0]
	for _, se := range c.storeBuf {
		if se.req == h {
			c.reqPool.Release(se.req)
			continue
		}
		filtered = append(filtered, se)
	}
	c.storeBuf = filtered
}

// Flush drops every pending entry and buffered store, releasing their
// references, and reports the draining cost in cycles.
func (c *Controller) Flush() int {
	for i := range c.entries {
		if c.entries[i].inUse {
			c.reqPool.Release(c.entries[i].req)
			c.entries[i] = entry{depends: -1, waitFor: -1}
		}
	}
	c.free = c.free[:0]
	for i := len(c.entries) - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	for _, se := range c.storeBuf {
		c.reqPool.Release(se.req)
	}
	c.storeBuf = nil
	c.icacheBuf = nil
	return flushCycles
}

// PendingCount returns the number of occupied queue slots.
func (c *Controller) PendingCount() int { return len(c.entries) - len(c.free) }

// StoreBufferLen returns the number of buffered, not-yet-drained stores.
func (c *Controller) StoreBufferLen() int { return len(c.storeBuf) }

func delayMin1(d uint64) uint64 {
	if d < 1 {
		return 1
	}
	return d
}
