// Package directory implements the MOESI home-node sharer/owner
// tracker: a lazily-populated table of presence bitmaps observing the
// coherence traffic on its fabric, issuing evictions to stale sharers
// when a writer claims exclusive ownership.
//
// Entry tags ride on the same akita cache-directory primitive the
// cacheline and tlb packages wrap; the presence/dirty/owner fields live
// in parallel arrays indexed the same way.
package directory

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// Config parameterizes a Controller.
type Config struct {
	Sets     int
	Ways     int
	LineSize int
}

// Entry is the sharer-tracking record for one line: a presence bitmap
// (one bit per cache, keyed by controller id), a dirty flag, and the
// owning cache. Dirty implies exactly one presence bit, the owner's.
type Entry struct {
	Presence uint64
	Dirty    bool
	Owner    message.ControllerID
	Locked   bool
}

// Controller observes coherence traffic on its interconnect and keeps
// the home-node view of every tracked line.
type Controller struct {
	id      message.ControllerID
	reqPool *request.Pool
	ic      interconnect.Interconnect
	cfg     Config

	dir      *akitacache.DirectoryImpl
	entries  []Entry
	lineBits uint

	// issued tracks evictions this directory originated, so their
	// acknowledgements are absorbed instead of re-processed.
	issued map[request.Handle]int

	// ids maps presence-bit positions to controller ids.
	ids []message.ControllerID
}

// New creates a directory controller. ic is the fabric it both observes
// and issues evictions over.
func New(id message.ControllerID, reqPool *request.Pool, ic interconnect.Interconnect, cfg Config) *Controller {
	bits := uint(0)
	for (1 << bits) < cfg.LineSize {
		bits++
	}
	return &Controller{
		id:      id,
		reqPool: reqPool,
		ic:      ic,
		cfg:     cfg,
		dir: akitacache.NewDirectory(
			cfg.Sets,
			cfg.Ways,
			cfg.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		entries:  make([]Entry, cfg.Sets*cfg.Ways),
		lineBits: bits,
		issued:   make(map[request.Handle]int),
	}
}

func (c *Controller) ID() message.ControllerID { return c.id }

// Track registers a cache under this home node, assigning it a
// presence-bit position.
func (c *Controller) Track(id message.ControllerID) {
	for _, existing := range c.ids {
		if existing == id {
			return
		}
	}
	c.ids = append(c.ids, id)
}

func (c *Controller) bitOf(id message.ControllerID) (uint64, bool) {
	for i, existing := range c.ids {
		if existing == id {
			return 1 << uint(i), true
		}
	}
	return 0, false
}

func (c *Controller) blockAddr(addr uint64) uint64 {
	return (addr >> c.lineBits) << c.lineBits
}

func (c *Controller) index(b *akitacache.Block) int {
	return b.SetID*c.cfg.Ways + b.WayID
}

// Lookup returns the entry for addr, if tracked.
func (c *Controller) Lookup(addr uint64) (*Entry, bool) {
	block := c.dir.Lookup(0, c.blockAddr(addr))
	if block == nil || !block.IsValid {
		return nil, false
	}
	return &c.entries[c.index(block)], true
}

// install returns addr's entry, lazily creating it (possibly evicting
// another tracked line's record).
func (c *Controller) install(addr uint64) *Entry {
	blockAddr := c.blockAddr(addr)
	if block := c.dir.Lookup(0, blockAddr); block != nil && block.IsValid {
		c.dir.Visit(block)
		return &c.entries[c.index(block)]
	}
	victim := c.dir.FindVictim(blockAddr)
	victim.Tag = blockAddr
	victim.IsValid = true
	c.dir.Visit(victim)
	e := &c.entries[c.index(victim)]
	*e = Entry{}
	return e
}

// Receive folds one observed coherence message into the home-node view.
// Reads record the sender as a sharer; writes grant the sender unique
// ownership after evicting every other sharer; evicts clear the
// sender's presence bit; updates clear the dirty flag.
func (c *Controller) Receive(ic interconnect.Interconnect, msg message.Message) bool {
	if _, ours := c.issued[msg.Request]; ours {
		c.issued[msg.Request]--
		if c.issued[msg.Request] <= 0 {
			delete(c.issued, msg.Request)
			c.reqPool.Release(msg.Request)
		}
		return true
	}

	req := c.reqPool.Get(msg.Request)
	if req == nil {
		return true
	}
	bit, tracked := c.bitOf(msg.Sender)
	if !tracked {
		return true
	}

	switch req.Op {
	case request.OpRead:
		e := c.install(req.PhysAddr)
		e.Presence |= bit
	case request.OpWrite:
		e := c.install(req.PhysAddr)
		c.evictOthers(e, msg.Sender, req)
		e.Presence = bit
		e.Dirty = true
		e.Owner = msg.Sender
	case request.OpEvict:
		if e, ok := c.Lookup(req.PhysAddr); ok {
			e.Presence &^= bit
			if e.Presence == 0 {
				c.invalidate(req.PhysAddr)
			} else if e.Owner == msg.Sender {
				e.Dirty = false
			}
		}
	case request.OpUpdate:
		if e, ok := c.Lookup(req.PhysAddr); ok {
			e.Dirty = false
		}
	}
	return true
}

// evictOthers issues one eviction per stale sharer before a write grant.
func (c *Controller) evictOthers(e *Entry, writer message.ControllerID, req *request.Request) {
	if e.Presence == 0 {
		return
	}
	var targets []message.ControllerID
	for i, id := range c.ids {
		if id == writer {
			continue
		}
		if e.Presence&(1<<uint(i)) != 0 {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}

	h := c.reqPool.Alloc(req.PhysAddr, request.OpEvict, req.CoreID, req.ThreadID, -1, 0, req.IssueCycle, false, req.IsKernel)
	c.issued[h] = len(targets)
	for _, id := range targets {
		c.ic.Send(c.id, message.Message{
			Sender:  c.id,
			Request: h,
			Dest:    id,
			HasDest: true,
		})
	}
}

func (c *Controller) invalidate(addr uint64) {
	block := c.dir.Lookup(0, c.blockAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
		c.entries[c.index(block)] = Entry{}
	}
}

// IsFull never back-pressures: the directory table is lazily recycled.
func (c *Controller) IsFull(fromInterconnect bool) bool { return false }

// AnnulRequest drops any in-flight eviction bookkeeping for h.
func (c *Controller) AnnulRequest(h request.Handle) {
	if _, ok := c.issued[h]; ok {
		delete(c.issued, h)
		if c.reqPool.Get(h) != nil {
			c.reqPool.Release(h)
		}
	}
}

// Reset clears the tracked-line table and any in-flight evictions.
func (c *Controller) Reset() {
	c.dir.Reset()
	for i := range c.entries {
		c.entries[i] = Entry{}
	}
	for h := range c.issued {
		if c.reqPool.Get(h) != nil {
			c.reqPool.Release(h)
		}
		delete(c.issued, h)
	}
}
