// Package dram implements a per-bank-serialized DRAM controller: one
// FIFO queue per bank, a completion event scheduled at the configured
// access latency, and write-combining for updates already queued
// against the same address.
package dram

import (
	"math/bits"

	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// bankIndexShift is the address bit offset the bank index is taken
// from: bank = bits(address, 16, log2(banks)).
const bankIndexShift = 16

// Config parameterizes a Controller.
type Config struct {
	// Banks is the number of independent banks; must be a power of two.
	Banks int
	// AccessLatency is the cycle count from a bank becoming busy to its
	// completion event.
	AccessLatency uint64
	// PendingDepth bounds each bank's queue.
	PendingDepth int
}

type bankEntry struct {
	msg      message.Message
	annulled bool
}

type bank struct {
	queue []bankEntry
	busy  bool
}

// Controller is a memory-side Controller: it receives read/write/update
// requests over an interconnect and answers reads and writes with a
// data fill once their bank's access latency has elapsed; updates and
// evicts get no response.
type Controller struct {
	id       message.ControllerID
	q        *event.Queue
	reqPool  *request.Pool
	ic       interconnect.Interconnect
	cfg      Config
	banks    []bank
	bankBits uint

	// stats
	FillsServed      uint64
	UpdatesAbsorbed  uint64
	UpdatesCombined  uint64
}

// New creates a DRAM controller. ic is the interconnect responses are
// sent back over; reqPool is used to classify requests, and a reference
// is held on each request while it sits in a bank queue.
func New(id message.ControllerID, q *event.Queue, reqPool *request.Pool, ic interconnect.Interconnect, cfg Config) *Controller {
	if cfg.PendingDepth <= 0 {
		cfg.PendingDepth = 16
	}
	return &Controller{
		id:       id,
		q:        q,
		reqPool:  reqPool,
		ic:       ic,
		cfg:      cfg,
		banks:    make([]bank, cfg.Banks),
		bankBits: uint(bits.Len(uint(cfg.Banks - 1))),
	}
}

func (c *Controller) ID() message.ControllerID { return c.id }

func bankIndex(addr uint64, bankBits uint) int {
	if bankBits == 0 {
		return 0
	}
	return int((addr >> bankIndexShift) & ((1 << bankBits) - 1))
}

// Receive enqueues an incoming request on its bank's queue, write
// -combining it into an already-queued update to the same address when
// possible.
func (c *Controller) Receive(ic interconnect.Interconnect, msg message.Message) bool {
	// A data-bearing message on a shared fabric is some cache's fill
	// broadcast, not a request for memory.
	if msg.HasData {
		return true
	}
	req := c.reqPool.Get(msg.Request)
	if req == nil {
		return true
	}

	idx := bankIndex(req.PhysAddr, c.bankBits)
	bk := &c.banks[idx]

	if req.Op == request.OpUpdate {
		for i := range bk.queue {
			if !bk.queue[i].annulled {
				other := c.reqPool.Get(bk.queue[i].msg.Request)
				if other != nil && other.Op == request.OpUpdate && other.PhysAddr == req.PhysAddr {
					c.UpdatesCombined++
					return true
				}
			}
		}
		c.UpdatesAbsorbed++
	}

	if len(bk.queue) >= c.cfg.PendingDepth {
		return false
	}

	c.reqPool.Retain(msg.Request)
	bk.queue = append(bk.queue, bankEntry{msg: msg})
	if !bk.busy {
		bk.busy = true
		c.scheduleCompletion(idx)
	}
	return true
}

func (c *Controller) scheduleCompletion(idx int) {
	c.q.AddEvent(c.cfg.AccessLatency, "dram-complete", func(any) bool {
		c.complete(idx)
		return true
	}, nil)
}

func (c *Controller) complete(idx int) {
	bk := &c.banks[idx]
	if len(bk.queue) == 0 {
		bk.busy = false
		return
	}

	entry := bk.queue[0]
	bk.queue = bk.queue[1:]

	if !entry.annulled {
		req := c.reqPool.Get(entry.msg.Request)
		// Reads and write-allocate misses get a data response; updates
		// and evicts are absorbed silently.
		if req != nil && (req.Op == request.OpRead || req.Op == request.OpWrite) {
			c.FillsServed++
			resp := entry.msg
			resp.Sender = c.id
			resp.Dest = entry.msg.Sender
			resp.HasDest = true
			resp.HasData = true
			c.ic.Send(c.id, resp)
		}
	}
	c.reqPool.Release(entry.msg.Request)

	if len(bk.queue) > 0 {
		c.scheduleCompletion(idx)
	} else {
		bk.busy = false
	}
}

// IsFull reports whether any bank's queue is saturated.
func (c *Controller) IsFull(fromInterconnect bool) bool {
	for i := range c.banks {
		if len(c.banks[i].queue) >= c.cfg.PendingDepth {
			return true
		}
	}
	return false
}

// AnnulRequest marks any queued entry referencing h so its completion
// becomes a no-op.
func (c *Controller) AnnulRequest(h request.Handle) {
	for i := range c.banks {
		for j := range c.banks[i].queue {
			if c.banks[i].queue[j].msg.Request == h {
				c.banks[i].queue[j].annulled = true
			}
		}
	}
}

// PendingForCore counts queued requests issued by coreID, the facade's
// pending-offchip-miss telemetry.
func (c *Controller) PendingForCore(coreID int) int {
	n := 0
	for i := range c.banks {
		for j := range c.banks[i].queue {
			e := &c.banks[i].queue[j]
			if e.annulled {
				continue
			}
			if req := c.reqPool.Get(e.msg.Request); req != nil && req.CoreID == coreID {
				n++
			}
		}
	}
	return n
}

// Pending counts all queued requests across banks.
func (c *Controller) Pending() int {
	n := 0
	for i := range c.banks {
		n += len(c.banks[i].queue)
	}
	return n
}

// Reset drops every queued entry, releasing its request reference, and
// marks all banks idle. Scheduled completion events must have been
// dropped by the caller (the facade resets the event queue first).
func (c *Controller) Reset() {
	for i := range c.banks {
		for _, e := range c.banks[i].queue {
			c.reqPool.Release(e.msg.Request)
		}
		c.banks[i].queue = nil
		c.banks[i].busy = false
	}
}
