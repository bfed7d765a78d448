package interconnect

import (
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// defaultBusPendingDepth bounds the bus's own pending-request table.
const defaultBusPendingDepth = 32

// defaultBusAddrQueueDepth bounds each controller's address-phase queue.
const defaultBusAddrQueueDepth = 16

// busPending tracks one request through its broadcast and data phases.
type busPending struct {
	req           request.Handle
	msg           message.Message
	responded     map[message.ControllerID]bool
	shared        bool
	hasDataSource bool
	dataSource    message.ControllerID
	dataReady     bool
	dataInFlight  bool
}

// BusConfig parameterizes a Bus instance.
type BusConfig struct {
	// ArbitrationLatency is the delay between a request being queued
	// and the first arbitration attempt for it.
	ArbitrationLatency uint64
	// BroadcastLatency is the delay of a granted broadcast's address
	// and data phases.
	BroadcastLatency uint64
	// SnoopDisabled makes the bus proceed to the data phase as soon as
	// a data source answers, rather than waiting on every controller.
	SnoopDisabled bool
}

// Bus is a shared, split-phase interconnect: address-phase broadcast
// arbitrated round-robin across requesting controllers, followed by a
// data phase that gathers responses and broadcasts the winning data.
// The two phases pipeline independently.
type Bus struct {
	name    string
	q       *event.Queue
	reqPool *request.Pool
	cfg     BusConfig

	controllers []Controller
	order       []message.ControllerID

	addrQueue map[message.ControllerID][]message.Message
	lastIdx   int
	arbiting  bool

	pending     []*busPending
	dataBusBusy bool
}

// NewBus creates a bus. reqPool is used to classify requests (update
// vs. non-update) during arbitration, and a reference is held on each
// request while it is queued or pending on the bus.
func NewBus(name string, q *event.Queue, reqPool *request.Pool, cfg BusConfig) *Bus {
	return &Bus{
		name:      name,
		q:         q,
		reqPool:   reqPool,
		cfg:       cfg,
		addrQueue: make(map[message.ControllerID][]message.Message),
		lastIdx:   -1,
	}
}

func (b *Bus) Name() string { return b.name }

func (b *Bus) Register(c Controller) {
	id := c.ID()
	for _, existing := range b.order {
		if existing == id {
			return
		}
	}
	b.controllers = append(b.controllers, c)
	b.order = append(b.order, id)
}

func (b *Bus) findPending(h request.Handle) *busPending {
	for _, pe := range b.pending {
		if pe.req == h {
			return pe
		}
	}
	return nil
}

// Send is shared by both phases: a message whose request has no
// pending entry yet begins the address phase; one that matches an
// in-flight pending entry is a data-phase response.
func (b *Bus) Send(sender message.ControllerID, msg message.Message) bool {
	if pe := b.findPending(msg.Request); pe != nil {
		return b.handleResponse(pe, sender, msg)
	}

	q := b.addrQueue[sender]
	if len(q) >= defaultBusAddrQueueDepth {
		return false
	}
	b.reqPool.Retain(msg.Request)
	b.addrQueue[sender] = append(q, msg)

	if !b.arbiting {
		b.arbiting = true
		b.q.AddEvent(b.cfg.ArbitrationLatency, "bus-arbitrate", func(any) bool {
			b.broadcast()
			return true
		}, nil)
	}
	return true
}

// broadcast runs one round-robin arbitration pass. It grants the first
// non-empty queue, in round-robin order from the last winner, whose
// request clears both the bus's own pending-table capacity (for
// non-update requests) and every other controller's receive-side
// back-pressure.
func (b *Bus) broadcast() {
	n := len(b.controllers)
	if n == 0 {
		b.arbiting = false
		return
	}

	for i := 0; i < n; i++ {
		idx := (b.lastIdx + 1 + i) % n
		cid := b.order[idx]
		q := b.addrQueue[cid]
		if len(q) == 0 {
			continue
		}

		head := q[0]
		req := b.reqPool.Get(head.Request)
		nonUpdate := req == nil || req.Op != request.OpUpdate

		if nonUpdate && len(b.pending) >= defaultBusPendingDepth {
			b.retryBroadcast()
			return
		}

		full := false
		for _, c := range b.controllers {
			if c.ID() == cid {
				continue
			}
			if c.IsFull(true) {
				full = true
				break
			}
		}
		if full {
			b.retryBroadcast()
			return
		}

		b.lastIdx = idx
		b.addrQueue[cid] = q[1:]
		b.q.AddEvent(b.cfg.BroadcastLatency, "bus-broadcast-complete", func(any) bool {
			b.broadcastComplete(cid, head)
			return true
		}, nil)
		return
	}

	b.arbiting = false
}

func (b *Bus) retryBroadcast() {
	b.q.AddEvent(b.cfg.BroadcastLatency, "bus-broadcast-retry", func(any) bool {
		b.broadcast()
		return true
	}, nil)
}

// broadcastComplete opens a pending entry for the granted request,
// delivers it to every other controller, and immediately re-arbitrates
// the address phase. Updates are delivered without a pending entry:
// nothing gathers responses for a write-back.
func (b *Bus) broadcastComplete(origin message.ControllerID, msg message.Message) {
	req := b.reqPool.Get(msg.Request)
	isUpdate := req != nil && req.Op == request.OpUpdate

	if !isUpdate {
		pe := &busPending{
			req:       msg.Request,
			msg:       msg,
			responded: map[message.ControllerID]bool{origin: true},
		}
		b.pending = append(b.pending, pe)
	}

	for _, c := range b.controllers {
		if c.ID() == origin {
			continue
		}
		c.Receive(b, msg)
	}

	if isUpdate {
		b.reqPool.Release(msg.Request)
	}
	b.broadcast()
}

// handleResponse folds a controller's data-phase answer into its
// pending entry. The first response carrying data proactively annuls
// the request in every controller that has not yet answered, since
// their answers can no longer change the outcome.
func (b *Bus) handleResponse(pe *busPending, sender message.ControllerID, msg message.Message) bool {
	pe.responded[sender] = true
	if msg.IsShared {
		pe.shared = true
	}

	if msg.HasData && !pe.hasDataSource {
		pe.hasDataSource = true
		pe.dataSource = sender
		// A late answer can no longer change the outcome: annul the
		// request in every controller still deliberating and count them
		// as responded so the gather completes.
		for _, c := range b.controllers {
			if !pe.responded[c.ID()] {
				c.AnnulRequest(pe.req)
				pe.responded[c.ID()] = true
			}
		}
	}

	complete := len(pe.responded) == len(b.controllers) || (b.cfg.SnoopDisabled && pe.hasDataSource)
	if complete && !pe.dataReady {
		pe.dataReady = true
		b.scheduleDataPhase(pe)
	}
	return true
}

func (b *Bus) scheduleDataPhase(pe *busPending) {
	if b.dataBusBusy {
		return
	}
	b.dataBusBusy = true
	pe.dataInFlight = true
	b.q.AddEvent(1, "bus-data-broadcast", func(any) bool {
		b.dataBroadcast(pe)
		return true
	}, nil)
}

func (b *Bus) dataBroadcast(pe *busPending) {
	b.q.AddEvent(b.cfg.BroadcastLatency, "bus-data-broadcast-complete", func(any) bool {
		b.dataBroadcastComplete(pe)
		return true
	}, nil)
}

func (b *Bus) dataBroadcastComplete(pe *busPending) {
	fill := pe.msg
	fill.HasData = true
	fill.IsShared = pe.shared
	for _, c := range b.controllers {
		if pe.hasDataSource && c.ID() == pe.dataSource {
			continue
		}
		c.Receive(b, fill)
	}

	b.removePending(pe)
	b.reqPool.Release(pe.req)
	b.dataBusBusy = false

	if next := b.nextReadyPending(); next != nil {
		b.scheduleDataPhase(next)
	}
}

func (b *Bus) removePending(pe *busPending) {
	for i, e := range b.pending {
		if e == pe {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

func (b *Bus) nextReadyPending() *busPending {
	for _, pe := range b.pending {
		if pe.dataReady && !pe.dataInFlight {
			return pe
		}
	}
	return nil
}

// Delay is the bus's broadcast-phase latency.
func (b *Bus) Delay() uint64 { return b.cfg.BroadcastLatency }

// IsFull reports whether the bus's own pending-request table is
// saturated.
func (b *Bus) IsFull() bool { return len(b.pending) >= defaultBusPendingDepth }

// AnnulRequest drops h from any address-phase queue and removes its
// pending entry (if any), so no data phase is scheduled for it. A data
// phase already in flight still delivers its fill and drops the
// entry's request reference when it completes.
func (b *Bus) AnnulRequest(h request.Handle) {
	for cid, q := range b.addrQueue {
		filtered := q[:0]
		for _, m := range q {
			if m.Request != h {
				filtered = append(filtered, m)
			} else {
				b.reqPool.Release(h)
			}
		}
		b.addrQueue[cid] = filtered
	}
	if pe := b.findPending(h); pe != nil {
		b.removePending(pe)
		if !pe.dataInFlight {
			b.reqPool.Release(pe.req)
		}
	}
}

// Reset drops every address-queue entry and pending entry, releasing
// their request references, and clears both phase-busy flags.
func (b *Bus) Reset() {
	for cid, q := range b.addrQueue {
		for _, m := range q {
			b.reqPool.Release(m.Request)
		}
		delete(b.addrQueue, cid)
	}
	for _, pe := range b.pending {
		b.reqPool.Release(pe.req)
	}
	b.pending = nil
	b.arbiting = false
	b.dataBusBusy = false
}
