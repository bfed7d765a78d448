package hierarchy

import (
	"fmt"

	"github.com/sarchlab/memhier/cacheline"
	"github.com/sarchlab/memhier/coherence"
)

// stripMembership clears the transactional read/write-set bits while
// keeping the underlying MESI state.
func stripMembership(s cacheline.State) cacheline.State {
	return s &^ (coherence.TMRead | coherence.TMWrite)
}

// CheckCoherence scans the coherent peer group (the lowest-private
// caches) for a line held Modified or Owner in more than one of them.
// A hit is a simulator bug: the state is dumped and an
// InvariantViolation panic raised.
func (h *Hierarchy) CheckCoherence() {
	holders := make(map[uint64][]string)
	for name, c := range h.lowestPrivate {
		c.Lines().VisitLines(func(tag uint64, s cacheline.State) {
			base := coherence.BaseState(s)
			if base == coherence.Modified || base == coherence.Owner {
				holders[tag] = append(holders[tag], name)
			}
		})
	}
	for tag, names := range holders {
		if len(names) > 1 {
			h.invariantViolation(fmt.Sprintf("line %#x held modified/owned by %d caches %v", tag, len(names), names))
		}
	}
}

// invariantViolation logs the cycle, the live-request and pending-event
// counts, every cache's pending-request rows and every pending event,
// then aborts the core with a panic carrying InvariantViolation. Line
// arrays, interconnect queues and individual pool requests are not
// dumped. The
// simulated guest is unaffected except that it stops receiving events.
func (h *Hierarchy) invariantViolation(reason string) {
	h.log.Err().
		Str("reason", reason).
		Uint64("cycle", h.q.Now()).
		Int("requests_in_use", h.reqPool.InUse()).
		Int("events_pending", h.q.Len()).
		Log("invariant violation, dumping state")

	for name, c := range h.caches {
		for _, row := range c.DumpPending() {
			h.log.Err().
				Str("cache", name).
				Str("addr", fmt.Sprintf("%#x", row.Addr)).
				Str("op", row.Op.String()).
				Bool("busy", row.Busy).
				Bool("annulled", row.Annulled).
				Bool("snoop", row.Snoop).
				Log("pending entry")
		}
	}
	for _, rec := range h.q.Pending() {
		h.log.Err().
			Str("event", rec.Name).
			Uint64("fire_cycle", rec.FireCycle).
			Log("pending event")
	}

	panic(InvariantViolation{Reason: reason})
}
