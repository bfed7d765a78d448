// Package event implements the memory hierarchy's discrete-time
// scheduler: a single priority queue of (callback, fire-cycle, argument)
// tuples, ordered by fire-cycle and, for ties, by insertion order.
//
// Zero-delay scheduling bypasses the queue entirely and runs the
// callback synchronously within the call to AddEvent; nested
// zero-delay chains are therefore ordinary recursive Go calls, not a
// second pass through Clock.
package event

import "sort"

// Callback is invoked when its event fires. The returned bool is the
// callback's own success/failure signal; the queue itself never fails.
type Callback func(arg any) bool

// Record describes one still-pending event, exposed for diagnostics
// and state dumps on invariant violations.
type Record struct {
	Name      string
	FireCycle uint64
	Arg       any
}

type entry struct {
	name      string
	callback  Callback
	fireCycle uint64
	seq       uint64
	arg       any
}

// Queue is the core's event priority queue plus its cycle counter.
type Queue struct {
	now     uint64
	entries []entry
	nextSeq uint64
}

// NewQueue creates an empty event queue at cycle 0.
func NewQueue() *Queue {
	return &Queue{}
}

// Now returns the current cycle.
func (q *Queue) Now() uint64 {
	return q.now
}

// AddEvent schedules callback to run delayCycles from now, carrying arg.
// If delayCycles is 0, callback runs immediately (before AddEvent
// returns) and its result is returned directly; otherwise the event is
// inserted into the queue in (fire-cycle, insertion-order) position and
// AddEvent returns true.
func (q *Queue) AddEvent(delayCycles uint64, name string, callback Callback, arg any) bool {
	if delayCycles == 0 {
		return callback(arg)
	}

	e := entry{
		name:      name,
		callback:  callback,
		fireCycle: q.now + delayCycles,
		seq:       q.nextSeq,
		arg:       arg,
	}
	q.nextSeq++

	i := sort.Search(len(q.entries), func(i int) bool {
		return less(e, q.entries[i])
	})
	q.entries = append(q.entries, entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	return true
}

func less(a, b entry) bool {
	if a.fireCycle != b.fireCycle {
		return a.fireCycle < b.fireCycle
	}
	return a.seq < b.seq
}

// Clock advances the cycle counter by one and drains every event whose
// fire-cycle is now due, in (fire-cycle, insertion-order) order. A
// callback invoked from Clock may itself schedule further events; those
// scheduled with a nonzero delay fire on a later Clock call (their
// fire-cycle is necessarily greater than now), while those scheduled
// with zero delay already ran synchronously inside AddEvent before this
// loop ever sees them.
func (q *Queue) Clock() {
	q.now++
	for len(q.entries) > 0 && q.entries[0].fireCycle <= q.now {
		e := q.entries[0]
		q.entries = q.entries[1:]
		e.callback(e.arg)
	}
}

// Reset drops all pending events without invoking them.
func (q *Queue) Reset() {
	q.entries = nil
}

// Pending returns a snapshot of still-queued events, most-imminent
// first, for invariant-violation state dumps.
func (q *Queue) Pending() []Record {
	out := make([]Record, len(q.entries))
	for i, e := range q.entries {
		out[i] = Record{Name: e.name, FireCycle: e.fireCycle, Arg: e.arg}
	}
	return out
}

// Len returns the number of pending (not-yet-due) events.
func (q *Queue) Len() int {
	return len(q.entries)
}
