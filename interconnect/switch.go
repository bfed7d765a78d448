package interconnect

import (
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// defaultSwitchQueueDepth bounds each port's inbound queue.
const defaultSwitchQueueDepth = 16

type switchEntry struct {
	msg      message.Message
	annulled bool
}

type switchPort struct {
	ctrl       Controller
	queue      []switchEntry
	recvBusy   bool
	sendActive bool
}

// Switch is an NxN crossbar: every attached controller has an inbound
// queue, and messages are forwarded one hop at a time toward their
// destination port.
type Switch struct {
	name    string
	q       *event.Queue
	reqPool *request.Pool
	latency uint64
	depth   int
	ports   map[message.ControllerID]*switchPort
	order   []message.ControllerID
}

// NewSwitch creates an NxN switch. latency is the per-hop send delay;
// q is the shared event queue used to schedule the send steps. reqPool
// lets queued entries hold a request reference for as long as they sit
// in a port queue.
func NewSwitch(name string, q *event.Queue, reqPool *request.Pool, latency uint64) *Switch {
	return &Switch{
		name:    name,
		q:       q,
		reqPool: reqPool,
		latency: latency,
		depth:   defaultSwitchQueueDepth,
		ports:   make(map[message.ControllerID]*switchPort),
	}
}

func (s *Switch) Name() string { return s.name }

func (s *Switch) Register(c Controller) {
	id := c.ID()
	if _, ok := s.ports[id]; ok {
		return
	}
	s.ports[id] = &switchPort{ctrl: c}
	s.order = append(s.order, id)
}

// Send enqueues msg on sender's outbound port and, if that port isn't
// already draining, schedules the first send attempt at +1.
func (s *Switch) Send(sender message.ControllerID, msg message.Message) bool {
	port := s.ports[sender]
	if port == nil {
		return false
	}
	if len(port.queue) >= s.depth {
		return false
	}
	s.retain(msg.Request)
	port.queue = append(port.queue, switchEntry{msg: msg})
	if !port.sendActive {
		port.sendActive = true
		s.scheduleSend(sender, 1)
	}
	return true
}

func (s *Switch) scheduleSend(sender message.ControllerID, delay uint64) {
	s.q.AddEvent(delay, "switch-send", func(any) bool {
		s.send(sender)
		return true
	}, nil)
}

// send examines the head of sender's queue. An annulled head is
// dropped with no delivery attempt and the port immediately retries
// its (now-advanced) head. A head blocked on a busy destination
// retries at +2.
func (s *Switch) send(sender message.ControllerID) {
	port := s.ports[sender]
	if port == nil || len(port.queue) == 0 {
		if port != nil {
			port.sendActive = false
		}
		return
	}

	head := port.queue[0]
	if head.annulled {
		port.queue = port.queue[1:]
		s.release(head.msg.Request)
		s.send(sender)
		return
	}

	dest := s.ports[head.msg.Dest]
	if dest == nil || dest.recvBusy {
		s.scheduleSend(sender, 2)
		return
	}

	dest.recvBusy = true
	s.q.AddEvent(s.latency, "switch-send-complete", func(any) bool {
		s.sendComplete(sender)
		return true
	}, nil)
}

func (s *Switch) sendComplete(sender message.ControllerID) {
	port := s.ports[sender]
	if port == nil || len(port.queue) == 0 {
		return
	}
	head := port.queue[0]
	dest := s.ports[head.msg.Dest]

	if head.annulled {
		port.queue = port.queue[1:]
		s.release(head.msg.Request)
		if dest != nil {
			dest.recvBusy = false
		}
		s.send(sender)
		return
	}

	accepted := dest.ctrl.Receive(s, head.msg)
	dest.recvBusy = false
	if accepted {
		port.queue = port.queue[1:]
		s.release(head.msg.Request)
	}
	s.scheduleSend(sender, 1)
}

// Delay is the per-hop latency.
func (s *Switch) Delay() uint64 { return s.latency }

// IsFull reports whether every port's inbound queue is saturated.
func (s *Switch) IsFull() bool {
	for _, p := range s.ports {
		if len(p.queue) < s.depth {
			return false
		}
	}
	return len(s.ports) > 0
}

// AnnulRequest marks any queued entry referencing h as annulled; it
// will be dropped the next time its port's send loop reaches it.
func (s *Switch) AnnulRequest(h request.Handle) {
	for _, p := range s.ports {
		for i := range p.queue {
			if p.queue[i].msg.Request == h {
				p.queue[i].annulled = true
			}
		}
	}
}

// Reset drops every queued entry (releasing its request reference) and
// clears all busy flags. Scheduled send events become harmless no-ops
// against the emptied queues.
func (s *Switch) Reset() {
	for _, p := range s.ports {
		for _, e := range p.queue {
			s.release(e.msg.Request)
		}
		p.queue = nil
		p.recvBusy = false
		p.sendActive = false
	}
}

// retain/release guard the pool calls against handles that no longer
// resolve (a request annulled and fully released while its message sat
// queued): such messages are carried but never pin pool slots.
func (s *Switch) retain(h request.Handle) {
	if s.reqPool.Get(h) != nil {
		s.reqPool.Retain(h)
	}
}

func (s *Switch) release(h request.Handle) {
	if s.reqPool.Get(h) != nil {
		s.reqPool.Release(h)
	}
}
