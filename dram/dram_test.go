package dram_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/dram"
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// fakeIC records every message sent back upstream.
type fakeIC struct {
	sent []message.Message
}

func (f *fakeIC) Name() string                                              { return "fake" }
func (f *fakeIC) Register(c interconnect.Controller)                        {}
func (f *fakeIC) Delay() uint64                                             { return 1 }
func (f *fakeIC) IsFull() bool                                              { return false }
func (f *fakeIC) AnnulRequest(h request.Handle)                             {}
func (f *fakeIC) Reset()                                                    {}
func (f *fakeIC) Send(sender message.ControllerID, msg message.Message) bool {
	f.sent = append(f.sent, msg)
	return true
}

var _ = Describe("DRAM controller", func() {
	var (
		q    *event.Queue
		pool *request.Pool
		ic   *fakeIC
		ctl  *dram.Controller
	)

	BeforeEach(func() {
		q = event.NewQueue()
		pool = request.NewPool(16)
		ic = &fakeIC{}
		ctl = dram.New(5, q, pool, ic, dram.Config{Banks: 4, AccessLatency: 3, PendingDepth: 4})
	})

	It("answers a read after the access latency", func() {
		h := pool.Alloc(0x10000, request.OpRead, 0, 0, 0, 0, 0, false, false)
		Expect(ctl.Receive(ic, message.Message{Sender: 1, Request: h})).To(BeTrue())

		q.Clock()
		q.Clock()
		Expect(ic.sent).To(BeEmpty())
		q.Clock()
		Expect(ic.sent).To(HaveLen(1))
		Expect(ic.sent[0].HasData).To(BeTrue())
	})

	It("answers a write-allocate miss with a data fill", func() {
		h := pool.Alloc(0x10000, request.OpWrite, 0, 0, 0, 0, 0, false, false)
		ctl.Receive(ic, message.Message{Sender: 1, Request: h})
		for i := 0; i < 4; i++ {
			q.Clock()
		}
		Expect(ic.sent).To(HaveLen(1))
		Expect(ic.sent[0].HasData).To(BeTrue())
	})

	It("absorbs a write-back silently", func() {
		h := pool.Alloc(0x10000, request.OpUpdate, 0, 0, 0, 0, 0, false, false)
		ctl.Receive(ic, message.Message{Sender: 1, Request: h})
		for i := 0; i < 4; i++ {
			q.Clock()
		}
		Expect(ic.sent).To(BeEmpty())
	})

	It("serializes same-bank requests, second completing after the first", func() {
		h1 := pool.Alloc(0x10000, request.OpRead, 0, 0, 0, 0, 0, false, false)
		h2 := pool.Alloc(0x10000, request.OpRead, 0, 0, 1, 0, 0, false, false)
		ctl.Receive(ic, message.Message{Sender: 1, Request: h1})
		ctl.Receive(ic, message.Message{Sender: 1, Request: h2})

		for i := 0; i < 3; i++ {
			q.Clock()
		}
		Expect(ic.sent).To(HaveLen(1))

		for i := 0; i < 3; i++ {
			q.Clock()
		}
		Expect(ic.sent).To(HaveLen(2))
	})

	It("merges an in-flight update to the same address", func() {
		h1 := pool.Alloc(0x20000, request.OpUpdate, 0, 0, 0, 0, 0, false, false)
		h2 := pool.Alloc(0x20000, request.OpUpdate, 0, 0, 1, 0, 0, false, false)
		ctl.Receive(ic, message.Message{Sender: 1, Request: h1})
		ctl.Receive(ic, message.Message{Sender: 1, Request: h2})

		for i := 0; i < 6; i++ {
			q.Clock()
		}
		Expect(ic.sent).To(BeEmpty())
	})

	It("reports full once a bank's queue saturates", func() {
		for i := 0; i < 4; i++ {
			h := pool.Alloc(0x30000, request.OpRead, 0, 0, i, 0, 0, false, false)
			ctl.Receive(ic, message.Message{Sender: 1, Request: h})
		}
		Expect(ctl.IsFull(true)).To(BeTrue())
	})
})
