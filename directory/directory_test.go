package directory_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/directory"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// fakeIC records directory-issued messages and routes nothing.
type fakeIC struct {
	sent []message.Message
}

func (f *fakeIC) Name() string                       { return "fake" }
func (f *fakeIC) Register(c interconnect.Controller) {}
func (f *fakeIC) Delay() uint64                      { return 1 }
func (f *fakeIC) IsFull() bool                       { return false }
func (f *fakeIC) AnnulRequest(h request.Handle)      {}
func (f *fakeIC) Reset()                             {}
func (f *fakeIC) Send(sender message.ControllerID, msg message.Message) bool {
	f.sent = append(f.sent, msg)
	return true
}

var _ = Describe("Controller", func() {
	var (
		pool *request.Pool
		ic   *fakeIC
		dir  *directory.Controller
	)

	const (
		cacheA message.ControllerID = 1
		cacheB message.ControllerID = 2
		dirID  message.ControllerID = 9
	)

	read := func(from message.ControllerID, addr uint64) request.Handle {
		h := pool.Alloc(addr, request.OpRead, 0, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: from, Request: h})
		return h
	}

	BeforeEach(func() {
		pool = request.NewPool(32)
		ic = &fakeIC{}
		dir = directory.New(dirID, pool, ic, directory.Config{Sets: 4, Ways: 2, LineSize: 64})
		dir.Track(cacheA)
		dir.Track(cacheB)
	})

	It("records readers as sharers", func() {
		read(cacheA, 0x1000)
		read(cacheB, 0x1000)

		e, ok := dir.Lookup(0x1000)
		Expect(ok).To(BeTrue())
		Expect(e.Presence).To(Equal(uint64(0b11)))
		Expect(e.Dirty).To(BeFalse())
	})

	It("evicts stale sharers and grants unique dirty ownership on a write", func() {
		read(cacheA, 0x2000)
		read(cacheB, 0x2000)

		h := pool.Alloc(0x2000, request.OpWrite, 1, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: cacheB, Request: h})

		Expect(ic.sent).To(HaveLen(1))
		Expect(ic.sent[0].Dest).To(Equal(cacheA))
		evict := pool.Get(ic.sent[0].Request)
		Expect(evict.Op).To(Equal(request.OpEvict))
		Expect(evict.PhysAddr).To(Equal(uint64(0x2000)))

		e, _ := dir.Lookup(0x2000)
		Expect(e.Dirty).To(BeTrue())
		Expect(e.Owner).To(Equal(cacheB))
		Expect(e.Presence).To(Equal(uint64(0b10)))
	})

	It("absorbs acknowledgements of its own evictions and releases the request", func() {
		read(cacheA, 0x3000)
		h := pool.Alloc(0x3000, request.OpWrite, 0, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: cacheB, Request: h})
		Expect(ic.sent).To(HaveLen(1))
		evictHandle := ic.sent[0].Request

		dir.Receive(ic, message.Message{Sender: cacheA, Request: evictHandle})

		Expect(pool.Get(evictHandle)).To(BeNil())
	})

	It("drops an empty entry once its last sharer evicts", func() {
		read(cacheA, 0x4000)

		h := pool.Alloc(0x4000, request.OpEvict, 0, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: cacheA, Request: h})

		_, ok := dir.Lookup(0x4000)
		Expect(ok).To(BeFalse())
	})

	It("clears the dirty flag when the owner's write-back arrives", func() {
		h := pool.Alloc(0x5000, request.OpWrite, 0, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: cacheA, Request: h})
		e, _ := dir.Lookup(0x5000)
		Expect(e.Dirty).To(BeTrue())

		u := pool.Alloc(0x5000, request.OpUpdate, 0, 0, 0, 0, 0, false, false)
		dir.Receive(ic, message.Message{Sender: cacheA, Request: u})
		Expect(e.Dirty).To(BeFalse())
	})
})
