package interconnect_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

var _ = Describe("Bus", func() {
	var (
		q    *event.Queue
		pool *request.Pool
		bus  *interconnect.Bus
		c0   *fakeController
		c1   *fakeController
		c2   *fakeController
	)

	BeforeEach(func() {
		q = event.NewQueue()
		pool = request.NewPool(64)
		bus = interconnect.NewBus("sharedbus", q, pool, interconnect.BusConfig{
			ArbitrationLatency: 1,
			BroadcastLatency:   2,
		})
		c0 = newFakeController(0)
		c1 = newFakeController(1)
		c2 = newFakeController(2)
		bus.Register(c0)
		bus.Register(c1)
		bus.Register(c2)
	})

	tick := func(n int) {
		for i := 0; i < n; i++ {
			q.Clock()
		}
	}

	It("broadcasts an address-phase request to every other controller", func() {
		h := pool.Alloc(0x1000, request.OpRead, 0, 0, 0, 0, 0, false, false)
		bus.Send(0, message.Message{Sender: 0, Request: h})

		tick(5)

		Expect(c1.received).To(HaveLen(1))
		Expect(c2.received).To(HaveLen(1))
		Expect(c0.received).To(BeEmpty())
	})

	It("runs the data phase once every controller has responded", func() {
		h := pool.Alloc(0x1000, request.OpRead, 0, 0, 0, 0, 0, false, false)
		bus.Send(0, message.Message{Sender: 0, Request: h})
		tick(5)

		bus.Send(1, message.Message{Sender: 1, Request: h, HasData: true})
		bus.Send(2, message.Message{Sender: 2, Request: h})

		tick(6)

		Expect(c0.received).To(HaveLen(1))
	})

	It("services requesters round-robin across arbitration rounds", func() {
		ha := pool.Alloc(0x1000, request.OpRead, 0, 0, 0, 0, 0, false, false)
		hb := pool.Alloc(0x2000, request.OpRead, 0, 0, 0, 0, 0, false, false)

		bus.Send(1, message.Message{Sender: 1, Request: ha})
		bus.Send(2, message.Message{Sender: 2, Request: hb})

		tick(8)

		Expect(c0.received).To(HaveLen(2))
	})

	It("reports full once the pending table saturates", func() {
		for i := 0; i < 32; i++ {
			h := pool.Alloc(uint64(i)*64, request.OpRead, 0, 0, 0, 0, 0, false, false)
			bus.Send(0, message.Message{Sender: 0, Request: h})
			tick(3)
		}
		Expect(bus.IsFull()).To(BeTrue())
	})
})
