package hierarchy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/coherence"
	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/cpu"
	"github.com/sarchlab/memhier/hierarchy"
)

type wake struct {
	coreID int
	robID  int
	addr   uint64
	cycle  uint64
}

var _ = Describe("Hierarchy, single core", func() {
	var (
		h     *hierarchy.Hierarchy
		wakes []wake
	)

	settle := func(cycles int) {
		for i := 0; i < cycles; i++ {
			h.Clock()
		}
	}

	BeforeEach(func() {
		wakes = nil
		var err error
		h, err = hierarchy.New(singleCoreConfig())
		Expect(err).NotTo(HaveOccurred())
		h.SetWakeup(cpu.Wakeup{
			ICache: func(coreID int, physAddr uint64) {
				wakes = append(wakes, wake{coreID: coreID, addr: physAddr, cycle: h.Now()})
			},
			DCache: func(coreID, threadID, robID int, seq uint64, physAddr uint64) {
				wakes = append(wakes, wake{coreID: coreID, robID: robID, addr: physAddr, cycle: h.Now()})
			},
		})
	})

	It("serves an L1 hit via the fast path at the L1 latency", func() {
		line, _, _, _ := h.Cache("l1d0").Lines().Select(0x1000)
		line.SetState(coherence.Exclusive)

		Expect(h.AccessCache(0, 0, 1, 0, 0, 0x1000, false, false)).To(BeTrue())
		settle(3)

		Expect(wakes).To(HaveLen(1))
		Expect(wakes[0].addr).To(Equal(uint64(0x1000)))
		Expect(h.DRAM("dram").FillsServed).To(BeZero())
		Expect(h.RequestsInUse()).To(BeZero())
	})

	It("fills a cold miss from DRAM, leaving the line Exclusive", func() {
		Expect(h.AccessCache(0, 0, 2, 0, 0, 0x2000, false, false)).To(BeTrue())
		settle(100)

		Expect(wakes).To(HaveLen(1))
		// L1 access + hop down + DRAM + hop up + insert, at minimum.
		Expect(wakes[0].cycle).To(BeNumerically(">=", 9))
		Expect(h.DRAM("dram").FillsServed).To(Equal(uint64(1)))

		line, ok := h.Cache("l1d0").Lines().Probe(0x2000)
		Expect(ok).To(BeTrue())
		Expect(coherence.BaseState(line.State())).To(Equal(coherence.Exclusive))
		Expect(h.RequestsInUse()).To(BeZero())
	})

	It("writes back a dirty line evicted by conflicting fills", func() {
		Expect(h.AccessCache(0, 0, 1, 0, 0, 0x4000, false, true)).To(BeTrue())
		settle(100)
		line, ok := h.Cache("l1d0").Lines().Probe(0x4000)
		Expect(ok).To(BeTrue())
		Expect(coherence.BaseState(line.State())).To(Equal(coherence.Modified))

		// Two more fills into the same 2-way set evict the dirty line.
		Expect(h.AccessCache(0, 0, 2, 0, 0, 0x4100, false, false)).To(BeTrue())
		settle(100)
		Expect(h.AccessCache(0, 0, 3, 0, 0, 0x4200, false, false)).To(BeTrue())
		settle(100)

		Expect(h.DRAM("dram").UpdatesAbsorbed).To(Equal(uint64(1)))
		_, ok = h.Cache("l1d0").Lines().Probe(0x4000)
		Expect(ok).To(BeFalse())
		Expect(h.RequestsInUse()).To(BeZero())
	})

	It("serializes same-line reads through one downstream miss, waking in arrival order", func() {
		Expect(h.AccessCache(0, 0, 1, 0, 0, 0xC000, false, false)).To(BeTrue())
		Expect(h.AccessCache(0, 0, 2, 0, 0, 0xC008, false, false)).To(BeTrue())
		Expect(h.AccessCache(0, 0, 3, 0, 0, 0xC010, false, false)).To(BeTrue())
		settle(100)

		Expect(h.DRAM("dram").FillsServed).To(Equal(uint64(1)))
		Expect(wakes).To(HaveLen(3))
		Expect(wakes[0].robID).To(Equal(1))
		Expect(wakes[1].robID).To(Equal(2))
		Expect(wakes[2].robID).To(Equal(3))
		Expect(wakes[1].cycle).To(Equal(wakes[0].cycle + 1))
		Expect(wakes[2].cycle).To(Equal(wakes[0].cycle + 2))
		Expect(h.RequestsInUse()).To(BeZero())
	})

	It("delivers no wake-up after an annulment and leaves no references behind", func() {
		Expect(h.AccessCache(0, 0, 5, 0, 0, 0x6000, false, false)).To(BeTrue())
		h.AnnulRequest(0, 0, 5, 0x6000, false, false)
		settle(100)

		Expect(wakes).To(BeEmpty())
		Expect(h.RequestsInUse()).To(BeZero())

		// Idempotent: a second annulment of the same coordinates is a no-op.
		h.AnnulRequest(0, 0, 5, 0x6000, false, false)
		settle(10)
		Expect(wakes).To(BeEmpty())
	})

	It("warms a line via prefetch without waking the producer", func() {
		Expect(h.Prefetch(0, 0x3000, false)).To(BeTrue())
		settle(100)

		Expect(wakes).To(BeEmpty())
		Expect(h.RequestsInUse()).To(BeZero())
		line, ok := h.Cache("l1d0").Lines().Probe(0x3000)
		Expect(ok).To(BeTrue())
		Expect(coherence.BaseState(line.State())).To(Equal(coherence.Exclusive))

		// The demand read that follows is a fast-path hit.
		Expect(h.AccessCache(0, 0, 4, 0, 0, 0x3000, false, false)).To(BeTrue())
		settle(5)
		Expect(wakes).To(HaveLen(1))
		Expect(h.DRAM("dram").FillsServed).To(Equal(uint64(1)))
	})

	It("accounts hits, misses, and dependency stalls", func() {
		// A read and a write to the same line: the write reaches the L1
		// separately (different op, so the front-end cannot merge them)
		// and queues behind the read's pending entry.
		Expect(h.AccessCache(0, 0, 1, 0, 0, 0xC000, false, false)).To(BeTrue())
		Expect(h.AccessCache(0, 0, 2, 0, 0, 0xC000, false, true)).To(BeTrue())
		settle(100)

		l1d := h.Cache("l1d0")
		Expect(l1d.DependencyStalls).To(Equal(uint64(1)))
		Expect(l1d.Misses).To(Equal(uint64(1)))
		Expect(l1d.Hits).To(Equal(uint64(1)))
		Expect(wakes).To(HaveLen(2))
		Expect(h.RequestsInUse()).To(BeZero())
	})

	It("tracks pending off-chip misses per core", func() {
		Expect(h.AccessCache(0, 0, 1, 0, 0, 0x2000, false, false)).To(BeTrue())
		settle(4)
		Expect(h.PendingOffchipMisses(0)).To(Equal(1))
		settle(100)
		Expect(h.PendingOffchipMisses(0)).To(BeZero())
	})

	It("flushes all pending state and reports the cycle charge", func() {
		Expect(h.AccessCache(0, 0, 1, 0, 0, 0x2000, false, false)).To(BeTrue())
		settle(2)

		Expect(h.Flush()).To(Equal(4))
		Expect(h.RequestsInUse()).To(BeZero())
		settle(50)
		Expect(wakes).To(BeEmpty())
	})

	It("round-trips the live topology back to a machine description", func() {
		cfg, err := h.DumpConfiguration()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.Controllers).To(HaveLen(4))
	})

	It("reports availability for a known core and none for an unknown one", func() {
		Expect(h.IsCacheAvailable(0, 0, false)).To(BeTrue())
		Expect(h.IsCacheAvailable(7, 0, false)).To(BeFalse())
	})
})

var _ = Describe("Hierarchy, construction errors", func() {
	It("rejects a topology whose cache has no lower connection", func() {
		cfg := singleCoreConfig()
		// Keep dram attached (so validation passes) but not as the lower
		// endpoint, leaving the L1s with no lower-side destination.
		cfg.Connections[2].Attach[2].Role = config.RoleUpper
		_, err := hierarchy.New(cfg)
		Expect(err).To(MatchError(ContainSubstring("no lower-side connection")))
	})

	It("rejects a cyclic connection graph", func() {
		cfg := singleCoreConfig()
		// Point the DRAM back up at l1d0's fabric as an upper endpoint,
		// closing l1d0 -> dram -> l1d0.
		cfg.Interconnects = append(cfg.Interconnects, config.InterconnectConfig{
			Name: "backedge", Kind: config.KindSwitch, Latency: 1,
		})
		cfg.Connections = append(cfg.Connections, config.ConnectionConfig{
			Interconnect: "backedge",
			Attach: []config.Attachment{
				{Controller: "dram", Role: config.RoleUpper},
				{Controller: "l1d0", Role: config.RoleLower},
			},
		})
		_, err := hierarchy.New(cfg)
		Expect(err).To(MatchError(ContainSubstring("cycle")))
	})
})
