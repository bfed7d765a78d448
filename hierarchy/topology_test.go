package hierarchy_test

import (
	"github.com/sarchlab/memhier/config"
)

// singleCoreConfig is a small single-core machine: split MESI L1s over
// point-to-point links, a switch down to DRAM. Latencies are kept tiny
// so scenarios settle in a few dozen cycles.
func singleCoreConfig() *config.MachineConfig {
	l1 := config.CacheParams{
		Sets: 4, Ways: 2, LineSize: 64,
		AccessLatency: 1, ReadPorts: 2, WritePorts: 2,
		PendingQueue: 16, Private: true, LowestPrivate: true,
	}
	return &config.MachineConfig{
		Cores: []config.CoreConfig{{ID: 0}},
		Controllers: []config.ControllerConfig{
			{Name: "core0", Kind: config.KindCPU, Core: 0},
			{Name: "l1i0", Kind: config.KindMESICache, Core: 0, Cache: &l1},
			{Name: "l1d0", Kind: config.KindMESICache, Core: 0, Cache: &l1},
			{Name: "dram", Kind: config.KindSimpleDRAM, DRAM: &config.DRAMParams{Banks: 4, AccessLatency: 5, PendingQueue: 16}},
		},
		Interconnects: []config.InterconnectConfig{
			{Name: "core0-l1i", Kind: config.KindP2P},
			{Name: "core0-l1d", Kind: config.KindP2P},
			{Name: "l1-dram", Kind: config.KindSwitch, Latency: 1},
		},
		Connections: []config.ConnectionConfig{
			{Interconnect: "core0-l1i", Attach: []config.Attachment{
				{Controller: "core0", Role: config.RoleI},
				{Controller: "l1i0", Role: config.RoleLower},
			}},
			{Interconnect: "core0-l1d", Attach: []config.Attachment{
				{Controller: "core0", Role: config.RoleD},
				{Controller: "l1d0", Role: config.RoleLower},
			}},
			{Interconnect: "l1-dram", Attach: []config.Attachment{
				{Controller: "l1i0", Role: config.RoleUpper},
				{Controller: "l1d0", Role: config.RoleUpper2},
				{Controller: "dram", Role: config.RoleLower},
			}},
		},
	}
}

// dualCoreBusConfig is a two-core machine whose lowest-private data
// caches share a split-phase bus down to DRAM.
func dualCoreBusConfig(cacheKind string) *config.MachineConfig {
	l1 := config.CacheParams{
		Sets: 4, Ways: 2, LineSize: 64,
		AccessLatency: 1, ReadPorts: 2, WritePorts: 2,
		PendingQueue: 16, Private: true, LowestPrivate: true,
	}
	return &config.MachineConfig{
		Cores: []config.CoreConfig{{ID: 0}, {ID: 1}},
		Controllers: []config.ControllerConfig{
			{Name: "core0", Kind: config.KindCPU, Core: 0},
			{Name: "core1", Kind: config.KindCPU, Core: 1},
			{Name: "l1d0", Kind: cacheKind, Core: 0, Cache: &l1},
			{Name: "l1d1", Kind: cacheKind, Core: 1, Cache: &l1},
			{Name: "dram", Kind: config.KindSimpleDRAM, DRAM: &config.DRAMParams{Banks: 4, AccessLatency: 5, PendingQueue: 16}},
		},
		Interconnects: []config.InterconnectConfig{
			{Name: "core0-l1d", Kind: config.KindP2P},
			{Name: "core1-l1d", Kind: config.KindP2P},
			{Name: "membus", Kind: config.KindSplitBus, Latency: 1, ArbitrationLatency: 1},
		},
		Connections: []config.ConnectionConfig{
			{Interconnect: "core0-l1d", Attach: []config.Attachment{
				{Controller: "core0", Role: config.RoleD},
				{Controller: "l1d0", Role: config.RoleLower},
			}},
			{Interconnect: "core1-l1d", Attach: []config.Attachment{
				{Controller: "core1", Role: config.RoleD},
				{Controller: "l1d1", Role: config.RoleLower},
			}},
			{Interconnect: "membus", Attach: []config.Attachment{
				{Controller: "l1d0", Role: config.RoleUpper},
				{Controller: "l1d1", Role: config.RoleUpper2},
				{Controller: "dram", Role: config.RoleLower},
			}},
		},
	}
}
