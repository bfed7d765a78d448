// Package config defines the YAML machine description the hierarchy is
// built from: the producers, the controllers, the interconnects, and
// the connections wiring them together.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Controller kinds.
const (
	KindCPU        = "cpu"
	KindMESICache  = "mesi_cache"
	KindMOESICache = "moesi_cache"
	KindTSXMESI    = "tsx_mesi"
	KindSimpleDRAM = "simple_dram"
)

// Interconnect kinds.
const (
	KindP2P      = "p2p"
	KindSplitBus = "split_bus"
	KindSwitch   = "switch"
)

// Connection roles.
const (
	RoleUpper     = "upper"
	RoleUpper2    = "upper2"
	RoleLower     = "lower"
	RoleI         = "i"
	RoleD         = "d"
	RoleDirectory = "directory"
)

// MachineConfig is the full machine description.
type MachineConfig struct {
	Cores         []CoreConfig         `yaml:"cores"`
	Controllers   []ControllerConfig   `yaml:"controllers"`
	Interconnects []InterconnectConfig `yaml:"interconnects"`
	Connections   []ConnectionConfig   `yaml:"connections"`

	// RequestPoolSize bounds the facade's request arena. Default 256.
	RequestPoolSize int `yaml:"request_pool_size,omitempty"`
	// MessagePoolSize bounds the facade's message pool. Default 128.
	MessagePoolSize int `yaml:"message_pool_size,omitempty"`
}

// CoreConfig names one request producer.
type CoreConfig struct {
	ID int `yaml:"id"`
}

// CacheParams holds per-cache parameters for cache-kind controllers.
// cpu-kind controllers do not read it; their queue and buffer sizes are
// not configurable here.
type CacheParams struct {
	Sets          int    `yaml:"sets"`
	Ways          int    `yaml:"ways"`
	LineSize      int    `yaml:"line_size"`
	AccessLatency uint64 `yaml:"access_latency"`
	ReadPorts     int    `yaml:"read_ports"`
	WritePorts    int    `yaml:"write_ports"`
	PendingQueue  int    `yaml:"pending_queue"`
	Private       bool   `yaml:"private"`
	LowestPrivate bool   `yaml:"lowest_private"`
}

// DRAMParams holds DRAM-kind controller parameters.
type DRAMParams struct {
	Banks         int    `yaml:"banks"`
	AccessLatency uint64 `yaml:"access_latency"`
	PendingQueue  int    `yaml:"pending_queue"`
}

// ControllerConfig describes one controller instance.
type ControllerConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Core binds a cpu-kind controller to its producer; ignored for
	// other kinds except as the owner core of private tsx caches.
	Core  int          `yaml:"core,omitempty"`
	Cache *CacheParams `yaml:"cache,omitempty"`
	DRAM  *DRAMParams  `yaml:"dram,omitempty"`
}

// InterconnectConfig describes one fabric instance.
type InterconnectConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Latency is the per-hop latency (switch) or broadcast latency (bus).
	Latency uint64 `yaml:"latency"`
	// ArbitrationLatency applies to split_bus only.
	ArbitrationLatency uint64 `yaml:"arbitration_latency,omitempty"`
}

// Attachment binds one controller, in one role, to a connection.
type Attachment struct {
	Controller string `yaml:"controller"`
	Role       string `yaml:"role"`
}

// ConnectionConfig wires controllers onto an interconnect.
type ConnectionConfig struct {
	Interconnect string       `yaml:"interconnect"`
	Attach       []Attachment `yaml:"attach"`
}

// Default returns a single-core machine: one CPU front-end, split MESI
// L1s over point-to-point links, and a DRAM controller behind a switch.
func Default() *MachineConfig {
	l1 := CacheParams{
		Sets: 64, Ways: 8, LineSize: 64,
		AccessLatency: 2, ReadPorts: 2, WritePorts: 2,
		PendingQueue: 32, Private: true, LowestPrivate: true,
	}
	return &MachineConfig{
		Cores: []CoreConfig{{ID: 0}},
		Controllers: []ControllerConfig{
			{Name: "core0", Kind: KindCPU, Core: 0},
			{Name: "l1i0", Kind: KindMESICache, Core: 0, Cache: &l1},
			{Name: "l1d0", Kind: KindMESICache, Core: 0, Cache: &l1},
			{Name: "dram", Kind: KindSimpleDRAM, DRAM: &DRAMParams{Banks: 8, AccessLatency: 50, PendingQueue: 16}},
		},
		Interconnects: []InterconnectConfig{
			{Name: "core0-l1i", Kind: KindP2P},
			{Name: "core0-l1d", Kind: KindP2P},
			{Name: "l1-dram", Kind: KindSwitch, Latency: 2},
		},
		Connections: []ConnectionConfig{
			{Interconnect: "core0-l1i", Attach: []Attachment{
				{Controller: "core0", Role: RoleI},
				{Controller: "l1i0", Role: RoleLower},
			}},
			{Interconnect: "core0-l1d", Attach: []Attachment{
				{Controller: "core0", Role: RoleD},
				{Controller: "l1d0", Role: RoleLower},
			}},
			{Interconnect: "l1-dram", Attach: []Attachment{
				{Controller: "l1i0", Role: RoleUpper},
				{Controller: "l1d0", Role: RoleUpper2},
				{Controller: "dram", Role: RoleLower},
			}},
		},
	}
}

// LoadMachineConfig reads and validates a machine description.
func LoadMachineConfig(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine config file: %w", err)
	}

	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse machine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the machine description to a YAML file.
func (c *MachineConfig) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize machine config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write machine config file: %w", err)
	}
	return nil
}

// Clone deep-copies the config so callers can mutate one topology
// variant without disturbing another.
func (c *MachineConfig) Clone() *MachineConfig {
	data, err := yaml.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: clone marshal failed: %v", err))
	}
	var out MachineConfig
	if err := yaml.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("config: clone unmarshal failed: %v", err))
	}
	return &out
}

func validControllerKind(kind string) bool {
	switch kind {
	case KindCPU, KindMESICache, KindMOESICache, KindTSXMESI, KindSimpleDRAM:
		return true
	}
	return false
}

func validInterconnectKind(kind string) bool {
	switch kind {
	case KindP2P, KindSplitBus, KindSwitch:
		return true
	}
	return false
}

func validRole(role string) bool {
	switch role {
	case RoleUpper, RoleUpper2, RoleLower, RoleI, RoleD, RoleDirectory:
		return true
	}
	return false
}

// Validate rejects unknown kinds, duplicate or dangling names, missing
// parameter blocks, and controllers left unconnected.
func (c *MachineConfig) Validate() error {
	if len(c.Controllers) == 0 {
		return fmt.Errorf("machine config names no controllers")
	}

	controllers := make(map[string]ControllerConfig, len(c.Controllers))
	for _, ctl := range c.Controllers {
		if ctl.Name == "" {
			return fmt.Errorf("controller with empty name")
		}
		if _, dup := controllers[ctl.Name]; dup {
			return fmt.Errorf("duplicate controller name %q", ctl.Name)
		}
		if !validControllerKind(ctl.Kind) {
			return fmt.Errorf("controller %q: unknown kind %q", ctl.Name, ctl.Kind)
		}
		switch ctl.Kind {
		case KindMESICache, KindMOESICache, KindTSXMESI:
			if ctl.Cache == nil {
				return fmt.Errorf("controller %q: cache kind without cache params", ctl.Name)
			}
			if ctl.Cache.Sets <= 0 || ctl.Cache.Ways <= 0 || ctl.Cache.LineSize <= 0 {
				return fmt.Errorf("controller %q: sets, ways, and line_size must be > 0", ctl.Name)
			}
			if ctl.Cache.LineSize&(ctl.Cache.LineSize-1) != 0 {
				return fmt.Errorf("controller %q: line_size must be a power of two", ctl.Name)
			}
		case KindSimpleDRAM:
			if ctl.DRAM == nil {
				return fmt.Errorf("controller %q: dram kind without dram params", ctl.Name)
			}
			if ctl.DRAM.Banks <= 0 || ctl.DRAM.Banks&(ctl.DRAM.Banks-1) != 0 {
				return fmt.Errorf("controller %q: banks must be a power of two > 0", ctl.Name)
			}
		}
		controllers[ctl.Name] = ctl
	}

	ics := make(map[string]InterconnectConfig, len(c.Interconnects))
	for _, ic := range c.Interconnects {
		if ic.Name == "" {
			return fmt.Errorf("interconnect with empty name")
		}
		if _, dup := ics[ic.Name]; dup {
			return fmt.Errorf("duplicate interconnect name %q", ic.Name)
		}
		if !validInterconnectKind(ic.Kind) {
			return fmt.Errorf("interconnect %q: unknown kind %q", ic.Name, ic.Kind)
		}
		ics[ic.Name] = ic
	}

	connected := make(map[string]bool)
	for _, conn := range c.Connections {
		ic, ok := ics[conn.Interconnect]
		if !ok {
			return fmt.Errorf("connection references unknown interconnect %q", conn.Interconnect)
		}
		if ic.Kind == KindP2P && len(conn.Attach) != 2 {
			return fmt.Errorf("connection %q: p2p takes exactly two controllers, got %d", conn.Interconnect, len(conn.Attach))
		}
		for _, a := range conn.Attach {
			if _, ok := controllers[a.Controller]; !ok {
				return fmt.Errorf("connection %q references unknown controller %q", conn.Interconnect, a.Controller)
			}
			if !validRole(a.Role) {
				return fmt.Errorf("connection %q: controller %q has unknown role %q", conn.Interconnect, a.Controller, a.Role)
			}
			connected[a.Controller] = true
		}
	}

	for name := range controllers {
		if !connected[name] {
			return fmt.Errorf("controller %q is not connected to any interconnect", name)
		}
	}

	for _, core := range c.Cores {
		found := false
		for _, ctl := range c.Controllers {
			if ctl.Kind == KindCPU && ctl.Core == core.ID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("core %d has no cpu controller", core.ID)
		}
	}

	return nil
}
