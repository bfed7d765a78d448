// Package hierarchy assembles the memory system from a machine
// description and exposes the producer-facing API: access_cache, the
// wake-up callbacks, annulment, the back-pressure probe, clock, and
// flush. The facade owns every component, the event queue, and the
// request and message pools.
package hierarchy

import (
	"fmt"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"

	"github.com/sarchlab/memhier/cache"
	"github.com/sarchlab/memhier/cacheline"
	"github.com/sarchlab/memhier/coherence"
	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/cpu"
	"github.com/sarchlab/memhier/directory"
	"github.com/sarchlab/memhier/dram"
	"github.com/sarchlab/memhier/event"
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

const (
	defaultRequestPoolSize = 256
	defaultMessagePoolSize = 128
	flushCycles            = 4
)

// InvariantViolation is the panic value carried out of the core when a
// simulator bug is detected. The pending-request rows and pending events
// have already been logged by the time it propagates.
type InvariantViolation struct {
	Reason string
}

func (v InvariantViolation) Error() string {
	return "memory hierarchy invariant violation: " + v.Reason
}

// Option configures a Hierarchy at construction.
type Option func(*Hierarchy)

// WithLogger supplies the structured logging sink. The default is a
// no-op logger.
func WithLogger(l *logiface.Logger[*islog.Event]) Option {
	return func(h *Hierarchy) { h.log = l }
}

// WithWakeup supplies the producer completion callbacks.
func WithWakeup(w cpu.Wakeup) Option {
	return func(h *Hierarchy) { h.wake = w }
}

// WithTSXAbortHandler supplies the callback invoked when a core's
// transaction aborts: the backup context captured at the outermost
// xbegin and the abort address to redirect fetch to.
func WithTSXAbortHandler(fn func(coreID int, backup any, abortPC uint64)) Option {
	return func(h *Hierarchy) { h.tsxAbort = fn }
}

// WithInvariantChecks makes every Clock scan the coherent caches for
// protocol-invariant violations. Intended for randomized tests; the
// scan is linear in the total line count.
func WithInvariantChecks() Option {
	return func(h *Hierarchy) { h.checkInvariants = true }
}

// Hierarchy owns the assembled memory system.
type Hierarchy struct {
	cfg  *config.MachineConfig
	log  *logiface.Logger[*islog.Event]
	wake cpu.Wakeup

	q       *event.Queue
	reqPool *request.Pool
	msgPool *message.Pool

	cpus          map[int]*cpu.Controller
	lowestPrivate map[string]*cache.Controller
	caches        map[string]*cache.Controller
	drams         map[string]*dram.Controller
	dirs          map[string]*directory.Controller
	ics           map[string]interconnect.Interconnect
	coreCaches    map[int][]*cache.Controller

	tsx      *coherence.TSXTracker
	tsxAbort func(coreID int, backup any, abortPC uint64)

	checkInvariants bool

	ctlFull map[string]bool
	icFull  map[string]bool
	anyFull bool
}

// wiring is the per-controller connection info gathered before
// construction, since controllers take their fabrics at New time.
type wiring struct {
	upperIC   string
	lowerIC   string
	lowerDest string
	iIC       string
	dIC       string
}

// New builds the hierarchy a machine description names. All
// configuration errors (unknown kinds, dangling names, missing or
// cyclic connections) are detected here; nothing fails later.
func New(cfg *config.MachineConfig, opts ...Option) (*Hierarchy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}
	cfg = cfg.Clone()

	h := &Hierarchy{
		cfg:           cfg,
		q:             event.NewQueue(),
		cpus:          make(map[int]*cpu.Controller),
		lowestPrivate: make(map[string]*cache.Controller),
		caches:        make(map[string]*cache.Controller),
		drams:         make(map[string]*dram.Controller),
		dirs:          make(map[string]*directory.Controller),
		ics:           make(map[string]interconnect.Interconnect),
		coreCaches:    make(map[int][]*cache.Controller),
		ctlFull:       make(map[string]bool),
		icFull:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}

	poolSize := cfg.RequestPoolSize
	if poolSize <= 0 {
		poolSize = defaultRequestPoolSize
	}
	msgSize := cfg.MessagePoolSize
	if msgSize <= 0 {
		msgSize = defaultMessagePoolSize
	}
	h.reqPool = request.NewPool(poolSize)
	h.msgPool = message.NewPool(msgSize)

	for _, icCfg := range cfg.Interconnects {
		switch icCfg.Kind {
		case config.KindP2P:
			h.ics[icCfg.Name] = interconnect.NewP2P(icCfg.Name)
		case config.KindSwitch:
			h.ics[icCfg.Name] = interconnect.NewSwitch(icCfg.Name, h.q, h.reqPool, icCfg.Latency)
		case config.KindSplitBus:
			h.ics[icCfg.Name] = interconnect.NewBus(icCfg.Name, h.q, h.reqPool, interconnect.BusConfig{
				ArbitrationLatency: icCfg.ArbitrationLatency,
				BroadcastLatency:   icCfg.Latency,
			})
		}
	}

	wirings, err := h.resolveWirings(cfg)
	if err != nil {
		return nil, err
	}
	if err := h.detectLowerCycle(cfg, wirings); err != nil {
		return nil, err
	}

	ids := make(map[string]message.ControllerID, len(cfg.Controllers))
	for i, ctl := range cfg.Controllers {
		ids[ctl.Name] = message.ControllerID(i + 1)
	}

	if err := h.buildControllers(cfg, wirings, ids); err != nil {
		return nil, err
	}
	h.registerConnections(cfg, ids)
	h.buildDirectories(cfg, ids)

	h.log.Info().
		Int("controllers", len(cfg.Controllers)).
		Int("interconnects", len(cfg.Interconnects)).
		Int("cores", len(cfg.Cores)).
		Log("memory hierarchy assembled")

	return h, nil
}

// resolveWirings derives each controller's fabric attachments from the
// connection list.
func (h *Hierarchy) resolveWirings(cfg *config.MachineConfig) (map[string]*wiring, error) {
	wirings := make(map[string]*wiring, len(cfg.Controllers))
	for _, ctl := range cfg.Controllers {
		wirings[ctl.Name] = &wiring{}
	}

	for _, conn := range cfg.Connections {
		var lowerName string
		for _, a := range conn.Attach {
			if a.Role == config.RoleLower {
				lowerName = a.Controller
			}
		}
		for _, a := range conn.Attach {
			w := wirings[a.Controller]
			switch a.Role {
			case config.RoleLower:
				w.upperIC = conn.Interconnect
			case config.RoleUpper, config.RoleUpper2:
				w.lowerIC = conn.Interconnect
				w.lowerDest = lowerName
			case config.RoleI:
				w.iIC = conn.Interconnect
			case config.RoleD:
				w.dIC = conn.Interconnect
			}
		}
	}

	for _, ctl := range cfg.Controllers {
		w := wirings[ctl.Name]
		switch ctl.Kind {
		case config.KindMESICache, config.KindMOESICache, config.KindTSXMESI:
			if w.upperIC == "" {
				return nil, fmt.Errorf("cache %q has no upper-side connection", ctl.Name)
			}
			if w.lowerIC == "" || w.lowerDest == "" {
				return nil, fmt.Errorf("cache %q has no lower-side connection", ctl.Name)
			}
		case config.KindSimpleDRAM:
			if w.upperIC == "" {
				return nil, fmt.Errorf("dram %q has no upper-side connection", ctl.Name)
			}
		case config.KindCPU:
			if w.iIC == "" && w.dIC == "" {
				return nil, fmt.Errorf("cpu %q has neither an i nor a d connection", ctl.Name)
			}
		}
	}
	return wirings, nil
}

// detectLowerCycle walks the cache→lower edges; a cycle there would
// deadlock every miss.
func (h *Hierarchy) detectLowerCycle(cfg *config.MachineConfig, wirings map[string]*wiring) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case inStack:
			return fmt.Errorf("connection graph has a cycle through controller %q", name)
		case done:
			return nil
		}
		state[name] = inStack
		if w, ok := wirings[name]; ok && w.lowerDest != "" {
			if err := visit(w.lowerDest); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, ctl := range cfg.Controllers {
		if err := visit(ctl.Name); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hierarchy) buildControllers(cfg *config.MachineConfig, wirings map[string]*wiring, ids map[string]message.ControllerID) error {
	needTSX := false
	for _, ctl := range cfg.Controllers {
		if ctl.Kind == config.KindTSXMESI {
			needTSX = true
		}
	}
	if needTSX {
		h.tsx = coherence.NewTSXTracker()
		h.tsx.AbortHandler = func(coreID int, backup any, abortPC uint64) {
			h.clearTransactionalState(coreID)
			if h.tsxAbort != nil {
				h.tsxAbort(coreID, backup, abortPC)
			}
		}
	}

	for _, ctl := range cfg.Controllers {
		w := wirings[ctl.Name]
		id := ids[ctl.Name]

		switch ctl.Kind {
		case config.KindMESICache, config.KindMOESICache, config.KindTSXMESI:
			var protocol coherence.Protocol
			switch ctl.Kind {
			case config.KindMOESICache:
				protocol = coherence.MOESI{}
			case config.KindTSXMESI:
				protocol = coherence.NewMESITSX(h.tsx)
			default:
				protocol = coherence.MESI{}
			}

			lines := cacheline.New(cacheline.Config{
				Sets:          ctl.Cache.Sets,
				Ways:          ctl.Cache.Ways,
				LineSize:      ctl.Cache.LineSize,
				AccessLatency: ctl.Cache.AccessLatency,
				ReadPorts:     ctl.Cache.ReadPorts,
				WritePorts:    ctl.Cache.WritePorts,
			})

			depth := ctl.Cache.PendingQueue
			if depth <= 0 {
				depth = 32
			}
			c := cache.New(id, h.q, h.reqPool, h.msgPool, lines, protocol,
				h.ics[w.upperIC], h.ics[w.lowerIC], cache.Config{
					PendingDepth:        depth,
					ReserveInterconnect: reserveSlots(depth, 6),
					ReserveInternal:     reserveSlots(depth, 20),
					LowestPrivate:       ctl.Cache.LowestPrivate,
					OwnerCore:           ctl.Core,
					LowerDest:           ids[w.lowerDest],
				})
			h.caches[ctl.Name] = c
			if ctl.Cache.Private {
				h.coreCaches[ctl.Core] = append(h.coreCaches[ctl.Core], c)
			}
			if ctl.Cache.LowestPrivate {
				h.lowestPrivate[ctl.Name] = c
			}

		case config.KindSimpleDRAM:
			h.drams[ctl.Name] = dram.New(id, h.q, h.reqPool, h.ics[w.upperIC], dram.Config{
				Banks:         ctl.DRAM.Banks,
				AccessLatency: ctl.DRAM.AccessLatency,
				PendingDepth:  ctl.DRAM.PendingQueue,
			})

		case config.KindCPU:
			lineSize := 64
			if l1Name := h.roleLowerOf(cfg, w.dIC); l1Name != "" {
				if cc := h.controllerCfg(cfg, l1Name); cc != nil && cc.Cache != nil {
					lineSize = cc.Cache.LineSize
				}
			}
			h.cpus[ctl.Core] = cpu.New(id, h.q, h.reqPool, h.msgPool, cpu.Config{
				CoreID:   ctl.Core,
				LineSize: lineSize,
			}, h.wake)
		}
	}

	// Second pass: attach the CPU front-ends to their L1s, which now exist.
	for _, ctl := range cfg.Controllers {
		if ctl.Kind != config.KindCPU {
			continue
		}
		w := wirings[ctl.Name]
		front := h.cpus[ctl.Core]
		if w.iIC != "" {
			l1Name := h.roleLowerOf(cfg, w.iIC)
			front.ConnectL1I(h.ics[w.iIC], h.caches[l1Name], ids[l1Name])
		}
		if w.dIC != "" {
			l1Name := h.roleLowerOf(cfg, w.dIC)
			front.ConnectL1D(h.ics[w.dIC], h.caches[l1Name], ids[l1Name])
		}
	}
	return nil
}

// registerConnections attaches every controller to every fabric its
// connections name, in attachment order.
func (h *Hierarchy) registerConnections(cfg *config.MachineConfig, ids map[string]message.ControllerID) {
	for _, conn := range cfg.Connections {
		ic := h.ics[conn.Interconnect]
		for _, a := range conn.Attach {
			if ctl := h.controllerFor(cfg, a.Controller); ctl != nil {
				ic.Register(ctl)
			}
		}
	}
}

// buildDirectories installs a home-node tracker on every directed
// fabric carrying MOESI caches, tracking each of them. Broadcast
// fabrics get none: a bus write already snoop-invalidates every peer,
// so the home-node eviction discipline would be redundant there.
func (h *Hierarchy) buildDirectories(cfg *config.MachineConfig, ids map[string]message.ControllerID) {
	nextID := message.ControllerID(len(cfg.Controllers) + 1)

	for _, conn := range cfg.Connections {
		if _, isBus := h.ics[conn.Interconnect].(*interconnect.Bus); isBus {
			continue
		}
		var moesi []string
		var params *config.CacheParams
		for _, a := range conn.Attach {
			if cc := h.controllerCfg(cfg, a.Controller); cc != nil && cc.Kind == config.KindMOESICache {
				if a.Role == config.RoleUpper || a.Role == config.RoleUpper2 {
					moesi = append(moesi, a.Controller)
					params = cc.Cache
				}
			}
		}
		if len(moesi) == 0 {
			continue
		}

		ic := h.ics[conn.Interconnect]
		d := directory.New(nextID, h.reqPool, ic, directory.Config{
			Sets:     params.Sets,
			Ways:     params.Ways,
			LineSize: params.LineSize,
		})
		nextID++
		for _, name := range moesi {
			d.Track(h.caches[name].ID())
		}
		ic.Register(d)
		h.dirs[conn.Interconnect] = d
	}
}

func (h *Hierarchy) controllerCfg(cfg *config.MachineConfig, name string) *config.ControllerConfig {
	for i := range cfg.Controllers {
		if cfg.Controllers[i].Name == name {
			return &cfg.Controllers[i]
		}
	}
	return nil
}

func (h *Hierarchy) controllerFor(cfg *config.MachineConfig, name string) interconnect.Controller {
	cc := h.controllerCfg(cfg, name)
	if cc == nil {
		return nil
	}
	switch cc.Kind {
	case config.KindCPU:
		return h.cpus[cc.Core]
	case config.KindSimpleDRAM:
		return h.drams[name]
	default:
		return h.caches[name]
	}
}

// roleLowerOf returns the controller attached with role lower on the
// named interconnect's connection.
func (h *Hierarchy) roleLowerOf(cfg *config.MachineConfig, icName string) string {
	for _, conn := range cfg.Connections {
		if conn.Interconnect != icName {
			continue
		}
		for _, a := range conn.Attach {
			if a.Role == config.RoleLower {
				return a.Controller
			}
		}
	}
	return ""
}

func reserveSlots(depth, want int) int {
	if limit := depth / 4; want > limit {
		return limit
	}
	return want
}

// SetWakeup replaces the producer callbacks on every core front-end.
func (h *Hierarchy) SetWakeup(w cpu.Wakeup) {
	h.wake = w
	for _, front := range h.cpus {
		front.SetWakeup(w)
	}
}

// AccessCache submits one producer request. It returns true when the
// hierarchy absorbed the access, in which case exactly one wake-up
// callback follows, unless the request is annulled first.
func (h *Hierarchy) AccessCache(coreID, threadID, robID int, uuid, timestamp uint64, physAddr uint64, isICache, isWrite bool) bool {
	front, ok := h.cpus[coreID]
	if !ok {
		return false
	}
	op := request.OpRead
	if isWrite {
		op = request.OpWrite
	}
	hdl := h.reqPool.Alloc(physAddr, op, coreID, threadID, robID, uuid, timestamp, isICache, false)
	if !front.Access(hdl) {
		h.reqPool.Release(hdl)
		return false
	}
	return true
}

// Prefetch warms a cache line on coreID's behalf: the access flows
// through the hierarchy like a read but never wakes the producer.
// Returns false if the front-end could not absorb it; a refused
// prefetch is simply dropped, never retried.
func (h *Hierarchy) Prefetch(coreID int, physAddr uint64, isICache bool) bool {
	front, ok := h.cpus[coreID]
	if !ok {
		return false
	}
	hdl := h.reqPool.Alloc(physAddr, request.OpRead, coreID, 0, -1, 0, h.q.Now(), isICache, false)
	h.reqPool.Get(hdl).IsPrefetch = true
	if !front.Access(hdl) {
		h.reqPool.Release(hdl)
		return false
	}
	return true
}

// AnnulRequest cancels every in-flight request matching the given
// coordinates, visiting every controller and fabric.
func (h *Hierarchy) AnnulRequest(coreID, threadID, robID int, physAddr uint64, isICache, isWrite bool) {
	op := request.OpRead
	if isWrite {
		op = request.OpWrite
	}

	var matches []request.Handle
	h.reqPool.ForEach(func(r *request.Request) {
		if r.CoreID == coreID && r.ThreadID == threadID && r.ROBID == robID &&
			r.PhysAddr == physAddr && r.IsICache == isICache && r.Op == op {
			matches = append(matches, r.Handle())
		}
	})

	for _, hdl := range matches {
		for _, front := range h.cpus {
			front.AnnulRequest(hdl)
		}
		for _, c := range h.caches {
			c.AnnulRequest(hdl)
		}
		for _, d := range h.drams {
			d.AnnulRequest(hdl)
		}
		for _, d := range h.dirs {
			d.AnnulRequest(hdl)
		}
		for _, ic := range h.ics {
			ic.AnnulRequest(hdl)
		}
	}
}

// IsCacheAvailable is the non-blocking back-pressure probe producers
// poll before submitting.
func (h *Hierarchy) IsCacheAvailable(coreID, threadID int, isICache bool) bool {
	front, ok := h.cpus[coreID]
	if !ok {
		return false
	}
	return !front.IsFull(false) && !h.anyFull
}

// Clock advances one simulated cycle.
func (h *Hierarchy) Clock() {
	h.q.Clock()
	h.refreshFullFlags()
	if h.checkInvariants {
		h.CheckCoherence()
	}
}

// Now returns the current cycle.
func (h *Hierarchy) Now() uint64 { return h.q.Now() }

// Flush drops every queue, every pending entry, and every scheduled
// event, and reports the cycle cost to charge for the drain.
func (h *Hierarchy) Flush() int {
	h.q.Reset()
	for _, front := range h.cpus {
		front.Flush()
	}
	for _, c := range h.caches {
		c.Reset()
	}
	for _, d := range h.drams {
		d.Reset()
	}
	for _, d := range h.dirs {
		d.Reset()
	}
	for _, ic := range h.ics {
		ic.Reset()
	}
	return flushCycles
}

// SetControllerFull publishes a controller's full flag into the
// facade's aggregate back-pressure bit.
func (h *Hierarchy) SetControllerFull(name string, full bool) {
	h.ctlFull[name] = full
	h.recomputeFull()
}

// SetInterconnectFull publishes a fabric's full flag.
func (h *Hierarchy) SetInterconnectFull(name string, full bool) {
	h.icFull[name] = full
	h.recomputeFull()
}

// IsFull reports the aggregated back-pressure bit producers may poll.
func (h *Hierarchy) IsFull() bool { return h.anyFull }

func (h *Hierarchy) refreshFullFlags() {
	for name, c := range h.caches {
		h.ctlFull[name] = c.IsFull(true)
	}
	for name, ic := range h.ics {
		h.icFull[name] = ic.IsFull()
	}
	h.recomputeFull()
}

func (h *Hierarchy) recomputeFull() {
	h.anyFull = false
	for _, f := range h.ctlFull {
		if f {
			h.anyFull = true
			return
		}
	}
	for _, f := range h.icFull {
		if f {
			h.anyFull = true
			return
		}
	}
}

// PendingOffchipMisses counts coreID's requests currently queued at a
// DRAM controller.
func (h *Hierarchy) PendingOffchipMisses(coreID int) int {
	n := 0
	for _, d := range h.drams {
		n += d.PendingForCore(coreID)
	}
	return n
}

// DumpConfiguration re-serializes the live topology back to the
// machine-description shape it was built from.
func (h *Hierarchy) DumpConfiguration() (*config.MachineConfig, error) {
	return h.cfg.Clone(), nil
}

// Cache exposes a named cache controller, for tests and invariant
// tooling.
func (h *Hierarchy) Cache(name string) *cache.Controller { return h.caches[name] }

// DRAM exposes a named memory controller.
func (h *Hierarchy) DRAM(name string) *dram.Controller { return h.drams[name] }

// CPUController exposes a core's front-end.
func (h *Hierarchy) CPUController(coreID int) *cpu.Controller { return h.cpus[coreID] }

// RequestsInUse reports the number of live pool slots, for
// reference-count conservation checks.
func (h *Hierarchy) RequestsInUse() int { return h.reqPool.InUse() }
