package xenevtchn

import (
	"sync"
	"sync/atomic"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// NrVirqs and NrIPIs bound the per-CPU reverse-lookup tables for Virq and
// Ipi bindings, matching the Xen ABI's small fixed vocabularies for each.
const (
	NrVirqs = 24
	NrIPIs  = 8
)

// Manager is the process-lifetime singleton holding PortTable, the IrqInfo
// array, the per-CPU reverse indices, and the global mapping lock - the
// "global mutable tables ... initialized once" design note of SPEC_FULL.md
// section 9 (Design Notes). It is constructed once by New (the Go analogue
// of xen_init_IRQ()) and never torn down.
//
// Grounded on the reference codebase's virtual_machine.go: NewVirtualMachine
// validates/defaults its constructor arguments and then constructs and
// wires every subsystem in one place; Manager.New does the same for the
// event-channel tables instead of virtual devices.
type Manager struct {
	cfg  Config
	hv   hvcall.HvCall
	core irqcore.IrqCore

	mu sync.Mutex // the global mapping lock (section 5)

	ports    *PortTable
	bitmaps  *SharedBitmaps
	vcpus    []*VcpuInfo

	irqs     []IrqInfo
	irqPorts []atomic.Int32 // wait-free mirror of irqs[i].Port (lookup_port)

	virqToIrq [][]int32 // [cpu][virq] -> irq, -1 if unbound
	ipiToIrq  [][]int32 // [cpu][ipi] -> irq, -1 if unbound
	gsiToIrq  map[int]int

	dynamicChip *dynamicChip
	percpuChip  *percpuChip
	pirqChip    *pirqChip

	pirqEOIGmfnRegistered bool
	pirqEOIGmfn           uint64

	// currentCPU stands in for the reference driver's get_cpu()/smp_processor_id():
	// which logical CPU the calling goroutine is "running on" for the purpose of
	// unmask_evtchn's local-vs-hypercall fast path (SPEC_FULL.md section 4.3).
	// Real per-goroutine CPU affinity threading is host-OS machinery this repo
	// does not reimplement (Non-goals); RunAsCPU lets callers - tests and the
	// upcall scanner, which already knows which CPU it is scanning for -
	// declare it explicitly instead.
	currentCPU atomic.Int32
}

// RunAsCPU runs fn with currentCPU set to cpu for the duration of the call,
// restoring the previous value afterward. The Chip interface's Mask/Unmask
// methods take no CPU parameter, so callers that need unmask_evtchn's
// same-CPU fast path (the upcall scanner, acking from within its own
// per-CPU dispatch loop) wrap their call in RunAsCPU.
func (m *Manager) RunAsCPU(cpu int, fn func()) {
	prev := m.currentCPU.Swap(int32(cpu))
	defer m.currentCPU.Store(prev)
	fn()
}

// CurrentCPU reports the CPU the calling goroutine is currently acting as.
func (m *Manager) CurrentCPU() int { return int(m.currentCPU.Load()) }

// New validates cfg and constructs a Manager wired to hv and core. This is
// the Go analogue of xen_init_IRQ(): single-threaded initialization of the
// process-lifetime tables.
func New(cfg Config, hv hvcall.HvCall, core irqcore.IrqCore) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeInvalidArgument, "New", err)
	}
	if hv == nil {
		return nil, newError(ErrCodeInvalidArgument, "New", errNilHvCall)
	}
	if core == nil {
		return nil, newError(ErrCodeInvalidArgument, "New", errNilIrqCore)
	}

	m := &Manager{
		cfg:      cfg,
		hv:       hv,
		core:     core,
		ports:    newPortTable(cfg),
		bitmaps:  newSharedBitmaps(cfg.nrWords()),
		vcpus:    make([]*VcpuInfo, cfg.NrCPUs),
		irqs:     make([]IrqInfo, cfg.NrIRQs),
		irqPorts: make([]atomic.Int32, cfg.NrIRQs),
		gsiToIrq: make(map[int]int),
	}
	for c := 0; c < cfg.NrCPUs; c++ {
		m.vcpus[c] = newVcpuInfo()
	}
	m.virqToIrq = make([][]int32, cfg.NrCPUs)
	m.ipiToIrq = make([][]int32, cfg.NrCPUs)
	for c := 0; c < cfg.NrCPUs; c++ {
		m.virqToIrq[c] = newUnboundInt32Slice(NrVirqs)
		m.ipiToIrq[c] = newUnboundInt32Slice(NrIPIs)
	}
	for i := range m.irqPorts {
		m.irqPorts[i].Store(0)
	}

	m.dynamicChip = &dynamicChip{m: m}
	m.percpuChip = &percpuChip{m: m}
	m.pirqChip = &pirqChip{m: m}

	if cfg.Mode != DeliveryModePV {
		if err := hv.HVMSetParam(hvcall.HVMParamCallbackIRQ, uint64(cfg.Mode)); err != nil {
			return nil, newError(ErrCodeHypercallFailed, "New/HVMSetParam", err)
		}
	}

	return m, nil
}

func newUnboundInt32Slice(n int) []int32 {
	s := make([]int32, n)
	for i := range s {
		s[i] = -1
	}
	return s
}

// LookupIRQ is the wait-free port->irq read (SPEC_FULL.md section 4.1).
func (m *Manager) LookupIRQ(port int) (irq int, ok bool) {
	return m.ports.LookupIRQ(port)
}

// LookupPort is the wait-free irq->port read; returns 0 when unbound.
func (m *Manager) LookupPort(irq int) int {
	if irq < 0 || irq >= len(m.irqPorts) {
		return 0
	}
	return int(m.irqPorts[irq].Load())
}

// publishPort is the single place an IRQ's port is written; it keeps
// irqs[irq].Port and the wait-free irqPorts mirror in lockstep. Callers
// must hold mu.
func (m *Manager) publishPort(irq, port int) {
	m.irqs[irq].Port = port
	m.irqPorts[irq].Store(int32(port))
}

// IRQInfo returns a copy of irq's record under the global lock. Safe to
// call at any time; not on the hot path.
func (m *Manager) IRQInfo(irq int) (IrqInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if irq < 0 || irq >= len(m.irqs) {
		return IrqInfo{}, false
	}
	return m.irqs[irq], true
}

// IRQFromGSI and GSIFromIRQ are the read-only pirq accessors supplemented
// from the original driver (SPEC_FULL.md section 9).
func (m *Manager) IRQFromGSI(gsi int) (irq int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	irq, ok = m.gsiToIrq[gsi]
	return irq, ok
}

func (m *Manager) GSIFromIRQ(irq int) (gsi int, ok bool) {
	info, ok := m.IRQInfo(irq)
	if !ok || info.Kind != Pirq {
		return 0, false
	}
	return info.PirqInfo.GSI, true
}

// PirqRefs reports 0 or 1: whether gsi currently has a live IRQ. This is
// observability only, not refcounting - see DESIGN.md's Open Question
// decision and SPEC_FULL.md section 9.
func (m *Manager) PirqRefs(gsi int) int {
	if _, ok := m.IRQFromGSI(gsi); ok {
		return 1
	}
	return 0
}

// NrCPUs reports the configured VCPU count.
func (m *Manager) NrCPUs() int { return m.cfg.NrCPUs }

// RegisterPirqEOIGmfn publishes the shared pirq_needs_eoi page's machine
// frame number to the hypervisor, and remembers it so ResumeMgr can
// re-register it after a suspend/resume cycle (the original driver's
// PHYSDEVOP_pirq_eoi_gmfn re-registration in xen_irq_resume).
func (m *Manager) RegisterPirqEOIGmfn(gmfn uint64) error {
	if err := m.hv.PhysdevPirqEOIGmfn(gmfn); err != nil {
		return newError(ErrCodeHypercallFailed, "RegisterPirqEOIGmfn", err)
	}
	m.mu.Lock()
	m.pirqEOIGmfn = gmfn
	m.pirqEOIGmfnRegistered = true
	m.mu.Unlock()
	return nil
}
