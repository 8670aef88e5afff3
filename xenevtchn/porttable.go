package xenevtchn

import "sync/atomic"

const unboundIRQ = int32(-1)

// PortTable is the bidirectional port<->irq map, per-CPU port ownership
// bitset, and pass-through EOI-requirement bitset from SPEC_FULL.md
// section 3. Grounded on the reference codebase's devices/iobus.go
// registration table (a map keyed by port, dispatching to a registered
// handler) generalized into a fixed-size array keyed by port plus its
// reverse map keyed by IRQ, and on virtual_machine.go's struct-of-
// registered-subsystems shape for the per-CPU partition.
//
// portToIrq is read without the global lock (invariant: writers publish
// it only after the corresponding IrqInfo write has completed - see
// the Binder's Bind* functions and Manager.unbindLocked), which is why it is a slice of
// atomic.Int32 rather than plain int32.
type PortTable struct {
	portToIrq    []atomic.Int32
	cpuWords     [][]atomic.Uint64
	pirqNeedsEOI []atomic.Uint64

	nrPorts  int
	nrCPUs   int
	words    int
	gsiWords int
}

func newPortTable(cfg Config) *PortTable {
	words := cfg.nrWords()
	gsiWords := (cfg.NrIRQs + WordBits - 1) / WordBits

	pt := &PortTable{
		portToIrq:    make([]atomic.Int32, cfg.NrEventChannels),
		cpuWords:     make([][]atomic.Uint64, cfg.NrCPUs),
		pirqNeedsEOI: make([]atomic.Uint64, gsiWords),
		nrPorts:      cfg.NrEventChannels,
		nrCPUs:       cfg.NrCPUs,
		words:        words,
		gsiWords:     gsiWords,
	}
	for p := range pt.portToIrq {
		pt.portToIrq[p].Store(unboundIRQ)
	}
	for c := range pt.cpuWords {
		pt.cpuWords[c] = make([]atomic.Uint64, words)
	}
	// At boot, every port logically belongs to CPU 0 (SPEC_FULL.md
	// section 4.5 step 1 restates this for resume; it also holds at
	// construction time).
	for w := 0; w < words; w++ {
		pt.cpuWords[0][w].Store(^uint64(0))
	}
	return pt
}

// LookupIRQ is a wait-free read: port -> irq, or (0, false) if unbound.
func (pt *PortTable) LookupIRQ(port int) (irq int, ok bool) {
	if port <= 0 || port >= pt.nrPorts {
		return 0, false
	}
	v := pt.portToIrq[port].Load()
	if v == unboundIRQ {
		return 0, false
	}
	return int(v), true
}

// cpuOwning reports which CPU currently owns port, or -1 if none does.
func (pt *PortTable) cpuOwning(port int) int {
	w, bit := wordOf(port), bitOf(port)
	for c := 0; c < pt.nrCPUs; c++ {
		if pt.cpuWords[c][w].Load()&(uint64(1)<<bit) != 0 {
			return c
		}
	}
	return -1
}

// bind publishes both directions of the port<->irq map and moves the port
// to cpu's ownership bitset, clearing it from wherever it was. Must be
// called with the global mapping lock held.
func (pt *PortTable) bind(port, irq, cpu int) {
	pt.movePortToCPU(port, cpu)
	pt.portToIrq[port].Store(int32(irq))
}

// rebindCPU moves port from its current owning CPU to newCPU. Must be
// called with the global mapping lock held (cross-CPU moves are not on
// the fast path - SPEC_FULL.md section 5).
func (pt *PortTable) rebindCPU(port, newCPU int) {
	pt.movePortToCPU(port, newCPU)
}

func (pt *PortTable) movePortToCPU(port, cpu int) {
	w, bit := wordOf(port), bitOf(port)
	if old := pt.cpuOwning(port); old >= 0 && old != cpu {
		loadClearBit(&pt.cpuWords[old][w], bit)
	}
	loadSetBit(&pt.cpuWords[cpu][w], bit)
}

// release clears the reverse map for irq's current port and reparents the
// port to CPU 0 (all closed ports go there per hypervisor contract). Must
// be called with the global mapping lock held, before IrqInfo is zeroed.
func (pt *PortTable) release(port int) {
	if port <= 0 {
		return
	}
	pt.movePortToCPU(port, 0)
	pt.portToIrq[port].Store(unboundIRQ)
}

// CPUMaskWord returns a snapshot of cpu's port-ownership bitset word w.
func (pt *PortTable) CPUMaskWord(cpu, w int) uint64 {
	return pt.cpuWords[cpu][w].Load()
}

// resetCPUPartition clears every CPU's ownership bitset except CPU 0,
// which is set to all-ones; used by ResumeMgr step 1.
func (pt *PortTable) resetCPUPartition() {
	for w := 0; w < pt.words; w++ {
		pt.cpuWords[0][w].Store(^uint64(0))
		for c := 1; c < pt.nrCPUs; c++ {
			pt.cpuWords[c][w].Store(0)
		}
	}
}

// clearAllPorts clears the whole port_to_irq reverse map; used by
// ResumeMgr step 3.
func (pt *PortTable) clearAllPorts() {
	for p := range pt.portToIrq {
		pt.portToIrq[p].Store(unboundIRQ)
	}
}

// PirqNeedsEOI reports whether gsi requires an explicit PHYSDEV_eoi call
// rather than a local unmask.
func (pt *PortTable) PirqNeedsEOI(gsi int) bool {
	w, bit := gsi/WordBits, uint(gsi%WordBits)
	return pt.pirqNeedsEOI[w].Load()&(uint64(1)<<bit) != 0
}

// SetPirqNeedsEOI records whether gsi requires explicit EOI, from
// PHYSDEV_irq_status_query at bind time.
func (pt *PortTable) SetPirqNeedsEOI(gsi int, needs bool) {
	w, bit := gsi/WordBits, uint(gsi%WordBits)
	if needs {
		loadSetBit(&pt.pirqNeedsEOI[w], bit)
	} else {
		loadClearBit(&pt.pirqNeedsEOI[w], bit)
	}
}
