package xenevtchn

import (
	"fmt"

	"github.com/v-architect/xenevtchn/hvcall"
)

var errPerCPUIRQNoAffinity = fmt.Errorf("per-CPU IRQ lines cannot be migrated")

// bindPirqArgs builds the EVTCHN_bind_pirq arguments for a pirq IRQ's
// current IrqInfo, translating IrqFlags.Shareable into the hypercall's
// own Shareable field.
func bindPirqArgs(info IrqInfo, cfg Config) hvcall.BindPirqArgs {
	return hvcall.BindPirqArgs{
		GSI:       info.PirqInfo.GSI,
		Shareable: info.Flags&Shareable != 0,
	}
}

// Chips implements SPEC_FULL.md section 4.3: the three irqcore.Chip
// vtables (dynamic, per-CPU, pass-through) Manager attaches to a bound
// IRQ's descriptor. Grounded on the reference codebase's devices/pic.go,
// which exposes the same shape - a small set of register-manipulating
// callbacks (mask/unmask/ack/eoi, driven off IMR/IRR/ISR) invoked by the
// dispatch loop - generalized here from "one chip for every line" to
// "one chip per binding kind", and on the original driver's events.c
// mask_irq/unmask_evtchn/ack_dynirq/retrigger_irq/pirq_eoi family, which
// is the literal source of the mask/unmask edge-recovery and EOI logic
// below.

// maskPort sets port's hypervisor-shared mask bit. Used by all three
// chips' Mask.
func (m *Manager) maskPort(port int) {
	if port <= 0 {
		return
	}
	m.bitmaps.SetMask(port)
}

// unmaskOnCPU is the Go rendering of the reference driver's
// unmask_evtchn(): if the calling CPU owns port, clear the mask bit and,
// if the port is still pending, fold that into the local selector word
// directly (the "edge recovery" the spec calls out - unmasking a port
// that fired again while masked must not silently drop the event). If
// some other CPU owns port, the local clear would race the remote CPU's
// own view of its per-CPU selector word, so the hypervisor is asked to
// do it instead.
func (m *Manager) unmaskOnCPU(port, cpu int) error {
	if port <= 0 {
		return nil
	}
	owner := m.ports.cpuOwning(port)
	if owner != cpu {
		if err := m.hv.EvtchnUnmask(port); err != nil {
			return newError(ErrCodeHypercallFailed, "unmask", err)
		}
		return nil
	}
	m.bitmaps.ClearMask(port)
	if m.bitmaps.TestPending(port) {
		m.vcpus[cpu].markSelector(wordOf(port))
	}
	return nil
}

// unmaskCurrent is unmaskOnCPU using Manager's currentCPU (see RunAsCPU).
func (m *Manager) unmaskCurrent(port int) error {
	return m.unmaskOnCPU(port, m.CurrentCPU())
}

// retriggerPort is the reference driver's retrigger_irq()/
// resend_irq_on_evtchn(): atomically mask-and-test, set pending, and if
// the port was not already masked, unmask it again immediately so the
// freshly-set pending bit is picked up by the next scan instead of
// sitting invisible behind a mask the caller didn't ask for.
func (m *Manager) retriggerPort(port int) bool {
	if port <= 0 {
		return false
	}
	wasMasked := m.bitmaps.SetMask(port)
	m.bitmaps.SetPending(port)
	if !wasMasked {
		_ = m.unmaskCurrent(port)
	}
	return true
}

// dynamicChip backs InterDomain bindings: pure software ports,
// masked/unmasked/acked entirely through the shared bitmaps, no GSI and
// no PHYSDEV_eoi involved.
type dynamicChip struct{ m *Manager }

func (c *dynamicChip) Name() string { return "xen-dyn" }

func (c *dynamicChip) Mask(irq int) {
	c.m.maskPort(c.m.LookupPort(irq))
}

func (c *dynamicChip) Unmask(irq int) {
	if err := c.m.unmaskCurrent(c.m.LookupPort(irq)); err != nil {
		logger.Printf("xenevtchn: dynamicChip.Unmask(irq=%d): %v", irq, err)
	}
}

// Ack is the reference driver's ack_dynirq(): migrate-on-ack (left to
// IrqCore/the host scheduler, out of scope here) followed by re-unmasking
// the port unless the IRQ is currently disabled.
func (c *dynamicChip) Ack(irq int) {
	if c.m.core.Disabled(irq) {
		return
	}
	if err := c.m.unmaskCurrent(c.m.LookupPort(irq)); err != nil {
		logger.Printf("xenevtchn: dynamicChip.Ack(irq=%d): %v", irq, err)
	}
}

func (c *dynamicChip) EOI(irq int) {}

func (c *dynamicChip) Startup(irq int) int {
	c.Unmask(irq)
	return 0
}

func (c *dynamicChip) Shutdown(irq int) { c.Mask(irq) }

func (c *dynamicChip) End(irq int) { c.Ack(irq) }

func (c *dynamicChip) SetAffinity(irq int, cpu int) error {
	port := c.m.LookupPort(irq)
	if port <= 0 {
		return newError(ErrCodeNotBound, "SetAffinity", nil)
	}
	if err := c.m.hv.EvtchnBindVCPU(hvcall.BindVCPUArgs{Port: port, VCPU: cpu}); err != nil {
		return newError(ErrCodeHypercallFailed, "SetAffinity", err)
	}
	c.m.mu.Lock()
	c.m.ports.rebindCPU(port, cpu)
	c.m.irqs[irq].CPU = cpu
	c.m.mu.Unlock()
	if err := pinOSThread(cpu); err != nil {
		logger.Printf("xenevtchn: SetAffinity(irq=%d, cpu=%d): pinOSThread: %v", irq, cpu, err)
	}
	return nil
}

func (c *dynamicChip) Retrigger(irq int) bool {
	return c.m.retriggerPort(c.m.LookupPort(irq))
}

// percpuChip backs Virq and Ipi bindings: identical masking discipline to
// dynamicChip, but SetAffinity is rejected outright, since a per-CPU IRQ
// (one IRQ number per target CPU, per SPEC_FULL.md section 3) has no
// meaning being migrated - the reference driver's set_affinity_irq for
// PER_CPU_IRQ lines returns -EINVAL the same way.
type percpuChip struct{ m *Manager }

func (c *percpuChip) Name() string { return "xen-percpu" }

func (c *percpuChip) Mask(irq int)   { c.m.maskPort(c.m.LookupPort(irq)) }
func (c *percpuChip) Unmask(irq int) {
	if err := c.m.unmaskCurrent(c.m.LookupPort(irq)); err != nil {
		logger.Printf("xenevtchn: percpuChip.Unmask(irq=%d): %v", irq, err)
	}
}

func (c *percpuChip) Ack(irq int) {
	if c.m.core.Disabled(irq) {
		return
	}
	if err := c.m.unmaskCurrent(c.m.LookupPort(irq)); err != nil {
		logger.Printf("xenevtchn: percpuChip.Ack(irq=%d): %v", irq, err)
	}
}

func (c *percpuChip) EOI(irq int) {}

func (c *percpuChip) Startup(irq int) int {
	c.Unmask(irq)
	return 0
}

func (c *percpuChip) Shutdown(irq int) { c.Mask(irq) }
func (c *percpuChip) End(irq int)      { c.Ack(irq) }

func (c *percpuChip) SetAffinity(irq int, cpu int) error {
	return newError(ErrCodeInvalidArgument, "SetAffinity", errPerCPUIRQNoAffinity)
}

func (c *percpuChip) Retrigger(irq int) bool {
	return c.m.retriggerPort(c.m.LookupPort(irq))
}

// pirqChip backs Pirq bindings: physical GSIs routed through the
// hypervisor, where masking a still-needs-EOI line is not "clear the
// local mask bit" but "tell the hypervisor the physical IRQ is
// serviced" (PHYSDEVOP_eoi). Grounded on pirq_eoi/pirq_query_unmask/
// startup_pirq/shutdown_pirq/end_pirq in the original driver.
type pirqChip struct{ m *Manager }

func (c *pirqChip) Name() string { return "xen-pirq" }

func (c *pirqChip) Mask(irq int) { c.m.maskPort(c.m.LookupPort(irq)) }

// Unmask is pirq_eoi(): unmask the local port, and additionally tell the
// physical device it's been serviced via PHYSDEV_eoi when the GSI
// requires it (some pass-through devices are otherwise re-armed purely
// by the local unmask; this one needs the explicit round-trip).
func (c *pirqChip) Unmask(irq int) {
	info, ok := c.m.IRQInfo(irq)
	if !ok || info.Kind != Pirq {
		return
	}
	port := c.m.LookupPort(irq)
	needsEOI := c.m.ports.PirqNeedsEOI(info.PirqInfo.GSI)
	if err := c.m.unmaskCurrent(port); err != nil {
		logger.Printf("xenevtchn: pirqChip.Unmask(irq=%d): %v", irq, err)
	}
	if needsEOI {
		if err := c.m.hv.PhysdevEOI(info.PirqInfo.GSI); err != nil {
			logger.Printf("xenevtchn: pirqChip.Unmask(irq=%d): PhysdevEOI: %v", irq, err)
		}
	}
}

func (c *pirqChip) Ack(irq int) {
	if c.m.core.Disabled(irq) {
		return
	}
	c.Unmask(irq)
}

// EOI runs the same pirq_eoi path as Unmask; kept distinct from Ack
// because a pass-through device may call EOI without ever going through
// the full dispatch (e.g. a probe).
func (c *pirqChip) EOI(irq int) { c.Unmask(irq) }

// Startup is startup_pirq(): bind the GSI lazily (only if not already
// bound), classify whether it needs explicit EOI via
// PHYSDEV_irq_status_query, publish the port<->irq mapping, and EOI once
// a port is bound. A failed bind returns early without an EOI; probing
// callers (HasAction returns false) get a quiet failure instead of a
// logged one.
func (c *pirqChip) Startup(irq int) int {
	info, ok := c.m.IRQInfo(irq)
	if !ok || info.Kind != Pirq {
		return 0
	}
	port := c.m.LookupPort(irq)
	if port <= 0 {
		newPort, err := c.m.hv.EvtchnBindPirq(bindPirqArgs(info, c.m.cfg))
		if err != nil {
			if c.m.core.HasAction(irq) {
				logger.Printf("xenevtchn: pirqChip.Startup(irq=%d): bind_pirq: %v", irq, err)
			}
			return 0
		}
		c.m.mu.Lock()
		c.m.ports.bind(newPort, irq, 0)
		c.m.publishPort(irq, newPort)
		c.m.irqs[irq].CPU = 0
		c.m.mu.Unlock()
		port = newPort

		status, err := c.m.hv.PhysdevIRQStatusQuery(info.PirqInfo.GSI)
		if err != nil {
			logger.Printf("xenevtchn: pirqChip.Startup(irq=%d): irq_status_query: %v", irq, err)
		} else {
			c.m.ports.SetPirqNeedsEOI(info.PirqInfo.GSI, status.NeedsEOI)
		}
	}
	c.EOI(irq)
	return 0
}

func (c *pirqChip) Shutdown(irq int) {
	port := c.m.LookupPort(irq)
	if port <= 0 {
		return
	}
	c.Mask(irq)
	if err := c.m.hv.EvtchnClose(port); err != nil {
		logger.Printf("xenevtchn: pirqChip.Shutdown(irq=%d): %v", irq, err)
	}
	c.m.mu.Lock()
	c.m.ports.release(port)
	c.m.publishPort(irq, 0)
	c.m.mu.Unlock()
}

// End is end_pirq(): a disabled line whose port is still pending is torn
// all the way down instead of merely EOI'd, so a disabled, never-acked
// device does not keep re-raising once re-enabled later with a stale
// pending bit. See DESIGN.md's Open Question decision.
func (c *pirqChip) End(irq int) {
	port := c.m.LookupPort(irq)
	if port <= 0 {
		return
	}
	if c.m.core.Disabled(irq) && c.m.bitmaps.TestPending(port) {
		c.Shutdown(irq)
		return
	}
	c.EOI(irq)
}

func (c *pirqChip) SetAffinity(irq int, cpu int) error {
	port := c.m.LookupPort(irq)
	if port <= 0 {
		return newError(ErrCodeNotBound, "SetAffinity", nil)
	}
	if err := c.m.hv.EvtchnBindVCPU(hvcall.BindVCPUArgs{Port: port, VCPU: cpu}); err != nil {
		return newError(ErrCodeHypercallFailed, "SetAffinity", err)
	}
	c.m.mu.Lock()
	c.m.ports.rebindCPU(port, cpu)
	c.m.irqs[irq].CPU = cpu
	c.m.mu.Unlock()
	if err := pinOSThread(cpu); err != nil {
		logger.Printf("xenevtchn: SetAffinity(irq=%d, cpu=%d): pinOSThread: %v", irq, cpu, err)
	}
	return nil
}

func (c *pirqChip) Retrigger(irq int) bool {
	return c.m.retriggerPort(c.m.LookupPort(irq))
}
