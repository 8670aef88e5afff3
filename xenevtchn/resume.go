package xenevtchn

import (
	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// Resume implements SPEC_FULL.md section 4.5 - the ResumeMgr sequence
// run after the guest comes back from a suspend/migrate cycle, when
// every event-channel port number the hypervisor previously handed out
// is void and must be re-negotiated. Grounded directly on the original
// driver's xen_irq_resume/restore_cpu_virqs/restore_cpu_ipis, with the
// same six-step shape: reset the per-CPU partition, mask everything,
// zap the old port<->irq mapping, rebind every per-CPU Virq/Ipi fresh,
// re-unmask the handful of IRQs that must survive suspend, and
// re-register the pirq EOI page if one was ever registered (re-arming
// the HVM callback as well in an HVM delivery mode). Also
// mirrors virtual_machine.go's construction-sequence shape: the same
// "reinitialize tables, then re-wire each subsystem" order New used the
// first time is replayed here for the second.
func (m *Manager) Resume() error {
	const op = "xen_irq_resume"
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: every port belongs to CPU 0 again until rebound.
	m.ports.resetCPUPartition()

	// Step 2: the new event-channel space is not live yet.
	m.bitmaps.MaskAll()

	// Step 3: zap the old port<->irq mapping; Virq/Ipi per-CPU tables are
	// rebuilt in step 4, so their fresh ports will re-publish into irqs[].
	for irq := range m.irqs {
		if m.irqs[irq].isUnbound() {
			continue
		}
		m.publishPort(irq, 0)
	}
	m.ports.clearAllPorts()
	m.gsiToIrq = make(map[int]int)

	// Step 4: rebind every still-known Virq/Ipi against the resumed
	// hypervisor, per CPU.
	for cpu := 0; cpu < m.cfg.NrCPUs; cpu++ {
		for virq := 0; virq < NrVirqs; virq++ {
			irq := m.virqToIrq[cpu][virq]
			if irq == -1 {
				continue
			}
			port, err := m.hv.EvtchnBindVirq(hvcall.BindVirqArgs{Virq: virq, VCPU: cpu})
			if err != nil {
				return newError(ErrCodeHypercallFailed, op, err)
			}
			m.ports.bind(port, int(irq), cpu)
			m.publishPort(int(irq), port)
		}
		for ipi := 0; ipi < NrIPIs; ipi++ {
			irq := m.ipiToIrq[cpu][ipi]
			if irq == -1 {
				continue
			}
			port, err := m.hv.EvtchnBindIPI(hvcall.BindIPIArgs{VCPU: cpu})
			if err != nil {
				return newError(ErrCodeHypercallFailed, op, err)
			}
			m.ports.bind(port, int(irq), cpu)
			m.publishPort(int(irq), port)
		}
	}

	// Pirq bindings are not restored eagerly: pirqChip.Startup rebinds
	// them lazily on next use, the same lazy-bind-on-startup discipline
	// AllocatePirq/Startup already follow outside of resume.

	// Step 5: re-unmask any IRQ marked NoSuspend that isn't disabled -
	// these are expected to keep delivering straight through a suspend.
	for irq := range m.irqs {
		if m.irqs[irq].isUnbound() {
			continue
		}
		if m.core.Flags(irq)&irqcore.NoSuspend == 0 {
			continue
		}
		if m.core.Disabled(irq) {
			continue
		}
		port := m.LookupPort(irq)
		if port <= 0 {
			continue
		}
		if err := m.unmaskOnCPU(port, m.irqs[irq].CPU); err != nil {
			logger.Printf("xenevtchn: %s: unmask irq %d: %v", op, irq, err)
		}
	}

	// Step 6: re-register the shared pirq_needs_eoi page, if one was
	// ever registered, and re-arm the HVM callback New installed.
	if m.pirqEOIGmfnRegistered {
		if err := m.hv.PhysdevPirqEOIGmfn(m.pirqEOIGmfn); err != nil {
			return newError(ErrCodeHypercallFailed, op, err)
		}
	}
	if m.cfg.Mode != DeliveryModePV {
		if err := m.hv.HVMSetParam(hvcall.HVMParamCallbackIRQ, uint64(m.cfg.Mode)); err != nil {
			return newError(ErrCodeHypercallFailed, op, err)
		}
	}

	return nil
}
