package xenevtchn

import (
	"context"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// Binder implements SPEC_FULL.md section 4.2: the four typed bind
// constructors, find_unbound_irq's linear scan for a free IRQ slot, and
// the unbind/rollback path. Grounded on the reference codebase's
// virtual_machine.go construction sequence (allocate -> wire -> register,
// unwinding on failure) and directly on the original driver's
// bind_virq_to_irq/bind_ipi_to_irq/bind_interdomain_evtchn_to_irq/
// bind_evtchn_to_irq/unbind_from_irq/*_to_irqhandler functions for the
// lazy-reuse-if-already-bound semantics each bind kind needs.

// findUnboundIRQ is the reference driver's find_unbound_irq(): scan from
// the high end of the IRQ space down to the first hardware-reserved IRQ
// for a slot whose IrqInfo is still Unbound; the descriptor is allocated
// by the caller afterwards. Must be called with mu held.
func (m *Manager) findUnboundIRQ() (int, error) {
	start := m.cfg.NrHwIRQs
	for irq := len(m.irqs) - 1; irq > start; irq-- {
		if m.irqs[irq].isUnbound() {
			return irq, nil
		}
	}
	logger.Printf("xenevtchn: find_unbound_irq: dynamic IRQ pool exhausted")
	return 0, newError(ErrCodeResourceExhausted, "find_unbound_irq", nil)
}

// BindInterDomain binds to a remote domain's outbound port, the Go
// analogue of bind_interdomain_evtchn_to_irq followed by
// bind_evtchn_to_irq's "reuse if already mapped" check.
func (m *Manager) BindInterDomain(remoteDomID, remotePort int) (int, error) {
	const op = "bind_interdomain_evtchn_to_irq"
	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := m.hv.EvtchnBindInterdomain(hvcall.BindInterdomainArgs{
		RemoteDomID: remoteDomID,
		RemotePort:  remotePort,
	})
	if err != nil {
		return 0, newError(ErrCodeHypercallFailed, op, err)
	}
	if irq, ok := m.ports.LookupIRQ(port); ok {
		return irq, nil
	}

	irq, err := m.findUnboundIRQ()
	if err != nil {
		return 0, newError(ErrCodeResourceExhausted, op, err)
	}
	m.core.AllocateDescriptor(irq)
	m.core.AttachChip(irq, m.dynamicChip)
	m.irqs[irq] = IrqInfo{Kind: InterDomain, CPU: 0}
	m.ports.bind(port, irq, 0)
	m.publishPort(irq, port)
	return irq, nil
}

// BindVirq binds virq for delivery to cpu, reusing the existing binding
// if one is already recorded in virqToIrq (bind_virq_to_irq).
func (m *Manager) BindVirq(virq int, cpu int) (int, error) {
	const op = "bind_virq_to_irq"
	if virq < 0 || virq >= NrVirqs {
		return 0, newError(ErrCodeInvalidArgument, op, nil)
	}
	if cpu < 0 || cpu >= m.cfg.NrCPUs {
		return 0, newError(ErrCodeInvalidArgument, op, nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if irq := m.virqToIrq[cpu][virq]; irq != -1 {
		return int(irq), nil
	}

	irq, err := m.findUnboundIRQ()
	if err != nil {
		return 0, newError(ErrCodeResourceExhausted, op, err)
	}
	port, err := m.hv.EvtchnBindVirq(hvcall.BindVirqArgs{Virq: virq, VCPU: cpu})
	if err != nil {
		return 0, newError(ErrCodeHypercallFailed, op, err)
	}

	m.core.AllocateDescriptor(irq)
	m.core.AttachChip(irq, m.percpuChip)
	m.irqs[irq] = IrqInfo{Kind: Virq, CPU: cpu, VirqNum: virq}
	m.ports.bind(port, irq, cpu)
	m.publishPort(irq, port)
	m.virqToIrq[cpu][virq] = int32(irq)
	return irq, nil
}

// BindIpi binds ipi for delivery to cpu, reusing the existing binding if
// one already exists (bind_ipi_to_irq).
func (m *Manager) BindIpi(ipi int, cpu int) (int, error) {
	const op = "bind_ipi_to_irq"
	if ipi < 0 || ipi >= NrIPIs {
		return 0, newError(ErrCodeInvalidArgument, op, nil)
	}
	if cpu < 0 || cpu >= m.cfg.NrCPUs {
		return 0, newError(ErrCodeInvalidArgument, op, nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if irq := m.ipiToIrq[cpu][ipi]; irq != -1 {
		return int(irq), nil
	}

	irq, err := m.findUnboundIRQ()
	if err != nil {
		return 0, newError(ErrCodeResourceExhausted, op, err)
	}
	port, err := m.hv.EvtchnBindIPI(hvcall.BindIPIArgs{VCPU: cpu})
	if err != nil {
		return 0, newError(ErrCodeHypercallFailed, op, err)
	}

	m.core.AllocateDescriptor(irq)
	m.core.AttachChip(irq, m.percpuChip)
	m.irqs[irq] = IrqInfo{Kind: Ipi, CPU: cpu, IPIVec: ipi}
	m.ports.bind(port, irq, cpu)
	m.publishPort(irq, port)
	m.ipiToIrq[cpu][ipi] = int32(irq)
	return irq, nil
}

// AllocatePirq is xen_allocate_pirq: return the existing IRQ for gsi if
// one is already mapped, otherwise reserve the identity slot irq == gsi
// when gsi < NrHwIRQs, or allocate a fresh dynamic one. No event
// channel is bound yet - that happens lazily in pirqChip.Startup, the
// same "allocate the IRQ number now, bind the port on first use" split
// the original driver makes.
func (m *Manager) AllocatePirq(gsi int, shareable bool, name string) (int, error) {
	const op = "xen_allocate_pirq"
	m.mu.Lock()
	defer m.mu.Unlock()

	if irq, ok := m.gsiToIrq[gsi]; ok {
		logger.Printf("xenevtchn: AllocatePirq: returning existing irq %d for gsi %d", irq, gsi)
		return irq, nil
	}

	var irq int
	if gsi >= 0 && gsi < m.cfg.NrHwIRQs {
		irq = gsi
	} else {
		var err error
		irq, err = m.findUnboundIRQ()
		if err != nil {
			return 0, newError(ErrCodeResourceExhausted, op, err)
		}
	}

	if m.cfg.Privileged {
		if err := m.hv.PhysdevAllocIRQVector(gsi); err != nil {
			return 0, newError(ErrCodeHypercallFailed, op, err)
		}
	}

	flags := IrqFlags(0)
	if shareable {
		flags = Shareable
	}
	m.core.AllocateDescriptor(irq)
	m.core.AttachChip(irq, m.pirqChip)
	m.irqs[irq] = IrqInfo{
		Kind:  Pirq,
		Name:  name,
		Flags: flags,
		PirqInfo: PirqPayload{
			GSI: gsi,
		},
	}
	m.gsiToIrq[gsi] = irq
	return irq, nil
}

// UnbindFromIrq tears irq all the way down: closes its port if bound,
// clears the per-CPU reverse index the kind used, reparents the port to
// CPU 0, and frees the host-side descriptor. Grounded directly on
// unbind_from_irq.
func (m *Manager) UnbindFromIrq(irq int) error {
	const op = "unbind_from_irq"
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unbindLocked(irq, op)
}

func (m *Manager) unbindLocked(irq int, op string) error {
	if irq < 0 || irq >= len(m.irqs) {
		return newError(ErrCodeInvalidArgument, op, nil)
	}
	info := m.irqs[irq]
	port := m.LookupPort(irq)

	if port > 0 {
		if err := m.hv.EvtchnClose(port); err != nil {
			return newError(ErrCodeHypercallFailed, op, err)
		}
		switch info.Kind {
		case Virq:
			m.virqToIrq[info.CPU][info.VirqNum] = -1
		case Ipi:
			m.ipiToIrq[info.CPU][info.IPIVec] = -1
		}
		m.ports.release(port)
		m.publishPort(irq, 0)
	}

	if info.Kind == Pirq {
		delete(m.gsiToIrq, info.PirqInfo.GSI)
	}

	if !info.isUnbound() {
		m.irqs[irq] = IrqInfo{}
		m.core.FreeDescriptor(irq)
	}
	return nil
}

// bindToIrqhandler is the shared tail of every *_to_irqhandler
// convenience wrapper: bind the port/IRQ, then register the handler,
// rolling the bind back on a registration failure exactly as
// bind_evtchn_to_irqhandler does.
func (m *Manager) bindToIrqhandler(irq int, bindErr error, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) (int, error) {
	if bindErr != nil {
		return 0, bindErr
	}
	if err := m.core.Register(irq, handler, flags, name, cookie); err != nil {
		_ = m.UnbindFromIrq(irq)
		return 0, err
	}
	return irq, nil
}

// BindVirqToIrqhandler binds virq and registers handler on the resulting
// IRQ, unwinding the bind if registration fails.
func (m *Manager) BindVirqToIrqhandler(virq, cpu int, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) (int, error) {
	irq, err := m.BindVirq(virq, cpu)
	return m.bindToIrqhandler(irq, err, handler, flags, name, cookie)
}

// BindIpiToIrqhandler binds ipi and registers handler with NoSuspend,
// ForceResume and EarlyResume added to flags, unwinding on registration
// failure.
func (m *Manager) BindIpiToIrqhandler(ipi, cpu int, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) (int, error) {
	irq, err := m.BindIpi(ipi, cpu)
	return m.bindToIrqhandler(irq, err, handler, flags|irqcore.NoSuspend|irqcore.ForceResume|irqcore.EarlyResume, name, cookie)
}

// BindInterDomainToIrqhandler binds the remote port and registers
// handler, unwinding on registration failure.
func (m *Manager) BindInterDomainToIrqhandler(remoteDomID, remotePort int, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) (int, error) {
	irq, err := m.BindInterDomain(remoteDomID, remotePort)
	return m.bindToIrqhandler(irq, err, handler, flags, name, cookie)
}

// UnbindFromIrqhandler unregisters cookie from irq and then unbinds it,
// mirroring unbind_from_irqhandler (unregister always happens before the
// teardown, regardless of whether it succeeds).
func (m *Manager) UnbindFromIrqhandler(ctx context.Context, irq int, cookie any) error {
	if err := m.core.Unregister(irq, cookie); err != nil {
		logger.Printf("xenevtchn: UnbindFromIrqhandler(irq=%d): %v", irq, err)
	}
	return m.UnbindFromIrq(irq)
}
