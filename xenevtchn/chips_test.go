package xenevtchn_test

import (
	"context"
	"testing"

	"github.com/v-architect/xenevtchn/xenevtchn"
)

func TestDynamicChipAckReunmasksUnlessDisabled(t *testing.T) {
	// Two CPUs so Ack's unmask, issued while "acting as" CPU 1 for a port
	// owned by CPU 0, takes the cross-CPU hypercall path instead of the
	// local fast path - that's the only path this mock can observe
	// through EvtchnUnmask.
	cfg := xenevtchn.DefaultConfig()
	cfg.NrCPUs = 2
	m, hv, core := newTestManager(t, cfg)

	irq, err := m.BindInterDomain(0, 1)
	if err != nil {
		t.Fatalf("BindInterDomain: %v", err)
	}
	if err := core.Register(irq, func(context.Context, int, any) {}, 0, "test", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	port := m.LookupPort(irq)

	m.SetIrqPending(irq)
	m.RunAsCPU(1, func() { core.Dispatch(context.Background(), irq) })
	unmasked := hv.UnmaskedPorts()
	if len(unmasked) == 0 || unmasked[len(unmasked)-1] != port {
		t.Fatalf("expected ack to re-unmask port %d via the cross-CPU path, got %v", port, unmasked)
	}

	core.SetDisabled(irq, true)
	before := len(hv.UnmaskedPorts())
	m.RunAsCPU(1, func() { core.Dispatch(context.Background(), irq) })
	after := len(hv.UnmaskedPorts())
	if after != before {
		t.Fatalf("expected a disabled irq's ack not to re-unmask, went from %d to %d calls", before, after)
	}
}

func TestPercpuChipRejectsSetAffinity(t *testing.T) {
	m, _, core := newTestManager(t, xenevtchn.DefaultConfig())

	irq, err := m.BindIpi(0, 0)
	if err != nil {
		t.Fatalf("BindIpi: %v", err)
	}
	if err := core.SetAffinity(irq, 0); err == nil {
		t.Fatal("expected a per-CPU IRQ to reject SetAffinity")
	}
}

func TestPirqEndShutsDownWhenDisabledAndPending(t *testing.T) {
	m, hv, core := newTestManager(t, xenevtchn.DefaultConfig())

	irq, err := m.AllocatePirq(5, false, "nic")
	if err != nil {
		t.Fatalf("AllocatePirq: %v", err)
	}
	chip := core.ChipFor(irq)
	if chip == nil {
		t.Fatal("expected AllocatePirq to have attached a chip")
	}
	chip.Startup(irq)

	port := m.LookupPort(irq)
	if port == 0 {
		t.Fatal("expected Startup to have bound a port")
	}

	core.SetDisabled(irq, true)
	m.SetIrqPending(irq)
	chip.End(irq)

	closed := hv.ClosedPorts()
	if len(closed) == 0 {
		t.Fatal("expected End on a disabled+pending pirq to close the port (full shutdown)")
	}
}

func TestRetriggerOnAnUnmaskedPortWakesTheScanner(t *testing.T) {
	m, _, core := newTestManager(t, xenevtchn.DefaultConfig())

	irq, err := m.BindVirq(6, 0)
	if err != nil {
		t.Fatalf("BindVirq: %v", err)
	}
	if err := core.Register(irq, func(context.Context, int, any) {}, 0, "test", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	chip := core.ChipFor(irq)

	// Ports start masked; unmask it first so Retrigger's "not already
	// masked" branch is the one under test.
	chip.Unmask(irq)

	if !chip.Retrigger(irq) {
		t.Fatal("expected Retrigger to report success")
	}
	if !m.TestIrqPending(irq) {
		t.Fatal("expected Retrigger to set the pending bit")
	}

	m.DoUpcall(context.Background(), 0)
	dispatched := core.Dispatched()
	if len(dispatched) == 0 || dispatched[len(dispatched)-1] != irq {
		t.Fatalf("expected Retrigger on an unmasked port to wake the scanner and dispatch irq %d, got %v", irq, dispatched)
	}
}
