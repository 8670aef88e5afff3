package xenevtchn

import (
	"fmt"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// Init is the post-construction setup step, the Go analogue of
// xen_init_IRQ(). It issues no hypercall and always returns nil: it only
// reads the configured delivery mode and, in DeliveryModeHVMCallback,
// logs that the pirq EOI page is registered only by an explicit
// RegisterPirqEOIGmfn call.
func (m *Manager) Init() error {
	m.mu.Lock()
	mode := m.cfg.Mode
	m.mu.Unlock()
	if mode == DeliveryModeHVMCallback {
		// The shared pirq_needs_eoi page is only meaningful once a real
		// guest frame backs it; callers that need it call
		// RegisterPirqEOIGmfn explicitly with that frame number.
		logger.Printf("xenevtchn: Init: delivery mode %v expects an explicit RegisterPirqEOIGmfn call", mode)
	}
	return nil
}

// NotifyRemoteViaIrq is EVTCHN_send on irq's port: raise the remote end
// of an inter-domain channel. Only meaningful for InterDomain bindings;
// an irq with no bound port is silently ignored.
func (m *Manager) NotifyRemoteViaIrq(irq int) error {
	const op = "notify_remote_via_irq"
	port := m.LookupPort(irq)
	if port <= 0 {
		return nil
	}
	if err := m.hv.EvtchnSend(port); err != nil {
		return newError(ErrCodeHypercallFailed, op, err)
	}
	return nil
}

// fatal escalates an unrecoverable construction-time condition the way
// SPEC_FULL.md section 7 describes: anything this far out has no
// meaningful caller to return an error to, so it panics instead of
// silently limping on with a half-built table. Only ever called from
// package-level convenience constructors below, never from request-path
// code.
func fatal(op string, err error) {
	if err != nil {
		panic(fmt.Sprintf("xenevtchn: %s: %v", op, err))
	}
}

// MustNew is New, panicking on error. Intended for a guest's early boot
// sequence, where there is no recovery path from a misconfigured event
// channel subsystem.
func MustNew(cfg Config, hv hvcall.HvCall, core irqcore.IrqCore) *Manager {
	m, err := New(cfg, hv, core)
	fatal("MustNew", err)
	return m
}
