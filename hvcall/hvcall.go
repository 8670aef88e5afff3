// Package hvcall defines the hypercall vocabulary the event-channel
// subsystem issues against the hypervisor, and the interface through which
// the rest of xenevtchn consumes it. The wire encoding of each call is an
// implementation detail of a concrete HvCall; xenevtchn only ever depends
// on this interface.
package hvcall

import "fmt"

// BindVirqArgs are the arguments to EVTCHN_bind_virq.
type BindVirqArgs struct {
	Virq int
	VCPU int
}

// BindIPIArgs are the arguments to EVTCHN_bind_ipi.
type BindIPIArgs struct {
	VCPU int
}

// BindInterdomainArgs are the arguments to EVTCHN_bind_interdomain.
type BindInterdomainArgs struct {
	RemoteDomID int
	RemotePort  int
}

// BindPirqArgs are the arguments to EVTCHN_bind_pirq.
type BindPirqArgs struct {
	GSI       int
	Shareable bool
}

// BindVCPUArgs are the arguments to EVTCHN_bind_vcpu (affinity change).
type BindVCPUArgs struct {
	Port int
	VCPU int
}

// PirqStatus reports the result of PHYSDEV_irq_status_query.
type PirqStatus struct {
	NeedsEOI bool
}

// HvCall is the hypercall collaborator consumed by xenevtchn. Every method
// returns a nonzero-equivalent error on failure; callers map that directly
// to the xenevtchn error vocabulary. Implementations must not retry or
// paper over failures - the Xen ABI's error codes are meaningful to callers.
type HvCall interface {
	// EvtchnBindVirq binds a per-CPU virtual IRQ and returns the local port.
	EvtchnBindVirq(args BindVirqArgs) (port int, err error)
	// EvtchnBindIPI binds an inter-processor interrupt and returns the local port.
	EvtchnBindIPI(args BindIPIArgs) (port int, err error)
	// EvtchnBindInterdomain binds to a remote domain's port and returns the local port.
	EvtchnBindInterdomain(args BindInterdomainArgs) (port int, err error)
	// EvtchnBindPirq binds a physical IRQ and returns the local port.
	EvtchnBindPirq(args BindPirqArgs) (port int, err error)
	// EvtchnBindVCPU rebinds an already-bound port to a new delivery VCPU.
	EvtchnBindVCPU(args BindVCPUArgs) error
	// EvtchnClose tears down a port, whatever its kind.
	EvtchnClose(port int) error
	// EvtchnUnmask asks the hypervisor to re-check a port's pending state
	// on the port's home CPU (used when the home CPU differs from the
	// unmasking CPU - see xenevtchn's Manager.unmaskOnCPU slow path).
	EvtchnUnmask(port int) error
	// EvtchnSend raises the remote end of an inter-domain port.
	EvtchnSend(port int) error

	// PhysdevEOI signals end-of-interrupt for a level-triggered GSI.
	PhysdevEOI(gsi int) error
	// PhysdevAllocIRQVector reserves a host interrupt vector for a GSI;
	// only meaningful when the calling domain is privileged.
	PhysdevAllocIRQVector(gsi int) error
	// PhysdevMapPirq establishes the GSI-to-pirq mapping.
	PhysdevMapPirq(gsi int) error
	// PhysdevUnmapPirq releases a GSI-to-pirq mapping.
	PhysdevUnmapPirq(gsi int) error
	// PhysdevIRQStatusQuery reports whether a GSI needs explicit EOI.
	PhysdevIRQStatusQuery(gsi int) (PirqStatus, error)
	// PhysdevPirqEOIGmfn registers the shared pirq_needs_eoi page.
	PhysdevPirqEOIGmfn(gmfn uint64) error

	// SchedPoll blocks the calling VCPU until one of ports becomes pending
	// or timeoutNanos elapses (0 means wait indefinitely).
	SchedPoll(ports []int, timeoutNanos int64) error

	// HVMSetParam sets an HVM guest parameter, e.g. the callback vector.
	HVMSetParam(param int, value uint64) error
}

// HVM parameters recognized by HVMSetParam, matching the Xen ABI.
const (
	HVMParamCallbackIRQ = 0
)

// CallError wraps a failed hypercall with the op name and the Xen-side
// error code, matching the ABI convention that every call returns a
// nonzero integer on failure.
type CallError struct {
	Op   string
	Code int
}

func (e *CallError) Error() string {
	return fmt.Sprintf("hvcall: %s failed: code %d", e.Op, e.Code)
}
