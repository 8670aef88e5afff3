//go:build linux

// Real HvCall implementation: issues Xen event-channel and physdev
// hypercalls as ioctls against an open privcmd-style device fd, the same
// way the reference VMM issues KVM ioctls against /dev/kvm.
package hvcall

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Xen privcmd ioctl numbers (simplified placeholders - a production build
// generates these from the kernel's <xen/privcmd.h> the way the reference
// VMM's KVM constants are generated from <linux/kvm.h>; the values below
// preserve the encoding shape without depending on cgo).
const (
	privcmdIOCBase = 'P'

	IOCTL_PRIVCMD_HYPERCALL = (privcmdIOCBase << 24) | (0x00 << 16) | (0x01 << 8)
)

// Hypercall op numbers, matching the Xen ABI.
const (
	opEvtchnBindVirq        = 0
	opEvtchnBindPirq        = 1
	opEvtchnBindIPI         = 2
	opEvtchnBindInterdomain = 3
	opEvtchnBindVCPU        = 4
	opEvtchnClose           = 5
	opEvtchnUnmask          = 6
	opEvtchnSend            = 7

	opPhysdevEOI               = 16
	opPhysdevAllocIRQVector     = 17
	opPhysdevMapPirq            = 18
	opPhysdevUnmapPirq          = 19
	opPhysdevIRQStatusQuery     = 20
	opPhysdevPirqEOIGmfn        = 21

	opSchedPoll = 32

	opHVMSetParam = 48
)

// hypercallArgs is the generic argument block passed through the ioctl,
// mirroring the reference VMM's per-call struct-then-unsafe.Pointer idiom
// in hypervisor/kvm.go.
type hypercallArgs struct {
	op   uint32
	arg0 uint64
	arg1 uint64
	arg2 uint64
	ret  int64
}

// RealHvCall issues hypercalls over an open privcmd device file descriptor.
type RealHvCall struct {
	fd int
}

// Open opens the given privcmd-style device path (e.g. "/dev/xen/privcmd")
// and returns a RealHvCall bound to it.
func Open(path string) (*RealHvCall, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hvcall: open %s: %w", path, err)
	}
	return &RealHvCall{fd: fd}, nil
}

// Close closes the underlying device descriptor.
func (h *RealHvCall) Close() error {
	return unix.Close(h.fd)
}

func (h *RealHvCall) call(op string, opnum uint32, a0, a1, a2 uint64) (int64, error) {
	args := hypercallArgs{op: opnum, arg0: a0, arg1: a1, arg2: a2}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), IOCTL_PRIVCMD_HYPERCALL, uintptr(unsafe.Pointer(&args)))
	if errno != 0 {
		return 0, &CallError{Op: op, Code: int(errno)}
	}
	if args.ret < 0 {
		return 0, &CallError{Op: op, Code: int(args.ret)}
	}
	return args.ret, nil
}

func (h *RealHvCall) EvtchnBindVirq(args BindVirqArgs) (int, error) {
	ret, err := h.call("EVTCHN_bind_virq", opEvtchnBindVirq, uint64(args.Virq), uint64(args.VCPU), 0)
	return int(ret), err
}

func (h *RealHvCall) EvtchnBindIPI(args BindIPIArgs) (int, error) {
	ret, err := h.call("EVTCHN_bind_ipi", opEvtchnBindIPI, uint64(args.VCPU), 0, 0)
	return int(ret), err
}

func (h *RealHvCall) EvtchnBindInterdomain(args BindInterdomainArgs) (int, error) {
	ret, err := h.call("EVTCHN_bind_interdomain", opEvtchnBindInterdomain, uint64(args.RemoteDomID), uint64(args.RemotePort), 0)
	return int(ret), err
}

func (h *RealHvCall) EvtchnBindPirq(args BindPirqArgs) (int, error) {
	share := uint64(0)
	if args.Shareable {
		share = 1
	}
	ret, err := h.call("EVTCHN_bind_pirq", opEvtchnBindPirq, uint64(args.GSI), share, 0)
	return int(ret), err
}

func (h *RealHvCall) EvtchnBindVCPU(args BindVCPUArgs) error {
	_, err := h.call("EVTCHN_bind_vcpu", opEvtchnBindVCPU, uint64(args.Port), uint64(args.VCPU), 0)
	return err
}

func (h *RealHvCall) EvtchnClose(port int) error {
	_, err := h.call("EVTCHN_close", opEvtchnClose, uint64(port), 0, 0)
	return err
}

func (h *RealHvCall) EvtchnUnmask(port int) error {
	_, err := h.call("EVTCHN_unmask", opEvtchnUnmask, uint64(port), 0, 0)
	return err
}

func (h *RealHvCall) EvtchnSend(port int) error {
	_, err := h.call("EVTCHN_send", opEvtchnSend, uint64(port), 0, 0)
	return err
}

func (h *RealHvCall) PhysdevEOI(gsi int) error {
	_, err := h.call("PHYSDEV_eoi", opPhysdevEOI, uint64(gsi), 0, 0)
	return err
}

func (h *RealHvCall) PhysdevAllocIRQVector(gsi int) error {
	_, err := h.call("PHYSDEV_alloc_irq_vector", opPhysdevAllocIRQVector, uint64(gsi), 0, 0)
	return err
}

func (h *RealHvCall) PhysdevMapPirq(gsi int) error {
	_, err := h.call("PHYSDEV_map_pirq", opPhysdevMapPirq, uint64(gsi), 0, 0)
	return err
}

func (h *RealHvCall) PhysdevUnmapPirq(gsi int) error {
	_, err := h.call("PHYSDEV_unmap_pirq", opPhysdevUnmapPirq, uint64(gsi), 0, 0)
	return err
}

func (h *RealHvCall) PhysdevIRQStatusQuery(gsi int) (PirqStatus, error) {
	ret, err := h.call("PHYSDEV_irq_status_query", opPhysdevIRQStatusQuery, uint64(gsi), 0, 0)
	if err != nil {
		return PirqStatus{}, err
	}
	return PirqStatus{NeedsEOI: ret != 0}, nil
}

func (h *RealHvCall) PhysdevPirqEOIGmfn(gmfn uint64) error {
	_, err := h.call("PHYSDEV_pirq_eoi_gmfn", opPhysdevPirqEOIGmfn, gmfn, 0, 0)
	return err
}

func (h *RealHvCall) SchedPoll(ports []int, timeoutNanos int64) error {
	if len(ports) == 0 {
		return fmt.Errorf("hvcall: SchedPoll requires at least one port")
	}
	// The real ABI takes a guest-virtual-address pointer to the port list;
	// here we pass the first port plus count, which is sufficient for the
	// single-port polling this subsystem performs (see xenevtchn/poll.go).
	_, err := h.call("SCHED_poll", opSchedPoll, uint64(ports[0]), uint64(len(ports)), uint64(timeoutNanos))
	return err
}

func (h *RealHvCall) HVMSetParam(param int, value uint64) error {
	_, err := h.call("HVM_set_param", opHVMSetParam, uint64(param), value, 0)
	return err
}
