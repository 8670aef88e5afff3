// Package irqcore defines the host-OS IRQ dispatch collaborator consumed by
// xenevtchn, and a default software implementation of it. The real IRQ
// descriptor allocation, per-CPU affinity threading, and proc/sysfs
// plumbing of a production kernel are external to this repo (see
// SPEC_FULL.md, Non-goals); what is implemented here is the minimal
// dispatch-table contract xenevtchn's Chips and Upcall actually exercise.
package irqcore

import "context"

// Flags recognized on handler registration.
type Flags uint32

const (
	// NoSuspend marks a handler that must keep running across suspend;
	// after resume, ResumeMgr unmasks its port again unless the IRQ is
	// disabled.
	NoSuspend Flags = 1 << iota
	// ForceResume forces rebinding even if the IRQ looks unchanged.
	ForceResume
	// EarlyResume runs this handler's rebind before ordinary devices.
	EarlyResume
	// Shareable allows more than one handler on the same IRQ line.
	Shareable
)

// Handler is a registered interrupt handler. It must not block: the upcall
// scanner invokes it synchronously from interrupt-disabled context.
type Handler func(ctx context.Context, irq int, cookie any)

// Chip is the vtable a kind of IRQ (dynamic, per-CPU, pass-through) exposes
// to IrqCore. xenevtchn provides one Chip implementation per kind (see
// xenevtchn/chips.go); IrqCore calls back into it for every lifecycle and
// masking operation.
type Chip interface {
	Name() string
	Mask(irq int)
	Unmask(irq int)
	Ack(irq int)
	EOI(irq int)
	Startup(irq int) int
	Shutdown(irq int)
	End(irq int)
	SetAffinity(irq int, cpu int) error
	Retrigger(irq int) bool
}

// IrqCore is the host-OS IRQ dispatch collaborator. xenevtchn's Binder
// allocates/frees descriptors and attaches chips through it; the upcall
// scanner dispatches through it.
type IrqCore interface {
	// AllocateDescriptor reserves bookkeeping for irq if not already
	// present; idempotent.
	AllocateDescriptor(irq int)
	// FreeDescriptor releases bookkeeping for irq.
	FreeDescriptor(irq int)
	// AttachChip installs the vtable an IRQ number dispatches through.
	AttachChip(irq int, chip Chip)
	// Register binds handler to irq with flags, returning an error if
	// the IRQ already has a non-shareable registration.
	Register(irq int, handler Handler, flags Flags, name string, cookie any) error
	// Unregister removes cookie's registration from irq.
	Unregister(irq int, cookie any) error
	// HasAction reports whether irq has at least one live registration;
	// used to distinguish "probing, no one is listening yet" (section 7).
	HasAction(irq int) bool
	// SetAffinity requests that irq be delivered to cpu; the chip's
	// SetAffinity is consulted first.
	SetAffinity(irq int, cpu int) error
	// Dispatch invokes every handler registered on irq, in interrupt
	// context; called by xenevtchn's upcall scanner.
	Dispatch(ctx context.Context, irq int)
	// Flags reports the flags an IRQ was registered with (0 if none).
	Flags(irq int) Flags
	// Disabled reports whether irq is currently in the disabled state
	// (desc->status & IRQ_DISABLED in the reference driver). Chips' End
	// consults this to decide between a plain EOI and a full shutdown of
	// a still-pending, disabled line.
	Disabled(irq int) bool
	// SetDisabled toggles irq's disabled state. xenevtchn does not call
	// this itself - it exists so host-OS-level disable_irq()/enable_irq()
	// callers can influence Chips' End behavior.
	SetDisabled(irq int, disabled bool)
}
