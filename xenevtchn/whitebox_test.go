package xenevtchn

import (
	"context"
	"sync"
	"testing"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// fakeHvCall is the white-box package's own minimal hypercall stand-in,
// separate from xenevtchn_test's MockHvCall since internal tests live in a
// different package and need direct field access to m.bitmaps/m.vcpus that
// only an in-package test file can have.
type fakeHvCall struct {
	mu       sync.Mutex
	nextPort int
	unmasked []int
}

func newFakeHvCall() *fakeHvCall { return &fakeHvCall{nextPort: 1} }

func (h *fakeHvCall) allocPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.nextPort
	h.nextPort++
	return p
}

// unmaskedPorts returns every port passed to EvtchnUnmask so far, for
// tests distinguishing the same-CPU fast path (no hypercall) from the
// cross-CPU slow path (this call).
func (h *fakeHvCall) unmaskedPorts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.unmasked))
	copy(out, h.unmasked)
	return out
}

func (h *fakeHvCall) EvtchnBindVirq(hvcall.BindVirqArgs) (int, error)               { return h.allocPort(), nil }
func (h *fakeHvCall) EvtchnBindIPI(hvcall.BindIPIArgs) (int, error)                 { return h.allocPort(), nil }
func (h *fakeHvCall) EvtchnBindInterdomain(hvcall.BindInterdomainArgs) (int, error) { return h.allocPort(), nil }
func (h *fakeHvCall) EvtchnBindPirq(hvcall.BindPirqArgs) (int, error)               { return h.allocPort(), nil }
func (h *fakeHvCall) EvtchnBindVCPU(hvcall.BindVCPUArgs) error                      { return nil }
func (h *fakeHvCall) EvtchnClose(int) error                                        { return nil }
func (h *fakeHvCall) EvtchnUnmask(port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmasked = append(h.unmasked, port)
	return nil
}
func (h *fakeHvCall) EvtchnSend(int) error { return nil }
func (h *fakeHvCall) PhysdevEOI(int) error                                         { return nil }
func (h *fakeHvCall) PhysdevAllocIRQVector(int) error                              { return nil }
func (h *fakeHvCall) PhysdevMapPirq(int) error                                     { return nil }
func (h *fakeHvCall) PhysdevUnmapPirq(int) error                                   { return nil }
func (h *fakeHvCall) PhysdevIRQStatusQuery(int) (hvcall.PirqStatus, error)         { return hvcall.PirqStatus{}, nil }
func (h *fakeHvCall) PhysdevPirqEOIGmfn(uint64) error                              { return nil }
func (h *fakeHvCall) SchedPoll([]int, int64) error                                 { return nil }
func (h *fakeHvCall) HVMSetParam(int, uint64) error                                { return nil }

// fakeIrqCore is the white-box counterpart of xenevtchn_test's MockIrqCore:
// it records dispatch order on an exported-to-the-package field so scanner
// tests in this package can assert on it directly.
type fakeIrqCore struct {
	mu         sync.Mutex
	chips      map[int]irqcore.Chip
	handlers   map[int][]irqcore.Handler
	dispatched []int
	disabled   map[int]bool
	flags      map[int]irqcore.Flags
	hasAction  map[int]bool
}

func newFakeIrqCore() *fakeIrqCore {
	return &fakeIrqCore{
		chips:     make(map[int]irqcore.Chip),
		handlers:  make(map[int][]irqcore.Handler),
		disabled:  make(map[int]bool),
		flags:     make(map[int]irqcore.Flags),
		hasAction: make(map[int]bool),
	}
}

func (c *fakeIrqCore) AllocateDescriptor(irq int) {}
func (c *fakeIrqCore) FreeDescriptor(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chips, irq)
	delete(c.handlers, irq)
	delete(c.hasAction, irq)
}

func (c *fakeIrqCore) AttachChip(irq int, chip irqcore.Chip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chips[irq] = chip
}

func (c *fakeIrqCore) Register(irq int, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[irq] = append(c.handlers[irq], handler)
	c.flags[irq] = flags
	c.hasAction[irq] = true
	return nil
}

func (c *fakeIrqCore) Unregister(irq int, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, irq)
	c.hasAction[irq] = false
	return nil
}

func (c *fakeIrqCore) HasAction(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasAction[irq]
}

func (c *fakeIrqCore) SetAffinity(irq int, cpu int) error {
	c.mu.Lock()
	chip := c.chips[irq]
	c.mu.Unlock()
	if chip == nil {
		return nil
	}
	return chip.SetAffinity(irq, cpu)
}

func (c *fakeIrqCore) Dispatch(ctx context.Context, irq int) {
	c.mu.Lock()
	chip := c.chips[irq]
	handlers := append([]irqcore.Handler(nil), c.handlers[irq]...)
	c.dispatched = append(c.dispatched, irq)
	c.mu.Unlock()

	if chip != nil {
		chip.Ack(irq)
	}
	for _, h := range handlers {
		h(ctx, irq, nil)
	}
	if chip != nil {
		chip.EOI(irq)
	}
}

func (c *fakeIrqCore) Flags(irq int) irqcore.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[irq]
}

func (c *fakeIrqCore) Disabled(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[irq]
}

func (c *fakeIrqCore) SetDisabled(irq int, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[irq] = disabled
}

// newTestManagerWhitebox builds a Manager wired to in-package fakes, for
// tests that need direct access to unexported fields (bitmaps, vcpus,
// ports) to construct scenarios the public API has no setter for.
func newTestManagerWhitebox(t *testing.T, cfg Config) (*Manager, *fakeHvCall, *fakeIrqCore) {
	t.Helper()
	hv := newFakeHvCall()
	core := newFakeIrqCore()
	m, err := New(cfg, hv, core)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, hv, core
}
