package xenevtchn_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
)

// MockHvCall is an in-process stand-in for the hypervisor: it hands out
// monotonically increasing port numbers and records every call made to
// it, the way ne2000_test.go's MockInterruptRaiser records every IRQ it
// was asked to raise/lower.
type MockHvCall struct {
	mu sync.Mutex

	nextPort int
	sent     []int
	unmasked []int
	closed   []int

	failBindVirq bool
	failUnmask   bool
	eoiGmfn      uint64
	irqStatus    map[int]hvcall.PirqStatus
	hvmParams    map[int]uint64
	pollResult   error
	polledPorts  [][]int
	pollBlock    chan struct{}
}

func NewMockHvCall() *MockHvCall {
	return &MockHvCall{
		nextPort:  1,
		irqStatus: make(map[int]hvcall.PirqStatus),
		hvmParams: make(map[int]uint64),
	}
}

func (m *MockHvCall) allocPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.nextPort
	m.nextPort++
	return p
}

func (m *MockHvCall) EvtchnBindVirq(args hvcall.BindVirqArgs) (int, error) {
	if m.failBindVirq {
		return 0, fmt.Errorf("MockHvCall: bind_virq forced failure")
	}
	return m.allocPort(), nil
}

func (m *MockHvCall) EvtchnBindIPI(args hvcall.BindIPIArgs) (int, error) {
	return m.allocPort(), nil
}

func (m *MockHvCall) EvtchnBindInterdomain(args hvcall.BindInterdomainArgs) (int, error) {
	return m.allocPort(), nil
}

func (m *MockHvCall) EvtchnBindPirq(args hvcall.BindPirqArgs) (int, error) {
	return m.allocPort(), nil
}

func (m *MockHvCall) EvtchnBindVCPU(args hvcall.BindVCPUArgs) error { return nil }

func (m *MockHvCall) EvtchnClose(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, port)
	return nil
}

func (m *MockHvCall) EvtchnUnmask(port int) error {
	if m.failUnmask {
		return fmt.Errorf("MockHvCall: unmask forced failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmasked = append(m.unmasked, port)
	return nil
}

func (m *MockHvCall) EvtchnSend(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, port)
	return nil
}

func (m *MockHvCall) PhysdevEOI(gsi int) error { return nil }

func (m *MockHvCall) PhysdevAllocIRQVector(gsi int) error { return nil }

func (m *MockHvCall) PhysdevMapPirq(gsi int) error { return nil }

func (m *MockHvCall) PhysdevUnmapPirq(gsi int) error { return nil }

func (m *MockHvCall) PhysdevIRQStatusQuery(gsi int) (hvcall.PirqStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqStatus[gsi], nil
}

func (m *MockHvCall) PhysdevPirqEOIGmfn(gmfn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eoiGmfn = gmfn
	return nil
}

func (m *MockHvCall) SchedPoll(ports []int, timeoutNanos int64) error {
	m.mu.Lock()
	m.polledPorts = append(m.polledPorts, ports)
	block := m.pollBlock
	result := m.pollResult
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return result
}

// SetPollResult makes every subsequent SchedPoll call return err.
func (m *MockHvCall) SetPollResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollResult = err
}

// BlockSchedPoll makes SchedPoll calls hang until UnblockSchedPoll is
// called, simulating a hypervisor poll that hasn't returned yet - used to
// exercise PollIrq's context-cancellation path.
func (m *MockHvCall) BlockSchedPoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollBlock = make(chan struct{})
}

// UnblockSchedPoll releases any SchedPoll calls parked by BlockSchedPoll.
func (m *MockHvCall) UnblockSchedPoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollBlock != nil {
		close(m.pollBlock)
		m.pollBlock = nil
	}
}

func (m *MockHvCall) HVMSetParam(param int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hvmParams[param] = value
	return nil
}

func (m *MockHvCall) SentPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockHvCall) UnmaskedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.unmasked))
	copy(out, m.unmasked)
	return out
}

func (m *MockHvCall) ClosedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.closed))
	copy(out, m.closed)
	return out
}

// LastPirqEOIGmfn returns the most recent gmfn passed to
// PhysdevPirqEOIGmfn, or 0 if it was never called.
func (m *MockHvCall) LastPirqEOIGmfn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eoiGmfn
}

// MockIrqCore is a tiny host IRQ dispatch stand-in separate from the
// real irqcore.DescTable: it records dispatches and lets tests control
// Disabled/Flags directly, rather than exercising them through
// Register/Unregister.
type MockIrqCore struct {
	mu sync.Mutex

	chips      map[int]irqcore.Chip
	handlers   map[int][]irqcore.Handler
	dispatched []int
	disabled   map[int]bool
	flags      map[int]irqcore.Flags
	hasAction  map[int]bool
}

func NewMockIrqCore() *MockIrqCore {
	return &MockIrqCore{
		chips:     make(map[int]irqcore.Chip),
		handlers:  make(map[int][]irqcore.Handler),
		disabled:  make(map[int]bool),
		flags:     make(map[int]irqcore.Flags),
		hasAction: make(map[int]bool),
	}
}

func (c *MockIrqCore) AllocateDescriptor(irq int) {}
func (c *MockIrqCore) FreeDescriptor(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chips, irq)
	delete(c.handlers, irq)
	delete(c.hasAction, irq)
}

func (c *MockIrqCore) AttachChip(irq int, chip irqcore.Chip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chips[irq] = chip
}

func (c *MockIrqCore) Register(irq int, handler irqcore.Handler, flags irqcore.Flags, name string, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasAction[irq] && (c.flags[irq]&irqcore.Shareable == 0 || flags&irqcore.Shareable == 0) {
		return fmt.Errorf("MockIrqCore: irq %d already registered, not shareable", irq)
	}
	c.handlers[irq] = append(c.handlers[irq], handler)
	c.flags[irq] = flags
	c.hasAction[irq] = true
	return nil
}

func (c *MockIrqCore) Unregister(irq int, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, irq)
	c.hasAction[irq] = false
	return nil
}

func (c *MockIrqCore) HasAction(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasAction[irq]
}

func (c *MockIrqCore) SetAffinity(irq int, cpu int) error {
	c.mu.Lock()
	chip := c.chips[irq]
	c.mu.Unlock()
	if chip == nil {
		return fmt.Errorf("MockIrqCore: irq %d has no chip", irq)
	}
	return chip.SetAffinity(irq, cpu)
}

func (c *MockIrqCore) Dispatch(ctx context.Context, irq int) {
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

func (c *MockIrqCore) Flags(irq int) irqcore.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[irq]
}

func (c *MockIrqCore) Disabled(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[irq]
}

func (c *MockIrqCore) SetDisabled(irq int, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[irq] = disabled
}

// ChipFor returns the chip attached to irq, for tests that need to drive
// Startup/End/Retrigger directly rather than through Dispatch/SetAffinity.
func (c *MockIrqCore) ChipFor(irq int) irqcore.Chip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chips[irq]
}

func (c *MockIrqCore) Dispatched() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.dispatched))
	copy(out, c.dispatched)
	return out
}
