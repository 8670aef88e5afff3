package irqcore

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// registration is one handler bound to an IRQ.
type registration struct {
	handler Handler
	flags   Flags
	name    string
	cookie  any
}

// descriptor is the bookkeeping IrqCore keeps per IRQ number.
type descriptor struct {
	chip     Chip
	regs     []registration
	disabled bool
}

// DescTable is the default, in-process IrqCore implementation: a dispatch
// table keyed by IRQ number, directly analogous to the reference VMM's
// IOBus, which keys the same kind of table by port number instead of IRQ
// number and dispatches to devices instead of handlers.
type DescTable struct {
	mu    sync.Mutex
	descs map[int]*descriptor
}

// NewDescTable creates an empty descriptor table.
func NewDescTable() *DescTable {
	return &DescTable{descs: make(map[int]*descriptor)}
}

func (t *DescTable) get(irq int) *descriptor {
	d, ok := t.descs[irq]
	if !ok {
		d = &descriptor{}
		t.descs[irq] = d
	}
	return d
}

func (t *DescTable) AllocateDescriptor(irq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(irq)
}

func (t *DescTable) FreeDescriptor(irq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.descs, irq)
}

func (t *DescTable) AttachChip(irq int, chip Chip) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(irq).chip = chip
}

func (t *DescTable) Register(irq int, handler Handler, flags Flags, name string, cookie any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.get(irq)
	if len(d.regs) > 0 {
		sharable := flags&Shareable != 0
		for _, r := range d.regs {
			if r.flags&Shareable == 0 || !sharable {
				return fmt.Errorf("irqcore: irq %d already registered by %q, not shareable", irq, r.name)
			}
		}
	}
	d.regs = append(d.regs, registration{handler: handler, flags: flags, name: name, cookie: cookie})
	if d.chip != nil {
		if rc := d.chip.Startup(irq); rc == 0 && !hasAction(d) {
			log.Printf("irqcore: startup(%d) returned 0 while probing", irq)
		}
	}
	return nil
}

func hasAction(d *descriptor) bool {
	return len(d.regs) > 0
}

func (t *DescTable) Unregister(irq int, cookie any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[irq]
	if !ok {
		return fmt.Errorf("irqcore: unregister: irq %d has no descriptor", irq)
	}
	out := d.regs[:0]
	found := false
	for _, r := range d.regs {
		if r.cookie == cookie {
			found = true
			continue
		}
		out = append(out, r)
	}
	d.regs = out
	if !found {
		return fmt.Errorf("irqcore: unregister: cookie not registered on irq %d", irq)
	}
	if len(d.regs) == 0 && d.chip != nil {
		d.chip.Shutdown(irq)
	}
	return nil
}

func (t *DescTable) HasAction(irq int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[irq]
	if !ok {
		return false
	}
	return hasAction(d)
}

func (t *DescTable) SetAffinity(irq int, cpu int) error {
	t.mu.Lock()
	d, ok := t.descs[irq]
	t.mu.Unlock()
	if !ok || d.chip == nil {
		return fmt.Errorf("irqcore: set affinity: irq %d has no chip attached", irq)
	}
	return d.chip.SetAffinity(irq, cpu)
}

func (t *DescTable) Dispatch(ctx context.Context, irq int) {
	t.mu.Lock()
	d, ok := t.descs[irq]
	if !ok {
		t.mu.Unlock()
		log.Printf("irqcore: dispatch: irq %d has no descriptor", irq)
		return
	}
	chip := d.chip
	regs := make([]registration, len(d.regs))
	copy(regs, d.regs)
	t.mu.Unlock()

	if chip != nil {
		chip.Ack(irq)
	}
	for _, r := range regs {
		r.handler(ctx, irq, r.cookie)
	}
	if chip != nil {
		chip.EOI(irq)
	}
}

func (t *DescTable) Disabled(irq int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[irq]
	if !ok {
		return false
	}
	return d.disabled
}

func (t *DescTable) SetDisabled(irq int, disabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(irq).disabled = disabled
}

func (t *DescTable) Flags(irq int) Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[irq]
	if !ok || len(d.regs) == 0 {
		return 0
	}
	var f Flags
	for _, r := range d.regs {
		f |= r.flags
	}
	return f
}
