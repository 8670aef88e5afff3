package xenevtchn

import (
	"context"
	"time"
)

// Polling implements SPEC_FULL.md section 4.6: the lock-free
// clear/set/test-pending primitives and the blocking poll used by
// callers that disable an IRQ and wait for its port to fire directly,
// rather than through the upcall path. Grounded on the original driver's
// xen_clear_irq_pending/xen_set_irq_pending/xen_test_irq_pending/
// xen_poll_irq_timeout; context.Context replaces the raw nanosecond
// timeout argument as the idiomatic Go rendering of a cancellable wait
// (see DESIGN.md's stdlib-justification entry - no pack example models a
// single blocking wait-with-deadline any other way).

// ClearIrqPending clears irq's port's pending bit, in preparation for a
// PollIrq call.
func (m *Manager) ClearIrqPending(irq int) {
	port := m.LookupPort(irq)
	if port > 0 {
		m.bitmaps.ClearPending(port)
	}
}

// SetIrqPending sets irq's port's pending bit directly, without going
// through the hypervisor.
func (m *Manager) SetIrqPending(irq int) {
	port := m.LookupPort(irq)
	if port > 0 {
		m.bitmaps.SetPending(port)
	}
}

// TestIrqPending reports whether irq's port is currently pending.
func (m *Manager) TestIrqPending(irq int) bool {
	port := m.LookupPort(irq)
	if port <= 0 {
		return false
	}
	return m.bitmaps.TestPending(port)
}

// PollIrq is xen_poll_irq_timeout: block until irq's port becomes
// pending, ctx is canceled, or ctx's deadline (if any) passes. A ctx
// with no deadline waits indefinitely, the same as the original's
// "timeout 0" convention. Intended for an IRQ the caller has disabled,
// so no upcall would otherwise wake it.
func (m *Manager) PollIrq(ctx context.Context, irq int) error {
	const op = "xen_poll_irq_timeout"
	port := m.LookupPort(irq)
	if port <= 0 {
		return newError(ErrCodeNotBound, op, nil)
	}

	var timeoutNanos int64
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		timeoutNanos = int64(remaining)
	}

	done := make(chan error, 1)
	go func() { done <- m.hv.SchedPoll([]int{port}, timeoutNanos) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return newError(ErrCodeHypercallFailed, op, err)
		}
		return nil
	}
}
