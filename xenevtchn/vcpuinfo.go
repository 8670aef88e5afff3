package xenevtchn

import "sync/atomic"

// VcpuInfo is the per-CPU hypervisor-shared record from SPEC_FULL.md
// section 3: UpcallPending/UpcallMask plus the selector word that gives
// the upcall scanner its first level of the two-level bitmap.
//
// NestingCount, CursorWord and CursorBit are guest-private (not shared
// with the hypervisor) but live alongside VcpuInfo because they are both
// strictly per-CPU and only ever touched by the single logical scanner
// for that CPU - the reentrancy fold in Manager.DoUpcall is what keeps access to
// CursorWord/CursorBit serialized, so those two fields are plain ints
// rather than atomics.
type VcpuInfo struct {
	UpcallPending atomic.Bool
	UpcallMask    atomic.Bool
	PendingSel    atomic.Uint64

	NestingCount atomic.Int32

	CursorWord int
	CursorBit  int
}

func newVcpuInfo() *VcpuInfo {
	return &VcpuInfo{}
}

// markSelector sets bit w of PendingSel and raises UpcallPending; this is
// the guest-side half of "the hypervisor notifies by setting a selector
// bit and upcall_pending". In a real deployment the hypervisor does this
// directly in shared memory; here it is also used by Chips' local
// edge-recovery path (SPEC_FULL.md section 4.3), and white-box tests
// call it directly to simulate a hypervisor notification.
func (v *VcpuInfo) markSelector(word int) {
	for {
		old := v.PendingSel.Load()
		nw := old | (uint64(1) << uint(word))
		if old == nw || v.PendingSel.CompareAndSwap(old, nw) {
			break
		}
	}
	v.UpcallPending.Store(true)
}
