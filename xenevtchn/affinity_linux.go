//go:build linux

package xenevtchn

import "golang.org/x/sys/unix"

// pinOSThread best-effort pins the calling OS thread to cpu, mirroring
// the host-side half of an IRQ affinity change. The event-channel port's
// own ownership (PortTable.rebindCPU) is the authoritative state Manager
// tracks; this is a courtesy call to the host scheduler so a pinned
// goroutine's dispatch loop actually runs where the port says it does.
// Grounded on hioload-ws's api/affinity.go SchedSetaffinity usage - see
// SPEC_FULL.md section 8.
func pinOSThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
