//go:build linux

package hvcall

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapSharedInfo mmaps the hypervisor-shared pending/mask page off fd, the
// same way the reference VMM mmaps the kvm_run structure off a VCPU fd in
// virtual_machine.go/vcpu.go. The returned slice aliases the mapped page;
// every uint64 in it must only be touched with sync/atomic operations,
// since the hypervisor writes pending bits concurrently.
func MapSharedInfo(fd int, nrWords int) ([]uint64, error) {
	size := nrWords * 8
	if size <= 0 {
		return nil, fmt.Errorf("hvcall: MapSharedInfo: invalid word count %d", nrWords)
	}
	page, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hvcall: mmap shared info: %w", err)
	}
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&page[0])), nrWords)
	return words, nil
}

// UnmapSharedInfo releases a mapping obtained from MapSharedInfo.
func UnmapSharedInfo(words []uint64) error {
	if len(words) == 0 {
		return nil
	}
	size := len(words) * 8
	page := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return unix.Munmap(page)
}
