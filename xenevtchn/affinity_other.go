//go:build !linux

package xenevtchn

// pinOSThread is a no-op off Linux; SchedSetaffinity has no portable
// equivalent, and xenevtchn's own correctness never depends on it (see
// affinity_linux.go).
func pinOSThread(cpu int) error { return nil }
