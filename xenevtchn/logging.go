package xenevtchn

import "log"

// logger receives the handful of non-fatal warnings this package emits:
// silent-probing misses, edge-recovery hypercall fallbacks, resume
// warnings, and the dynamic-pool-exhausted condition right before the
// resource-exhausted error is returned. Grounded on the reference
// codebase's log.Printf convention in devices/iobus.go and
// virtual_machine.go; see SPEC_FULL.md section 7.2 and DESIGN.md's
// standard-library justifications for why this stays on the standard
// library.
var logger = log.Default()

// SetLogger overrides the package-level logger, for embedding xenevtchn in
// a larger guest kernel with its own logging destination.
func SetLogger(l *log.Logger) {
	if l == nil {
		return
	}
	logger = l
}
