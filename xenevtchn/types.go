package xenevtchn

// Kind tags what an IRQ is currently bound to. The zero value, Unbound,
// must always correspond to Port == 0 (invariant I1 of SPEC_FULL.md).
type Kind int

const (
	Unbound Kind = iota
	InterDomain
	Virq
	Ipi
	Pirq
)

func (k Kind) String() string {
	switch k {
	case Unbound:
		return "unbound"
	case InterDomain:
		return "interdomain"
	case Virq:
		return "virq"
	case Ipi:
		return "ipi"
	case Pirq:
		return "pirq"
	default:
		return "unknown"
	}
}

// IrqFlags carries per-IRQ bits that aren't part of the kind-specific
// payload.
type IrqFlags uint8

const (
	// Shareable marks a Pirq as usable by more than one registration.
	Shareable IrqFlags = 1 << iota
)

// PirqPayload is the kind-specific state for a Pirq binding.
type PirqPayload struct {
	GSI      int
	Vector   int
	DomID    int
	NeedsEOI bool
}

// IrqInfo is the per-IRQ tagged record described in SPEC_FULL.md section 3.
// A flat Kind field is kept outside the payload so the hot dispatch path
// never needs to branch into the union to decide what it's looking at.
type IrqInfo struct {
	Kind  Kind
	Port  int // 0 when unbound (invariant I1)
	CPU   int
	Name  string
	Flags IrqFlags

	VirqNum int         // valid when Kind == Virq
	IPIVec  int         // valid when Kind == Ipi
	PirqInfo PirqPayload // valid when Kind == Pirq
}

func (i IrqInfo) isUnbound() bool { return i.Kind == Unbound }
