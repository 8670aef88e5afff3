// Command xenevtchndemo wires a Manager to the real, ioctl-backed HvCall
// and the default software IrqCore, binds one virtual interrupt line,
// and runs the upcall scanner against them - the event-channel
// analogue of the reference VMM's cmd/ harness that builds a
// VirtualMachine and drives its VCPU run loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/v-architect/xenevtchn/hvcall"
	"github.com/v-architect/xenevtchn/irqcore"
	"github.com/v-architect/xenevtchn/xenevtchn"
)

func main() {
	privcmdPath := flag.String("privcmd", "/dev/xen/privcmd", "path to the privcmd-style hypercall device")
	virq := flag.Int("virq", 0, "VIRQ number to bind on CPU 0 for this demo")
	flag.Parse()

	if err := run(*privcmdPath, *virq); err != nil {
		fmt.Fprintln(os.Stderr, "xenevtchndemo:", err)
		os.Exit(1)
	}
}

func run(privcmdPath string, virq int) error {
	hv, err := hvcall.Open(privcmdPath)
	if err != nil {
		return fmt.Errorf("open hypercall device: %w", err)
	}
	defer hv.Close()

	core := irqcore.NewDescTable()

	m, err := xenevtchn.New(xenevtchn.DefaultConfig(), hv, core)
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}
	if err := m.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	irq, err := m.BindVirqToIrqhandler(virq, 0, handleVirq, 0, "xenevtchndemo-virq", nil)
	if err != nil {
		return fmt.Errorf("bind virq %d: %w", virq, err)
	}
	defer m.UnbindFromIrqhandler(context.Background(), irq, nil)

	fmt.Printf("bound virq %d to irq %d on cpu 0; scanning for upcalls (ctrl-C to stop)\n", virq, irq)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.RunAsCPU(0, func() {
		for ctx.Err() == nil {
			m.DoUpcall(ctx, 0)
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	return nil
}

func handleVirq(ctx context.Context, irq int, data any) {
	fmt.Printf("virq fired on irq %d\n", irq)
}
