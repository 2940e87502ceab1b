// Command gpu runs the TriBoy GPU (slave) node: it receives commands from
// the CPU link, acknowledges them through gpu.NewStubTable, and drives the
// VSYNC retrace loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"triboy/gpu"
	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/linkbus"
	"triboy/internal/linkbus/spibus"
	"triboy/internal/linkbus/uartbus"
	"triboy/internal/slave"
)

var (
	device      string
	useUART     bool
	baud        int
	retraceRate time.Duration
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "gpu",
		Short: "Run the TriBoy GPU (slave) node",
		RunE:  run,
	}
	root.Flags().StringVar(&device, "bus", "SPI0.0", "link bus/device name")
	root.Flags().BoolVar(&useUART, "uart", false, "use the UART fallback link instead of SPI")
	root.Flags().IntVar(&baud, "baud", 1000000, "UART baud rate, ignored in SPI mode")
	root.Flags().DurationVar(&retraceRate, "retrace-rate", 16667*time.Microsecond, "simulated display retrace period")
	root.Flags().BoolVar(&verbose, "verbose", false, "debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	bus, closeBus, err := openLink(entry)
	if err != nil {
		return fmt.Errorf("gpu: %w", err)
	}
	defer closeBus()

	clock := clocksync.NewSlaveClock(nil)
	node := slave.NewNode("gpu", bus, catalog.GPU, clock, resetGPU, entry)
	gpu.NewStubTable(node)
	node.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		entry.Info("gpu: shutdown signal received")
		cancel()
	}()

	go runReceiveLoop(ctx, node, entry)
	go node.RunDeferred(ctx)

	ticker := time.NewTicker(retraceRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := node.Retrace(ctx); err != nil {
				entry.WithError(err).Warn("gpu: retrace failed")
			}
		}
	}
}

// runReceiveLoop is the slave's context A: RunOnce blocks until one
// command arrives and responds to it, repeated for the process lifetime.
func runReceiveLoop(ctx context.Context, node *slave.Node, log *logrus.Entry) {
	for {
		if err := node.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("gpu: receive loop error")
		}
	}
}

// resetGPU reinitializes GPU subsystem state on a reset command. The
// protocol core only needs this hook invoked; real display state
// reinitialization is outside this module's scope.
func resetGPU(ctx context.Context) error {
	return nil
}

func openLink(log *logrus.Entry) (linkbus.SlaveBus, func(), error) {
	if useUART {
		bus, err := uartbus.NewSlave(uartbus.Config{Device: device, Baud: baud})
		if err != nil {
			return nil, nil, fmt.Errorf("open uart: %w", err)
		}
		return bus, func() { bus.Close() }, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(device)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi: %w", err)
	}
	bus, err := spibus.NewSlave(port, spibus.SlavePins{
		DataReady: gpioreg.ByName("GPIO17"),
		VSync:     gpioreg.ByName("GPIO24"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire slave: %w", err)
	}
	return bus, func() { bus.Close() }, nil
}
