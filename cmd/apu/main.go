// Command apu runs the TriBoy APU (slave) node: it receives commands from
// the CPU link and acknowledges them through apu.NewStubTable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"triboy/apu"
	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/linkbus"
	"triboy/internal/linkbus/spibus"
	"triboy/internal/linkbus/uartbus"
	"triboy/internal/slave"
)

var (
	device  string
	useUART bool
	baud    int
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "apu",
		Short: "Run the TriBoy APU (slave) node",
		RunE:  run,
	}
	root.Flags().StringVar(&device, "bus", "SPI0.1", "link bus/device name")
	root.Flags().BoolVar(&useUART, "uart", false, "use the UART fallback link instead of SPI")
	root.Flags().IntVar(&baud, "baud", 1000000, "UART baud rate, ignored in SPI mode")
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
		return fmt.Errorf("apu: %w", err)
	}
	defer closeBus()

	clock := clocksync.NewSlaveClock(nil)
	node := slave.NewNode("apu", bus, catalog.APU, clock, resetAPU, entry)
	apu.NewStubTable(node)
	node.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		entry.Info("apu: shutdown signal received")
		cancel()
	}()

	go node.RunDeferred(ctx)

	for {
		if err := node.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			entry.WithError(err).Warn("apu: receive loop error")
		}
	}
}

// resetAPU reinitializes APU subsystem state on a reset command. The
// protocol core only needs this hook invoked; real audio-engine state
// reinitialization is outside this module's scope.
func resetAPU(ctx context.Context) error {
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
		DataReady: gpioreg.ByName("GPIO22"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire slave: %w", err)
	}
	return bus, func() { bus.Close() }, nil
}
