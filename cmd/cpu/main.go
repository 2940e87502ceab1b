// Command cpu runs the TriBoy master (CPU) node: it owns the outbound
// command queues to the GPU and APU links, services their responses, and
// drives clock sync.
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

	"triboy/apu"
	"triboy/gpu"
	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/events"
	"triboy/internal/faults"
	"triboy/internal/frame"
	"triboy/internal/linkbus"
	"triboy/internal/linkbus/spibus"
	"triboy/internal/linkbus/uartbus"
	"triboy/internal/master"
	"triboy/internal/queue"
)

var (
	gpuDevice    string
	apuDevice    string
	useUART      bool
	baud         int
	syncInterval time.Duration
	queueCap     int
	inBandVSync  bool
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:   "cpu",
		Short: "Run the TriBoy CPU (master) node",
		RunE:  run,
	}
	root.Flags().StringVar(&gpuDevice, "gpu-bus", "SPI0.0", "GPU link bus/device name")
	root.Flags().StringVar(&apuDevice, "apu-bus", "SPI0.1", "APU link bus/device name")
	root.Flags().BoolVar(&useUART, "uart", false, "use UART fallback links instead of SPI")
	root.Flags().IntVar(&baud, "baud", 1000000, "UART baud rate, ignored in SPI mode")
	root.Flags().DurationVar(&syncInterval, "sync-interval", clocksync.Interval, "clock-sync beacon period")
	root.Flags().IntVar(&queueCap, "queue-capacity", queue.DefaultCapacity, "per-link command queue capacity")
	root.Flags().BoolVar(&inBandVSync, "in-band-vsync", false, "also enable the in-band 0xFB VSYNC path")
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

	gpuBus, apuBus, closeBuses, err := openLinks(entry)
	if err != nil {
		return fmt.Errorf("cpu: %w", err)
	}
	defer closeBuses()

	clock := clocksync.NewMasterClock(nil)
	faultMgr := faults.NewManager(entry, nil)
	evSurface := events.NewSurface(16*time.Millisecond, nil)
	evSurface.EnableInBand(inBandVSync)

	gpuLink := &master.Link{
		ID:            "gpu",
		Bus:           gpuBus,
		Q:             queue.New(queueCap, nil),
		CarriesVSync:  true,
		CleanupOpcode: 0xD2, // catalog.GPU OPTIMIZE_MEMORY
	}
	apuLink := &master.Link{
		ID:            "apu",
		Bus:           apuBus,
		Q:             queue.New(queueCap, nil),
		CarriesVSync:  false,
		CleanupOpcode: 0xD6, // catalog.APU MEM_DEFRAGMENT
	}

	node := master.NewNode(master.Config{
		Links:        []*master.Link{gpuLink, apuLink},
		Faults:       faultMgr,
		Events:       evSurface,
		Clock:        clock,
		SyncInterval: syncInterval,
		Log:          entry,
	})
	node.Boot()
	if inBandVSync {
		// Ask the GPU to emit the in-band 0xFB packet on each retrace.
		if _, err := node.Enqueue("gpu", gpu.VBlankCallbackCommand, []byte{1}, true); err != nil {
			entry.WithError(err).Warn("cpu: failed to enqueue in-band VSYNC enable")
		}
	}

	entry.WithFields(logrus.Fields{
		"gpu_reset": catalog.GPU.Name(gpu.ResetCommand),
		"apu_reset": catalog.APU.Name(apu.ResetCommand),
	}).Info("cpu: command tables ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		entry.Info("cpu: shutdown signal received")
		cancel()
	}()

	// CPU-local commands (catalog.CPU) never cross a link; they drive the
	// master process itself. Wired to signals so an operator can poke a
	// running node: SIGUSR1 -> PING, SIGHUP -> SYNC.
	local := make(chan os.Signal, 1)
	signal.Notify(local, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-local:
				switch s {
				case syscall.SIGUSR1:
					runLocal(node, entry, localPing)
				case syscall.SIGHUP:
					runLocal(node, entry, localSync)
				}
			}
		}
	}()

	// Application context (context A): observe frame advances while the
	// service loop below owns the links.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-evSurface.Advances():
				entry.WithField("frame", node.FrameCounter()).Debug("cpu: frame advance")
			}
		}
	}()

	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("cpu: service loop: %w", err)
	}
	return nil
}

// CPU-local opcodes this process handles itself (catalog.CPU).
const (
	localPing = 0xE1 // catalog.CPU PING
	localSync = 0xE4 // catalog.CPU SYNC
)

// runLocal dispatches one CPU-local command by opcode, resolving its name
// through catalog.CPU for logging.
func runLocal(node *master.Node, log *logrus.Entry, opcode uint8) {
	name := catalog.CPU.Name(opcode)
	switch opcode {
	case localPing:
		for _, dest := range []string{"gpu", "apu"} {
			if _, err := node.Enqueue(dest, frame.OpNOP, nil, true); err != nil {
				log.WithError(err).WithField("dest", dest).Warn("cpu: ping enqueue failed")
			}
		}
		log.WithField("command", name).Info("cpu: health ping enqueued to both slaves")
	case localSync:
		node.ForceSync()
		log.WithField("command", name).Info("cpu: immediate clock-sync forced")
	default:
		log.WithFields(logrus.Fields{"opcode": opcode, "command": name}).Warn("cpu: unhandled local command")
	}
}

// openLinks opens the GPU and APU link buses as either real SPI or UART
// fallback transports, per the --uart flag.
func openLinks(log *logrus.Entry) (linkbus.MasterBus, linkbus.MasterBus, func(), error) {
	if useUART {
		gpuCfg := uartbus.Config{Device: gpuDevice, Baud: baud}
		apuCfg := uartbus.Config{Device: apuDevice, Baud: baud}
		gpuBus, err := uartbus.NewMaster(gpuCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open gpu uart: %w", err)
		}
		apuBus, err := uartbus.NewMaster(apuCfg)
		if err != nil {
			gpuBus.Close()
			return nil, nil, nil, fmt.Errorf("open apu uart: %w", err)
		}
		return gpuBus, apuBus, func() { gpuBus.Close(); apuBus.Close() }, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("periph host init: %w", err)
	}

	gpuPort, err := spireg.Open(gpuDevice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open gpu spi: %w", err)
	}
	gpuBus, err := spibus.NewMaster(gpuPort, spibus.MasterPins{
		DataReady: gpioreg.ByName("GPIO17"),
		Reset:     gpioreg.ByName("GPIO27"),
		VSync:     gpioreg.ByName("GPIO24"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wire gpu master: %w", err)
	}

	apuPort, err := spireg.Open(apuDevice)
	if err != nil {
		gpuBus.Close()
		return nil, nil, nil, fmt.Errorf("open apu spi: %w", err)
	}
	apuBus, err := spibus.NewMaster(apuPort, spibus.MasterPins{
		DataReady: gpioreg.ByName("GPIO22"),
		Reset:     gpioreg.ByName("GPIO23"),
	})
	if err != nil {
		gpuBus.Close()
		return nil, nil, nil, fmt.Errorf("wire apu master: %w", err)
	}

	return gpuBus, apuBus, func() { gpuBus.Close(); apuBus.Close() }, nil
}
