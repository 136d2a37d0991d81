// Command hpetsim boots the HPET driver against an emulated Loongson-3
// platform hub, or against the real block through a physical memory device,
// and reports how the timer behaved.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/hpetclock/internal/clock"
	"github.com/tinyrange/hpetclock/internal/hpet"
	"github.com/tinyrange/hpetclock/internal/machine"
	"github.com/tinyrange/hpetclock/internal/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hpetsim: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config   string
	board    string
	cpus     int
	mode     string
	events   int
	interval time.Duration
	latency  uint64
	devmem   string
	trace    string
}

func run() error {
	var opts options
	flag.StringVar(&opts.config, "config", "", "Firmware descriptor (YAML)")
	flag.StringVar(&opts.board, "board", "LEMOTE-LS3A-RS780E", "Board name used when -config is not given")
	flag.IntVar(&opts.cpus, "cpus", 0, "Number of CPUs (default: from the descriptor)")
	flag.StringVar(&opts.mode, "mode", "periodic", "Event mode: periodic or oneshot")
	flag.IntVar(&opts.events, "events", 1000, "Number of timer interrupts to run for")
	flag.DurationVar(&opts.interval, "interval", time.Millisecond, "Oneshot programming interval")
	flag.Uint64Var(&opts.latency, "latency", 0, "Counter ticks consumed by each emulated counter read")
	flag.StringVar(&opts.devmem, "devmem", "", "Probe real hardware through this physical memory device (e.g. /dev/mem)")
	flag.StringVar(&opts.trace, "trace", "", "Write a per-interrupt trace to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sys, err := loadSystem(opts)
	if err != nil {
		return err
	}
	logger.Info("platform discovered",
		"board", sys.Board,
		"variant", sys.Variant.Kind,
		"cpu", sys.CPUName,
		"cpus", sys.NrCPUs,
		"hz", sys.HZ)

	if opts.devmem != "" {
		return probe(opts.devmem, sys, logger)
	}
	return simulate(opts, sys, logger)
}

func loadSystem(opts options) (*platform.System, error) {
	var desc *platform.Descriptor
	if opts.config != "" {
		d, err := platform.Load(opts.config)
		if err != nil {
			return nil, err
		}
		desc = d
	} else {
		desc = &platform.Descriptor{
			Board: opts.board,
			CPU:   platform.CPUInfo{Type: "3A", NrCPUs: 4},
		}
	}
	if opts.cpus > 0 {
		desc.CPU.NrCPUs = opts.cpus
	}
	sys, err := platform.Discover(desc)
	if err != nil {
		return nil, fmt.Errorf("discover platform: %w", err)
	}
	return sys, nil
}

func simulate(opts options, sys *platform.System, logger *slog.Logger) error {
	var state clock.State
	switch opts.mode {
	case "periodic":
		state = clock.StatePeriodic
	case "oneshot":
		state = clock.StateOneshot
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
	if opts.events <= 0 {
		return errors.New("-events must be positive")
	}

	m, err := machine.New(machine.Config{
		Variant:     sys.Variant,
		SMBusBase:   sys.SMBusConfigBase(),
		CPUs:        sys.NrCPUs,
		ReadLatency: opts.latency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	drv, err := hpet.Init(hpet.Config{
		Variant:  sys.Variant,
		HZ:       sys.HZ,
		CPUs:     sys.NrCPUs,
		Logger:   logger,
		Sideband: m.SidebandWindow(),
	}, m.HPETWindow)
	if err != nil {
		return err
	}

	sources := clock.NewSources(logger)
	if _, err := drv.InitClockSource(sources); err != nil {
		return err
	}

	// The boot CPU's channel carries the tick.
	cpu := sys.BootCPU
	events := clock.NewEvents(sys.NrCPUs, logger)
	desc, err := drv.SetupTimer(cpu, events, m.IRQ)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(opts.events), "timer interrupts")
		defer bar.Close()
	}
	fired := 0
	if err := events.SetHandler(cpu, func(*clock.EventDescriptor) {
		fired++
		if bar != nil {
			bar.Add(1)
		}
	}); err != nil {
		return err
	}
	if err := events.SetState(cpu, state); err != nil {
		return err
	}

	tr, err := openTrace(opts.trace)
	if err != nil {
		return err
	}
	defer tr.close()

	step := uint64(hpet.CompareValue(sys.Variant.Frequency, sys.HZ))
	if state == clock.StateOneshot {
		step = desc.NsToTicks(uint64(opts.interval))
	}
	start := time.Now()
	for fired < opts.events {
		if state == clock.StateOneshot {
			retries := desc.Stats().Retries
			if err := events.Program(cpu, opts.interval); err != nil {
				return err
			}
			for range desc.Stats().Retries - retries {
				tr.add(kindRetry, cpu, drv.Counter(), 0)
			}
		}
		before := fired
		// A slow counter read can land past the deadline, so stepping stops
		// as soon as the interrupt arrives.
		for tries := 0; fired == before; tries++ {
			if tries > 4 {
				return fmt.Errorf("no interrupt after %d ticks", step*uint64(tries))
			}
			m.Step(step)
		}
		if err := tr.tick(cpu, drv.Counter(), sources); err != nil {
			return err
		}
	}
	wall := time.Since(start)
	if err := tr.close(); err != nil {
		return err
	}

	ns, err := sources.ReadNs()
	if err != nil {
		return err
	}
	st := desc.Stats()
	lines := m.IRQ.Stats(sys.Variant.IRQ)
	fmt.Printf("variant:     %v\n", sys.Variant.Kind)
	fmt.Printf("mode:        %v\n", state)
	fmt.Printf("interrupts:  %d (irq %d handled %d, spurious %d)\n", st.Fired, sys.Variant.IRQ, lines.Handled, lines.Unhandled)
	fmt.Printf("programmed:  %d (retries %d, min delta %dns)\n", st.Programmed, st.Retries, desc.MinDeltaNs)
	fmt.Printf("clock:       %v emulated in %v\n", time.Duration(ns), wall.Round(time.Millisecond))
	return nil
}

// probe initializes the driver on real hardware and checks that the counter
// advances. Interrupts are not taken from user space.
func probe(path string, sys *platform.System, logger *slog.Logger) error {
	win, closeWin, err := openWindow(path, sys.Variant.Base, 0x400)
	if err != nil {
		return err
	}
	defer closeWin()

	cfg := hpet.Config{Variant: sys.Variant, HZ: sys.HZ, CPUs: sys.NrCPUs, Logger: logger}
	if sys.Variant.NeedsSideband {
		sb, closeSb, err := openWindow(path, physAddr(sys.SMBusConfigBase()), 0x100)
		if err != nil {
			return err
		}
		defer closeSb()
		cfg.Sideband = sb
	}

	drv, err := hpet.Init(cfg, win)
	if err != nil {
		return err
	}
	if !drv.Running() {
		drv.Restart()
	}
	first := drv.Counter()
	time.Sleep(10 * time.Millisecond)
	second := drv.Counter()

	elapsed := second - first
	fmt.Printf("channels:    %d\n", drv.Channels())
	fmt.Printf("counter:     %#x -> %#x over 10ms (%d Hz)\n", first, second, uint64(elapsed)*100)
	if elapsed == 0 {
		return errors.New("counter does not advance")
	}
	return nil
}

// physAddr strips the xkphys segment and cache attribute bits from a
// kernel virtual address.
func physAddr(addr uint64) uint64 {
	return addr & (1<<48 - 1)
}
