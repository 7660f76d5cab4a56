//go:build linux

// Command iokerneld is the transmit-path daemon: it runs the single pinned
// burst loop (spec §5) against a pluggable driver, serving any number of
// runtime processes whose shared-memory regions are named in its config
// file. Structured the way the teacher's cmd/route/main.go lays out a
// YAML-driven benchmark binary: flags override a config file, the
// resolved config is echoed to stderr, and a ticking stats printer runs
// alongside the workload.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/iokernel-go/txkernel/afxdp"
	"github.com/iokernel-go/txkernel/afxdpdriver"
	"github.com/iokernel-go/txkernel/ifacestat"
	"github.com/iokernel-go/txkernel/internal/affinity"
	"github.com/iokernel-go/txkernel/internal/ratelog"
	"github.com/iokernel-go/txkernel/internal/shmlayout"
	"github.com/iokernel-go/txkernel/internal/shmregion"
	"github.com/iokernel-go/txkernel/iokernel"
	"github.com/iokernel-go/txkernel/iokerneldrv"
)

// Config is the daemon's YAML configuration. Driver.Mode selects between a
// real AF_XDP NIC and the in-process loopback driver used for tests and
// demos without hardware.
type Config struct {
	Driver struct {
		Mode      string `yaml:"mode"` // "loopback" or "afxdp"
		Interface string `yaml:"interface"`
		Queue     uint   `yaml:"queue"`
		Zerocopy  bool   `yaml:"zerocopy"`
		PoolSize  int    `yaml:"pool-size"`
		FrameSize uint32 `yaml:"frame-size"`
	} `yaml:"driver"`

	Processes []ProcessConfig `yaml:"processes"`

	MTU        uint32 `yaml:"mtu"`
	Burst      uint32 `yaml:"burst"`
	DrainBatch int    `yaml:"drain-batch"`
	ReapBatch  int    `yaml:"reap-batch"`
	CPU        int    `yaml:"cpu"`
}

// ProcessConfig names one runtime's shared-memory region and ring shape.
type ProcessConfig struct {
	ShmPath     string `yaml:"shm-path"`
	RegionSize  uint64 `yaml:"region-size"`
	Threads     int    `yaml:"threads"`
	RingSlots   uint32 `yaml:"ring-slots"`
	OverflowCap int    `yaml:"overflow-capacity"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "iokerneld.yaml", "path to config YAML file")
	fCPU := flag.Int("cpu", -1, "overwrite CPU to pin the burst loop to")
	fMode := flag.String("mode", "", "overwrite driver.mode (loopback|afxdp)")
	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if *fCPU >= 0 {
		conf.CPU = *fCPU
	}
	if *fMode != "" {
		conf.Driver.Mode = *fMode
	}

	if conf.Driver.Mode == "" {
		conf.Driver.Mode = "loopback"
	}
	if conf.Driver.Mode == "afxdp" && conf.Driver.Interface == "" {
		return nil, errors.New("driver.interface must be set when driver.mode is afxdp")
	}
	if len(conf.Processes) == 0 {
		return nil, errors.New("at least one process must be configured")
	}
	for i := range conf.Processes {
		p := &conf.Processes[i]
		if p.ShmPath == "" {
			return nil, fmt.Errorf("processes[%d].shm-path must be set", i)
		}
		if p.Threads <= 0 {
			p.Threads = 1
		}
		if p.RingSlots == 0 {
			p.RingSlots = 1024
		}
		if p.RegionSize == 0 {
			p.RegionSize = 64 * 1024 * 1024
		}
	}
	if conf.Driver.PoolSize == 0 {
		conf.Driver.PoolSize = 4096
	}
	if conf.Burst == 0 {
		conf.Burst = iokernel.DefaultBurst
	}
	if conf.ReapBatch == 0 {
		conf.ReapBatch = 128
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// identityPageTable builds a synthetic 2 MiB huge-page frame table for a
// region that is ordinary mmap'd memory rather than real hugetlbfs pages —
// acceptable here because neither shipped Driver dereferences
// Buffer.PhysAddr; they transmit by copying Buffer.Frame (spec §6's
// physical-address path exists for a real DMA-capable NIC driver, which is
// out of this repository's scope per spec's Non-goals on "NIC driver
// internals").
func identityPageTable(regionLen int) []uint64 {
	pages := (regionLen + (1 << iokernel.PageShift2MB) - 1) >> iokernel.PageShift2MB
	table := make([]uint64, pages)
	for i := range table {
		table[i] = uint64(i) << iokernel.PageShift2MB
	}
	return table
}

// openProcess maps pc's shared-memory region, lays out its rings per
// shmlayout, and registers it with k.
func openProcess(k *iokernel.Kernel, pc ProcessConfig) (*shmregion.Region, error) {
	layout := shmlayout.New(pc.Threads, pc.RingSlots, pc.RegionSize)
	size := layout.RegionSize()

	region, err := shmregion.Create(pc.ShmPath, size)
	if err != nil {
		return nil, err
	}

	mem := region.Bytes()
	id := xxhash.Sum64String(pc.ShmPath)
	proc := iokernel.NewProcess(id, mem, identityPageTable(len(mem)), pc.OverflowCap)

	threads := make([]*iokernel.Thread, pc.Threads)
	for i := 0; i < pc.Threads; i++ {
		egOff := layout.EgressRingOffset(i)
		inOff := layout.IngressRingOffset(i)
		ringBytes := shmlayout.RingBytes(pc.RingSlots)

		egress := iokernel.NewEgressRing(mem[egOff:egOff+ringBytes], pc.RingSlots)
		ingress := iokernel.NewIngressRing(mem[inOff:inOff+ringBytes], pc.RingSlots)
		threads[i] = proc.AddThread(egress, ingress)
	}

	k.RegisterProcess(proc, threads...)
	return region, nil
}

func buildDriver(conf *Config) (iokernel.Driver, func(), error) {
	switch conf.Driver.Mode {
	case "loopback":
		drv := iokerneldrv.New(conf.Driver.PoolSize, conf.Driver.FrameSize)
		return drv, func() {}, nil

	case "afxdp":
		iface, err := afxdp.MakeInterface(conf.Driver.Interface, afxdp.InterfaceConfig{
			PreferZerocopy: conf.Driver.Zerocopy,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("attaching to %s: %w", conf.Driver.Interface, err)
		}
		sock, err := iface.Open(afxdp.SocketConfig{
			QueueID:   uint32(conf.Driver.Queue),
			NumFrames: uint32(conf.Driver.PoolSize),
			FrameSize: conf.Driver.FrameSize,
		})
		if err != nil {
			iface.Close()
			return nil, nil, fmt.Errorf("opening socket on %s:%d: %w", conf.Driver.Interface, conf.Driver.Queue, err)
		}
		drv := afxdpdriver.New(sock, uint32(conf.ReapBatch))
		cleanup := func() {
			sock.Close()
			iface.Close()
		}
		return drv, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver.mode %q", conf.Driver.Mode)
	}
}

// runLoop is the outer loop spec §5 describes: reap whatever the driver has
// released this tick, run a burst, and fall back to draining the
// completion overflow only when the burst found no work to do.
func runLoop(ctx context.Context, k *iokernel.Kernel, reapBatch int, warn *ratelog.Logger) {
	for ctx.Err() == nil {
		k.ReapCompletions(reapBatch)
		if !k.Burst1() {
			k.DrainCompletions()
		}
		if dropped := k.Stats.CompletionsDropped.Load(); dropped > 0 {
			warn.Warnf("completions dropped so far: %d", dropped)
		}
	}
}

// printStats ticks once a second printing kernel counters, plus — when iface
// is non-empty (driver.mode is afxdp) — the NIC's own ethtool counters via
// ifacestat, the way the teacher's cmd/route compared its own packet counts
// against the NIC's to catch drops the kernel side never sees.
func printStats(ctx context.Context, stats *iokernel.Stats, iface string) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	p := message.NewPrinter(language.English)
	var lastTx uint64
	var lastIface ifacestat.Stats
	if iface != "" {
		lastIface, _ = ifacestat.Snapshot([]string{iface}, ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.RxPackets, ifacestat.RxBytes)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tx := stats.Transmitted.Load()
			p.Printf(
				"pulled=%d tx=%d (+%s/s) backpressure=%d mempool-exhausted=%d "+
					"completions sent=%d overflow=%d dropped=%d drained=%d killed=%d\n",
				stats.Pulled.Load(), tx, humanize.Comma(int64(tx-lastTx)),
				stats.Backpressure.Load(), stats.MempoolExhausted.Load(),
				stats.CompletionsSent.Load(), stats.CompletionsOverflow.Load(),
				stats.CompletionsDropped.Load(), stats.CompletionsDrained.Load(),
				stats.RuntimesKilled.Load(),
			)
			lastTx = tx

			if iface == "" {
				continue
			}
			now, err := ifacestat.Snapshot([]string{iface}, ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.RxPackets, ifacestat.RxBytes)
			if err != nil {
				continue
			}
			ifaceDelta := now.Since(lastIface)
			ifacestat.Print(os.Stderr, ifaceDelta, nil)
			for _, gap := range ifacestat.CompareTransmitted(ifaceDelta, tx-lastTx) {
				if gap.Gap != 0 {
					p.Printf("%s: kernel/NIC tx mismatch this tick: kernel=%d nic=%d gap=%d\n",
						gap.Iface, gap.KernelTx, gap.NICTx, gap.Gap)
				}
			}
			lastIface = now
		}
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	drv, cleanupDriver, err := buildDriver(conf)
	fatalIf(err, "initializing driver")
	defer cleanupDriver()

	poller := iokernel.NewPoller()
	seg := iokernel.NewSegmenter(conf.MTU)
	router := iokernel.NewCompletionRouter(conf.DrainBatch)
	k := iokernel.NewKernel(poller, seg, router, drv, conf.Burst)

	var regions []*shmregion.Region
	defer func() {
		for _, r := range regions {
			r.Close()
		}
	}()
	for _, pc := range conf.Processes {
		region, err := openProcess(k, pc)
		fatalIf(err, "opening process shared-memory region %q", pc.ShmPath)
		regions = append(regions, region)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.CPU >= 0 {
		fatalIf(affinity.PinCurrentThread(conf.CPU), "pinning burst loop to cpu %d", conf.CPU)
	}

	go printStats(ctx, &k.Stats, conf.Driver.Interface)
	warn := ratelog.New(os.Stderr, time.Second)
	runLoop(ctx, k, conf.ReapBatch, warn)
}
