//go:build linux

// Command bench runs the whole transmit path — loadgen traffic, the burst
// loop, and completion delivery — inside a single process against the
// in-process reference driver, the way the teacher's cmd/bench wired
// sender, receiver and router together without needing two machines. No
// real shared memory or NIC is involved: the egress/ingress rings are
// plain byte slices and the driver is iokerneldrv, so this binary doubles
// as a throughput regression check that runs anywhere.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/iokernel-go/txkernel/internal/affinity"
	"github.com/iokernel-go/txkernel/internal/shmlayout"
	"github.com/iokernel-go/txkernel/iokernel"
	"github.com/iokernel-go/txkernel/iokerneldrv"
)

type Config struct {
	Threads   int    `yaml:"threads"`
	RingSlots uint32 `yaml:"ring-slots"`
	PoolSize  int    `yaml:"pool-size"`
	MTU       uint32 `yaml:"mtu"`
	Burst     uint32 `yaml:"burst"`
	Count     uint64 `yaml:"count"`
	PktSize   uint32 `yaml:"pkt-size"`
	CPU       int    `yaml:"cpu"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "optional path to config YAML file; flags below override it")
	fThreads := flag.Int("threads", 4, "producer thread count")
	fRingSlots := flag.Uint("ring-slots", 1024, "ring slot count")
	fPoolSize := flag.Int("pool", 4096, "driver pool size")
	fMTU := flag.Uint("mtu", 1500, "link MTU")
	fBurst := flag.Uint("burst", 32, "descriptor burst cap")
	fCount := flag.Uint64("n", 1_000_000, "descriptors per thread")
	fPktSize := flag.Uint("l", 1400, "packet size")
	fCPU := flag.Int("cpu", -1, "pin the burst loop to this CPU")
	flag.Parse()

	conf := Config{
		Threads: *fThreads, RingSlots: uint32(*fRingSlots), PoolSize: *fPoolSize,
		MTU: uint32(*fMTU), Burst: uint32(*fBurst), Count: *fCount,
		PktSize: uint32(*fPktSize), CPU: *fCPU,
	}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func writeUDPFrame(buf []byte, seq uint32, pktSize uint32) uint32 {
	const ethLen, ipLen, udpLen = 14, 20, 8
	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	srcIP := net.IPv4(10, 0, 0, 1).To4()
	dstIP := net.IPv4(10, 0, 0, 2).To4()

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP)
	copy(ip[16:20], dstIP)
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], 40000)
	binary.BigEndian.PutUint16(udp[2:], 12345)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint32(udp[8:], seq)

	return pktSize
}

func writeHeaderBlock(region []byte, offset uint64, completionData uint64, frameLen uint32, frame []byte) {
	binary.LittleEndian.PutUint64(region[offset:], completionData)
	binary.LittleEndian.PutUint32(region[offset+8:], 0)
	binary.LittleEndian.PutUint32(region[offset+12:], frameLen)
	copy(region[offset+16:offset+16+uint64(frameLen)], frame)
}

// runProducer plays the runtime side of one thread: fill its arena slots
// round-robin and enqueue a transmit descriptor for each, counting what
// the ingress ring hands back.
func runProducer(region []byte, th *iokernel.Thread, egress *iokernel.EgressRing, ingress *iokernel.IngressRing, arenaOff, arenaSize uint64, count uint64, pktSize uint32, sent, completed *atomic.Uint64) {
	const slotSize = 2048
	slots := arenaSize / slotSize

	done := make(chan struct{})
	go func() {
		defer close(done)
		for completed.Load() < count {
			if _, ok := ingress.Dequeue(); ok {
				completed.Add(1)
				continue
			}
		}
	}()

	var seq uint32
	for n := uint64(0); n < count; n++ {
		offset := arenaOff + (n%slots)*slotSize
		var frame [1500]byte
		plen := writeUDPFrame(frame[:], seq, pktSize)
		writeHeaderBlock(region, offset, n+1, plen, frame[:plen])

		for !egress.Enqueue(iokernel.NewTransmitRecord(offset)) {
		}
		sent.Add(1)
		seq++
	}
	<-done
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	b, _ := yaml.Marshal(conf)
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n%s\n", b)

	drv := iokerneldrv.New(conf.PoolSize, iokerneldrv.DefaultFrameSize)
	poller := iokernel.NewPoller()
	seg := iokernel.NewSegmenter(conf.MTU)
	router := iokernel.NewCompletionRouter(0)
	k := iokernel.NewKernel(poller, seg, router, drv, conf.Burst)

	// One synthetic process with conf.Threads threads, backed by a plain
	// byte slice standing in for shared memory (no real runtime in this
	// benchmark, so there's nothing to mmap).
	regionSize := uint64(conf.Threads) * 16 * 1024 * 1024
	layout := shmlayout.New(conf.Threads, conf.RingSlots, regionSize)
	region := make([]byte, layout.RegionSize())

	pages := (len(region) + (1 << iokernel.PageShift2MB) - 1) >> iokernel.PageShift2MB
	pageTable := make([]uint64, pages)
	for i := range pageTable {
		pageTable[i] = uint64(i) << iokernel.PageShift2MB
	}
	proc := iokernel.NewProcess(1, region, pageTable, 0)

	type threadCtx struct {
		th              *iokernel.Thread
		egress          *iokernel.EgressRing
		ingress         *iokernel.IngressRing
		arenaOff, arena uint64
	}
	threads := make([]threadCtx, conf.Threads)
	ringBytes := shmlayout.RingBytes(conf.RingSlots)
	for i := 0; i < conf.Threads; i++ {
		egOff, inOff := layout.EgressRingOffset(i), layout.IngressRingOffset(i)
		egress := iokernel.NewEgressRing(region[egOff:egOff+ringBytes], conf.RingSlots)
		ingress := iokernel.NewIngressRing(region[inOff:inOff+ringBytes], conf.RingSlots)
		arenaOff, arenaSize := layout.ThreadArena(i)
		th := proc.AddThread(egress, ingress)
		threads[i] = threadCtx{th: th, egress: egress, ingress: ingress, arenaOff: arenaOff, arena: arenaSize}
	}
	k.RegisterProcess(proc, func() []*iokernel.Thread {
		out := make([]*iokernel.Thread, len(threads))
		for i, t := range threads {
			out[i] = t.th
		}
		return out
	}()...)

	if conf.CPU >= 0 {
		go func() {
			fatalIf(affinity.PinCurrentThread(conf.CPU), "pinning burst loop to cpu %d", conf.CPU)
			runBurstLoop(k)
		}()
	} else {
		go runBurstLoop(k)
	}

	var sent, completed atomic.Uint64
	start := time.Now()

	done := make(chan struct{})
	for i := range threads {
		tc := threads[i]
		go func() {
			runProducer(region, tc.th, tc.egress, tc.ingress, tc.arenaOff, tc.arena, conf.Count, conf.PktSize, &sent, &completed)
			done <- struct{}{}
		}()
	}
	for range threads {
		<-done
	}

	elapsed := time.Since(start)
	printReport(&k.Stats, sent.Load(), completed.Load(), elapsed)
}

// runBurstLoop drives the kernel's outer loop (spec §5) for the lifetime of
// the process; main returns (and the process exits) once every producer's
// completions have all arrived, so this goroutine needs no stop signal of
// its own.
func runBurstLoop(k *iokernel.Kernel) {
	for {
		k.ReapCompletions(256)
		if !k.Burst1() {
			k.DrainCompletions()
		}
	}
}

func printReport(stats *iokernel.Stats, sent, completed uint64, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	pps := float64(sent) / elapsed.Seconds()

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:            %.3f s\n", elapsed.Seconds())
	p.Printf(" Sent:               %d descriptors\n", sent)
	p.Printf(" Completed:          %d\n", completed)
	p.Printf(" Rate:               %.0f descriptors/s\n", pps)
	p.Printf(" Transmitted:        %d segments\n", stats.Transmitted.Load())
	p.Printf(" Backpressure:       %d\n", stats.Backpressure.Load())
	p.Printf(" Mempool exhausted:  %d\n", stats.MempoolExhausted.Load())
	p.Printf(" Completions sent:   %d\n", stats.CompletionsSent.Load())
	p.Printf(" Completions drained:%d\n", stats.CompletionsDrained.Load())
}
