//go:build linux

// Command loadgen plays the runtime side of the transmit path: it writes
// UDP descriptors into a thread's egress ring and drains its ingress ring
// for completions, against the same shared-memory region an iokerneld
// instance (or a test) has mapped. It replaces the teacher's cmd/send and
// cmd/recv — which drove packets directly over an AF_XDP socket — with the
// shared-memory-ring equivalent this repository's transmit path actually
// consumes; the NIC is on the other side of iokerneld, not of loadgen.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iokernel-go/txkernel/internal/shmlayout"
	"github.com/iokernel-go/txkernel/internal/shmregion"
	"github.com/iokernel-go/txkernel/iokernel"
	"github.com/iokernel-go/txkernel/ratelimit"
)

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
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

// writeUDPFrame writes a complete Ethernet+IPv4+UDP frame of pktSize bytes
// into buf, returning the frame length. Grounded on cmd/send's
// buildUDPPacket, adjusted to write the L4 payload's first 4 bytes as a
// sequence number for the same ordering check cmd/route's test receiver
// performed.
func writeUDPFrame(buf []byte, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq uint32, pktSize uint32) uint32 {
	const ethLen, ipLen, udpLen = 14, 20, 8
	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint32(udp[8:], seq)

	return pktSize
}

// writeHeaderBlock lays out one egress slot — the 16-byte
// completion-data/offload-flags/len prefix followed by the frame itself —
// at offset within region, and returns the prefix's offset (what the
// egress descriptor names).
func writeHeaderBlock(region []byte, offset uint64, completionData uint64, offloadFlags uint32, frameLen uint32, frame []byte) {
	binary.LittleEndian.PutUint64(region[offset:], completionData)
	binary.LittleEndian.PutUint32(region[offset+8:], offloadFlags)
	binary.LittleEndian.PutUint32(region[offset+12:], frameLen)
	copy(region[offset+16:offset+16+uint64(frameLen)], frame)
}

func main() {
	fShmPath := flag.String("shm", "", "path to the shared-memory region file (must already exist, created by iokerneld)")
	fRegionSize := flag.Uint64("region-size", 64*1024*1024, "region size in bytes, matching iokerneld's config")
	fThreads := flag.Int("threads", 1, "thread count, matching iokerneld's config")
	fThread := flag.Int("thread", 0, "which thread slot this instance drives")
	fRingSlots := flag.Uint("ring-slots", 1024, "ring slot count, matching iokerneld's config")
	fDestMAC := flag.String("d", "", "destination MAC")
	fSrcIP := flag.String("s", "", "source IP")
	fDstIP := flag.String("D", "", "destination IP")
	fPort := flag.Uint("p", 12345, "destination UDP port")
	fCount := flag.Uint64("n", 0, "descriptors to enqueue")
	fPktSize := flag.Uint("l", 1400, "packet size")
	fPPS := flag.Uint64("pps", 0, "cap enqueue rate to this many descriptors/s; 0 disables throttling")
	flag.Parse()

	if *fShmPath == "" {
		fmt.Fprintln(os.Stderr, "missing -shm path")
		os.Exit(1)
	}

	srcMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC, err := net.ParseMAC(*fDestMAC)
	must(err)
	srcIP := net.ParseIP(*fSrcIP).To4()
	dstIP := net.ParseIP(*fDstIP).To4()

	region, err := shmregion.Open(*fShmPath, *fRegionSize)
	must(err)
	defer region.Close()

	mem := region.Bytes()
	layout := shmlayout.New(*fThreads, uint32(*fRingSlots), *fRegionSize)

	ringBytes := shmlayout.RingBytes(uint32(*fRingSlots))
	egOff := layout.EgressRingOffset(*fThread)
	inOff := layout.IngressRingOffset(*fThread)
	arenaOff, arenaSize := layout.ThreadArena(*fThread)

	egress := iokernel.NewEgressRing(mem[egOff:egOff+ringBytes], uint32(*fRingSlots))
	ingress := iokernel.NewIngressRing(mem[inOff:inOff+ringBytes], uint32(*fRingSlots))

	const slotSize = 2048 // headerBlockPrefixLen(16) + up to one MTU frame, rounded up
	slots := arenaSize / slotSize
	if slots == 0 {
		fmt.Fprintln(os.Stderr, "thread arena too small for even one frame slot")
		os.Exit(1)
	}

	var (
		sent      atomic.Uint64
		completed atomic.Uint64
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for completed.Load() < *fCount {
			if _, ok := ingress.Dequeue(); ok {
				completed.Add(1)
				continue
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	throttle := ratelimit.New(*fPPS)

	start := time.Now()
	var seq uint32
	for n := uint64(0); n < *fCount; n++ {
		slot := n % slots
		offset := arenaOff + slot*slotSize

		var frame [1500]byte
		plen := writeUDPFrame(frame[:], srcMAC, dstMAC, srcIP, dstIP, 40000, uint16(*fPort), seq, uint32(*fPktSize))
		writeHeaderBlock(mem, offset, n+1, 0, plen, frame[:plen])

		for !egress.Enqueue(iokernel.NewTransmitRecord(offset)) {
			time.Sleep(10 * time.Microsecond)
		}
		sent.Add(1)
		seq++
		throttle.ThrottleN(1)
	}

	<-done
	elapsed := time.Since(start)
	rate := throttle.Achieved()
	if rate == 0 {
		rate = float64(sent.Load()) / elapsed.Seconds()
	}
	fmt.Fprintf(os.Stderr, "loadgen thread %d: sent=%s completed=%s duration=%s rate=%s pps\n",
		*fThread, humanize.Comma(int64(sent.Load())), humanize.Comma(int64(completed.Load())),
		elapsed, humanize.Comma(int64(rate)))
}
