// Package ifacestat reads NIC-level counters via ethtool and compares them
// against the I/O kernel's own transmit stats, to catch loss that happens
// downstream of the driver handoff — on the wire or in the NIC itself —
// that Kernel.Stats alone can never see.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// IfaceStats holds one interface's counter values.
type IfaceStats map[Counter]uint64

// Stats holds counter values for any number of interfaces, keyed by name.
type Stats map[string]IfaceStats

// Snapshot shells out to ethtool -S for each of ifaces and returns the
// requested counters.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes the per-counter delta s(now) - old, interface by
// interface.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	out, err := exec.Command("ethtool", "-S", name).Output()
	if err != nil {
		return nil, err
	}

	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	found := make(IfaceStats, len(counters))

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSuffix(parts[0], ":")
		ctr, ok := want[key]
		if !ok {
			continue
		}

		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		found[ctr] = v
	}

	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}

	return found, nil
}

// DriverGap reports, for one interface and one measurement tick, how far
// the NIC's own tx_packets_phy delta diverged from the I/O kernel's
// Stats.Transmitted delta over the same tick. A nonzero Gap means the
// driver handoff and the wire disagree: positive means the NIC counted
// more packets than the kernel thinks it handed the driver (a counter
// double-count or a stale baseline); negative means packets the kernel
// counted as transmitted never made it onto the wire.
type DriverGap struct {
	Iface    string
	KernelTx uint64
	NICTx    uint64
	Gap      int64
}

// CompareTransmitted pairs a tick's interface-counter delta against the
// kernel's own transmitted-descriptor delta for the same tick, one
// DriverGap per interface in ifaceDelta, sorted by interface name. kernelTx
// is Kernel.Stats.Transmitted's delta over the same interval ifaceDelta
// covers — callers get ifaceDelta from Stats.Since.
func CompareTransmitted(ifaceDelta Stats, kernelTx uint64) []DriverGap {
	out := make([]DriverGap, 0, len(ifaceDelta))
	for iface, st := range ifaceDelta {
		nic := st[TxPackets]
		out = append(out, DriverGap{
			Iface:    iface,
			KernelTx: kernelTx,
			NICTx:    nic,
			Gap:      int64(nic) - int64(kernelTx),
		})
	}
	slices.SortFunc(out, func(a, b DriverGap) int { return strings.Compare(a.Iface, b.Iface) })
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", iface)
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
	}

	return nil
}
