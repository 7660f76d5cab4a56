package iokernel

// pulledDesc is a validated, translated egress descriptor: the header
// block it names has already been resolved to a host-addressable slice
// inside its process's shared-memory region (spec §4.1, "Descriptor
// decoding").
type pulledDesc struct {
	proc        *Process
	thread      *Thread
	headerBlock []byte
}

// Poller round-robins registered threads, bulk-dequeuing egress
// descriptors up to a burst cap (spec §4.1, "Egress Poller").
//
// Poller is not safe for concurrent use; it is driven exclusively by the
// single pinned transmit thread (spec §5).
type Poller struct {
	threads []*Thread
	index   map[*Thread]int // thread -> position in threads, for O(1) release
	pos     uint32

	// Stats, when non-nil, receives a RuntimesKilled increment whenever the
	// poller kills a process for a protocol violation. Kernel wires this to
	// its own Stats after construction.
	Stats *Stats
}

// NewPoller creates an empty poll set.
func NewPoller() *Poller {
	return &Poller{index: make(map[*Thread]int)}
}

// Register adds t to the poll set if it is not already present.
func (pl *Poller) Register(t *Thread) {
	if _, ok := pl.index[t]; ok {
		return
	}
	pl.index[t] = len(pl.threads)
	pl.threads = append(pl.threads, t)
}

// release removes t from the poll set (spec §4.1: "A thread observed as
// inactive during polling must be released ... so it is not re-polled
// until re-activated").
func (pl *Poller) release(t *Thread) {
	i, ok := pl.index[t]
	if !ok {
		return
	}
	last := len(pl.threads) - 1
	pl.threads[i] = pl.threads[last]
	pl.index[pl.threads[i]] = i
	pl.threads = pl.threads[:last]
	delete(pl.index, t)
	if int(pl.pos) > last {
		pl.pos = 0
	}
}

// PollOnce attempts to collect up to burst descriptors across all
// registered threads, appending decoded results to out[:0] and returning
// the new slice along with whether any work was performed (spec §4.1,
// "poll_once() -> bool").
//
// Fairness: the rotating cursor advances by one only when the burst was
// not filled, so a single saturating runtime cannot monopolize future
// bursts (spec's Open Question resolves to the saturating-aware variant).
func (pl *Poller) PollOnce(burst uint32, out []pulledDesc) []pulledDesc {
	nrts := len(pl.threads)
	if nrts == 0 {
		return out
	}

	var raw [1]DescRecord
	filled := false

	for i := 0; i < nrts; i++ {
		idx := (int(pl.pos) + i) % nrts
		t := pl.threads[idx]

		for uint32(len(out)) < burst {
			n := t.egress.Dequeue(raw[:])
			if n == 0 {
				if !t.Active() {
					pl.release(t)
					// nrts shrank; idx beyond the new length is fine,
					// the outer loop bound was captured before release.
				}
				break
			}

			rec := raw[0]
			desc, err := decodeAndTranslate(t, rec)
			if err != nil {
				// Fatal runtime protocol violation: kill this process and
				// stop pulling from its threads, but keep whatever this
				// burst already collected from other runtimes.
				if !t.proc.Killed() {
					t.proc.Kill()
					if pl.Stats != nil {
						pl.Stats.RuntimesKilled.Add(1)
					}
				}
				break
			}
			out = append(out, desc)
		}

		if uint32(len(out)) >= burst {
			filled = true
			break
		}
	}

	if !filled {
		pl.pos++
	}

	return out
}

// decodeAndTranslate validates a raw command record's tag and resolves its
// shared-memory offset to a header-block slice (spec §4.1).
func decodeAndTranslate(t *Thread, rec DescRecord) (pulledDesc, error) {
	if rec.Tag != transmitTag {
		return pulledDesc{}, ErrBadTag
	}
	// The header block's size isn't known until its length field is read,
	// so first resolve just the fixed prefix, then re-resolve the full
	// block once Len is known (segment.go does the second step).
	prefix, err := t.proc.translate(rec.Offset, headerBlockPrefixLen)
	if err != nil {
		return pulledDesc{}, err
	}
	fields := readHeaderBlockFields(prefix)
	block, err := t.proc.translate(rec.Offset, headerBlockPrefixLen+int(fields.Len))
	if err != nil {
		return pulledDesc{}, err
	}
	return pulledDesc{proc: t.proc, thread: t, headerBlock: block}, nil
}
