package iokernel

import "encoding/binary"

// udpOffsetInFrame is where the UDP header begins within an L2 frame
// (14-byte Ethernet header + 20-byte IPv4 header), matching the original's
// UDP_OFFSET constant.
const udpOffsetInFrame = 14 + 20

// ipTotalLenOffset and udpLenOffset are the byte offsets of the fields
// Segment rewrites per produced fragment (spec §4.2, step 3): IP total
// length sits 2 bytes into the IPv4 header; UDP length sits 4 bytes into
// the UDP header.
const (
	ipTotalLenOffset = 14 + 2
	udpLenOffset     = udpOffsetInFrame + 4

	// ipProtoOffset is the IPv4 protocol field; protoUDP is its value for
	// UDP. Checked before trusting the bytes at udpOffsetInFrame as a UDP
	// header, since offload flags alone don't encode the L4 protocol.
	ipProtoOffset = 14 + 9
	protoUDP      = 17
)

// Segment is one driver-ready fragment produced by the Segmenter: a
// contiguous view into shared memory holding a complete L2/L3/L4 header
// plus payload, at most MTU bytes on the wire (spec §4.2).
type Segment struct {
	Proc            *Process
	Thread          *Thread
	Frame           []byte // the L2 frame (header + payload) for this segment
	Len             uint32 // == len(Frame)
	OffloadFlags    uint32
	CompletionToken uint64 // 0 means "suppress completion"
}

// Segmenter turns validated descriptors into MTU-bounded segments,
// splitting oversized UDP datagrams in place (spec §4.2).
type Segmenter struct {
	MTU uint32
}

// NewSegmenter constructs a Segmenter for the given link MTU.
func NewSegmenter(mtu uint32) *Segmenter {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return &Segmenter{MTU: mtu}
}

// payloadPerSeg is the UDP payload capacity of one MTU-sized segment,
// derived from MTU and H rather than hard-coded (spec §9, Open Questions).
func (s *Segmenter) payloadPerSeg() uint32 { return s.MTU - HeaderLen }

// segmentResult is what Process yields for one pulled descriptor:
//   - a single pass-through segment or several GSO fragments (segs set);
//   - a non-fatal drop (dropped set, origToken populated so the caller
//     still delivers one completion, per spec §4.2's malformed-descriptor
//     edge case);
//   - a fatal runtime protocol violation (fatal set; the caller kills the
//     originating process and delivers no completion, per §4.2's "a single
//     segment whose reconstructed length would not fit its declared header"
//     edge case);
//   - a deferral (deferred set; the descriptor's GSO fan-out would exceed
//     this burst's remaining MaxSegsPerBurst budget, so the caller retries
//     it — and everything pulled after it — on the next burst instead of
//     dropping it).
type segmentResult struct {
	segs      []Segment
	dropped   bool
	fatal     bool
	deferred  bool
	origToken uint64
	err       error
}

// Process expands one pulled descriptor into driver-ready segments. budget
// is how many more segments this burst's MaxSegsPerBurst cap still allows;
// it only matters for the GSO path.
func (s *Segmenter) Process(d pulledDesc, budget uint32) segmentResult {
	fields := readHeaderBlockFields(d.headerBlock)
	frame := l2Frame(d.headerBlock)

	if fields.Len <= s.MTU {
		return segmentResult{segs: []Segment{{
			Proc:            d.proc,
			Thread:          d.thread,
			Frame:           frame[:fields.Len],
			Len:             fields.Len,
			OffloadFlags:    fields.OffloadFlags,
			CompletionToken: fields.CompletionData,
		}}}
	}

	// Only IPv4+UDP over Ethernet is a candidate for GSO (spec §4.2).
	if len(frame) < udpOffsetInFrame+8 || frame[ipProtoOffset] != protoUDP {
		return segmentResult{dropped: true, origToken: fields.CompletionData, err: ErrOversizedNonUDP}
	}

	udpLenField := binary.BigEndian.Uint16(frame[udpLenOffset : udpLenOffset+2])
	if udpLenField < 8 {
		return segmentResult{dropped: true, origToken: fields.CompletionData, err: ErrMalformedUDP}
	}
	payloadLen := uint32(udpLenField) - 8
	if payloadLen == 0 {
		return segmentResult{dropped: true, origToken: fields.CompletionData, err: ErrMalformedUDP}
	}

	segs, err := s.segmentUDP(d, frame, fields, payloadLen, budget)
	switch err {
	case nil:
		return segmentResult{segs: segs}
	case ErrSegsCapExceeded:
		return segmentResult{deferred: true}
	default:
		return segmentResult{fatal: true, err: err}
	}
}

// segmentUDP implements spec §4.2's "UDP GSO" algorithm: shift payload
// chunks backwards-first to make room, duplicate the header into each
// gap, then rewrite each fragment's length fields.
func (s *Segmenter) segmentUDP(d pulledDesc, frame []byte, fields headerBlockFields, payloadLen, budget uint32) ([]Segment, error) {
	payloadPerSeg := s.payloadPerSeg()
	segs := (payloadLen + payloadPerSeg - 1) / payloadPerSeg
	if segs > budget {
		return nil, ErrSegsCapExceeded
	}

	// The expanded frame needs segs*H + payloadLen bytes; frame's capacity
	// extends into the rest of the process's shared-memory region (it was
	// sliced, not copied, out of p.region), so growing in place is just a
	// re-slice as long as there's enough room left in the region.
	finalLen := uint64(HeaderLen)*uint64(segs) + uint64(payloadLen)
	if finalLen > uint64(cap(frame)) {
		return nil, ErrSegmentOverflow
	}
	frame = frame[:finalLen]

	out := make([]Segment, segs)

	// Shift payload chunks from the last chunk backwards, per spec §4.2.
	for k := int(segs) - 1; k >= 1; k-- {
		srcStart := HeaderLen + uint32(k)*payloadPerSeg
		dstStart := uint32(k)*s.MTU + HeaderLen
		length := payloadPerSeg
		if uint32(k) == segs-1 {
			length = payloadLen - (segs-1)*payloadPerSeg
		}
		copy(frame[dstStart:dstStart+length], frame[srcStart:srcStart+length])
		copy(frame[uint32(k)*s.MTU:uint32(k)*s.MTU+HeaderLen], frame[0:HeaderLen])
	}

	for k := uint32(0); k < segs; k++ {
		segStart := k * s.MTU
		segPayload := payloadPerSeg
		if k == segs-1 {
			segPayload = payloadLen - (segs-1)*payloadPerSeg
		}
		segLen := HeaderLen + segPayload
		segFrame := frame[segStart : segStart+segLen]

		binary.BigEndian.PutUint16(segFrame[ipTotalLenOffset:ipTotalLenOffset+2], uint16(segLen-14))
		binary.BigEndian.PutUint16(segFrame[udpLenOffset:udpLenOffset+2], uint16(segPayload+8))

		token := uint64(0)
		if k == segs-1 {
			token = fields.CompletionData
		}

		out[k] = Segment{
			Proc:            d.proc,
			Thread:          d.thread,
			Frame:           segFrame,
			Len:             segLen,
			OffloadFlags:    fields.OffloadFlags,
			CompletionToken: token,
		}
	}

	return out, nil
}
