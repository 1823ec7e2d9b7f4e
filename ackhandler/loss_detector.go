package ackhandler

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

const (
	// defaultReorderingThreshold is the initial packet-reordering
	// tolerance before a later packet's ack declares an earlier one lost
	// (spec.md §4.2).
	defaultReorderingThreshold = 3
	// defaultReorderingShift of 2 means loss_delay = 1.25 * max_rtt;
	// "eighth-RTT mode" (shift 3) is a configuration, not a default.
	defaultReorderingShift = 2

	// alarmGranularity floors the loss-delay computation so clock jitter
	// or regressions never produce a zero or negative timeout (spec.md
	// §4.2 "Failure semantics").
	alarmGranularity = time.Millisecond
)

// LostPacket names a packet the detector declared lost in one DetectLosses
// pass, with the bytes it carried (for congestion accounting).
type LostPacket struct {
	PacketNumber congestion.PacketNumber
	BytesSent    congestion.ByteCount
}

// detectorSpace is per-packet-number-space adaptive loss-detection state
// (spec.md §3 "Loss Detector (adaptive time+packet threshold)").
type detectorSpace struct {
	reorderingThreshold int
	reorderingShift     int
	lossDetectionTimeout time.Time
	leastInFlight       congestion.PacketNumber
	leastInFlightSet    bool

	// useRuntProtection skips packet-threshold detection for a candidate
	// whose bytes_sent exceeds the acking packet's own bytes_sent, to
	// avoid false positives on padded probe packets (spec.md §4.2).
	useRuntProtection bool
}

func newDetectorSpace() *detectorSpace {
	return &detectorSpace{
		reorderingThreshold: defaultReorderingThreshold,
		reorderingShift:     defaultReorderingShift,
		useRuntProtection:   true,
	}
}

// Detector runs adaptive packet+time threshold loss detection across all
// three packet-number spaces, reading packet metadata from a Map.
type Detector struct {
	spaces   [numSpaces]*detectorSpace
	rttStats *rttstats.Stats
}

func NewDetector(rttStats *rttstats.Stats) *Detector {
	d := &Detector{rttStats: rttStats}
	for i := range d.spaces {
		d.spaces[i] = newDetectorSpace()
	}
	return d
}

func (d *Detector) LossTimeout(s Space) time.Time { return d.spaces[s].lossDetectionTimeout }

func maxRTT(r *rttstats.Stats) time.Duration {
	m := r.PreviousSRTT()
	if r.LatestRTT() > m {
		m = r.LatestRTT()
	}
	if m < alarmGranularity {
		m = alarmGranularity
	}
	return m
}

// DetectLosses implements spec.md §4.2: given the map's in-flight packets
// up to largestNewlyAcked in space s, returns every packet declared lost
// by the packet or time threshold, and arms the space's loss timer for
// the first packet that is outstanding-but-not-yet-lost.
func (d *Detector) DetectLosses(m *Map, s Space, now time.Time, largestNewlyAcked congestion.PacketNumber, ackedInOrder []congestion.PacketNumber) []LostPacket {
	ds := d.spaces[s]
	sp := m.space(s)
	ds.lossDetectionTimeout = time.Time{}

	start := sp.leastUnacked
	if ds.leastInFlightSet && ds.leastInFlight >= start {
		start = ds.leastInFlight
	}
	ds.leastInFlightSet = false

	// Contiguous-run optimization (spec.md §4.1 "opens a contiguous run
	// starting at least_in_flight"): if the acked packets beginning at
	// start exactly cover [start, largestNewlyAcked] with no gap, there is
	// nothing to scan.
	if contiguousRun(ackedInOrder, start, largestNewlyAcked) {
		return nil
	}

	ackedSet := make(map[congestion.PacketNumber]bool, len(ackedInOrder))
	for _, p := range ackedInOrder {
		ackedSet[p] = true
	}

	maxRtt := maxRTT(d.rttStats)
	lossDelay := maxRtt + (maxRtt >> ds.reorderingShift)
	if lossDelay < alarmGranularity {
		lossDelay = alarmGranularity
	}

	ackedLargestBytes := congestion.ByteCount(0)
	if info := m.GetTransmissionInfo(s, largestNewlyAcked); info != nil {
		ackedLargestBytes = info.BytesSent
	}

	var lost []LostPacket
	for pn := start; pn <= largestNewlyAcked; pn++ {
		if ackedSet[pn] {
			continue
		}
		info := m.GetTransmissionInfo(s, pn)
		if info == nil || !info.InFlight {
			continue
		}

		skipPacketThreshold := ds.useRuntProtection && info.BytesSent > ackedLargestBytes
		if !skipPacketThreshold && int(largestNewlyAcked-pn) >= ds.reorderingThreshold {
			lost = append(lost, LostPacket{PacketNumber: pn, BytesSent: info.BytesSent})
			continue
		}

		whenLost := info.SentTime.Add(lossDelay)
		if now.Before(whenLost) {
			ds.lossDetectionTimeout = whenLost
			if !ds.leastInFlightSet {
				ds.leastInFlight = pn
				ds.leastInFlightSet = true
			}
			break
		}
		lost = append(lost, LostPacket{PacketNumber: pn, BytesSent: info.BytesSent})
	}

	if !ds.leastInFlightSet {
		ds.leastInFlight = largestNewlyAcked + 1
		ds.leastInFlightSet = true
	}

	return lost
}

func contiguousRun(ackedInOrder []congestion.PacketNumber, start, largestNewlyAcked congestion.PacketNumber) bool {
	if len(ackedInOrder) == 0 {
		return false
	}
	if ackedInOrder[0] != start {
		return false
	}
	if ackedInOrder[len(ackedInOrder)-1] != largestNewlyAcked {
		return false
	}
	return start+congestion.PacketNumber(len(ackedInOrder))-1 == largestNewlyAcked
}

// SpuriousLossDetected implements spec.md §4.2's adaptation: a packet
// previously declared lost was acked after all, ahead of the packet that
// replaced it. The detector widens reordering_threshold and/or coarsens
// reordering_shift so a re-run of the same trace would not re-declare it
// lost.
func (d *Detector) SpuriousLossDetected(s Space, packetNumber, previousLargestAcked congestion.PacketNumber, ackReceiveTime, sentTime time.Time) {
	ds := d.spaces[s]

	if ds.reorderingShift > 0 {
		timeNeeded := ackReceiveTime.Sub(sentTime)
		mr := d.rttStats.PreviousSRTT()
		if d.rttStats.LatestRTT() > mr {
			mr = d.rttStats.LatestRTT()
		}
		for mr+(mr>>ds.reorderingShift) < timeNeeded && ds.reorderingShift > 0 {
			ds.reorderingShift--
		}
	}

	if previousLargestAcked > packetNumber {
		needed := int(previousLargestAcked-packetNumber) + 1
		if needed > ds.reorderingThreshold {
			ds.reorderingThreshold = needed
		}
	}
}

func (d *Detector) Reset(s Space) {
	ds := d.spaces[s]
	ds.lossDetectionTimeout = time.Time{}
	ds.leastInFlightSet = false
}
