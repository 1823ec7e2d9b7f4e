package cubic

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

const (
	maxBurstBytes                 = 3 * congestion.InitialPacketSize
	defaultMinimumCongestionWindow = 2 * congestion.InitialPacketSize
	renoBeta                float64 = 0.7
)

// Params configures a Sender at construction, following the typed-config
// convention the rest of this module's congestion controllers use.
type Params struct {
	Reno                       bool
	InitialCongestionWindow    congestion.ByteCount
	InitialMaxCongestionWindow congestion.ByteCount
	SlowStartLargeReduction    bool
}

func DefaultParams() Params {
	return Params{
		InitialCongestionWindow:    10 * congestion.InitialPacketSize,
		InitialMaxCongestionWindow: congestion.ByteCount(10_000_000),
	}
}

// Sender wraps Bytes into a full congestion.Sender: slow start, a
// PRR-free recovery window held at the post-loss cwnd until the packet
// outstanding at the cutback is acked, and the Reno/Cubic window-growth
// switch, adapted from the cubicSender wrapper in the quic-go forks
// retrieved for this pack (other_examples' cubic_sender.go), generalized
// from that file's per-packet OnPacketAcked/OnPacketLost calls to this
// module's bundled OnCongestionEvent.
type Sender struct {
	params   Params
	rttStats *rttstats.Stats
	cubic    *Bytes
	now      func() time.Time

	numConnections int

	largestSentPacketNumber  congestion.PacketNumber
	largestAckedPacketNumber congestion.PacketNumber
	largestSentAtLastCutback congestion.PacketNumber

	congestionWindow       congestion.ByteCount
	slowstartThreshold     congestion.ByteCount
	maxCongestionWindow    congestion.ByteCount
	minCongestionWindow    congestion.ByteCount
	lastCutbackExitedSlowstart bool

	maxDatagramSize congestion.ByteCount
}

func NewSender(params Params, rttStats *rttstats.Stats, now func() time.Time) *Sender {
	if now == nil {
		now = time.Now
	}
	return &Sender{
		params:                   params,
		rttStats:                 rttStats,
		cubic:                    New(now),
		now:                      now,
		numConnections:           defaultNumConnections,
		largestSentPacketNumber:  congestion.InvalidPacketNumber,
		largestAckedPacketNumber: congestion.InvalidPacketNumber,
		largestSentAtLastCutback: congestion.InvalidPacketNumber,
		congestionWindow:         params.InitialCongestionWindow,
		slowstartThreshold:       params.InitialMaxCongestionWindow,
		maxCongestionWindow:      params.InitialMaxCongestionWindow,
		minCongestionWindow:      defaultMinimumCongestionWindow,
		maxDatagramSize:          congestion.InitialPacketSize,
	}
}

func (s *Sender) renoBeta() float64 {
	return (float64(s.numConnections) - 1 + renoBeta) / float64(s.numConnections)
}

func (s *Sender) OnPacketSent(sentTime time.Time, bytesInFlight congestion.ByteCount, packetNumber congestion.PacketNumber, bytes congestion.ByteCount, isRetransmittable bool) {
	if !isRetransmittable {
		return
	}
	s.largestSentPacketNumber = packetNumber
}

func (s *Sender) CanSend(bytesInFlight congestion.ByteCount) bool {
	return bytesInFlight < s.GetCongestionWindow()
}

func (s *Sender) InRecovery() bool {
	return s.largestAckedPacketNumber != congestion.InvalidPacketNumber &&
		s.largestSentAtLastCutback != congestion.InvalidPacketNumber &&
		s.largestAckedPacketNumber <= s.largestSentAtLastCutback
}

func (s *Sender) InSlowStart() bool { return s.congestionWindow < s.slowstartThreshold }

func (s *Sender) GetCongestionWindow() congestion.ByteCount { return s.congestionWindow }

func (s *Sender) SetMaxDatagramSize(size congestion.ByteCount) { s.maxDatagramSize = size }

func (s *Sender) OnAppLimited() { s.cubic.OnApplicationLimited() }

func (s *Sender) PacingRate(congestion.ByteCount) congestion.Bandwidth {
	srtt := s.rttStats.SmoothedRTT()
	if srtt == 0 {
		return 0
	}
	return congestion.BandwidthFromDelta(s.GetCongestionWindow(), srtt)
}

func (s *Sender) GetDebugState() congestion.DebugState {
	mode := "RECOVERY"
	switch {
	case s.InSlowStart():
		mode = "SLOW_START"
	case !s.InRecovery():
		mode = "CONGESTION_AVOIDANCE"
	}
	return congestion.DebugState{
		Mode:              mode,
		CongestionWindow:  s.congestionWindow,
		PacingRate:        s.PacingRate(0),
		BandwidthEstimate: s.PacingRate(0),
		MinRTT:            s.rttStats.MinRTT(),
	}
}

// OnCongestionEvent implements congestion.Sender: losses are applied first
// (cwnd cutback), then acks drive slow-start growth or the cubic/Reno
// race, matching the loss-before-ack ordering spec.md §4.1 fixes for one
// bundled congestion event.
func (s *Sender) OnCongestionEvent(priorInFlight congestion.ByteCount, eventTime time.Time, ackedPackets []congestion.AckedPacketInfo, lostPackets []congestion.LostPacketInfo) {
	for _, p := range lostPackets {
		s.onPacketLost(p.PacketNumber, p.BytesLost, priorInFlight)
	}

	var bytesInFlight congestion.ByteCount
	for _, a := range ackedPackets {
		if a.PacketNumber > s.largestAckedPacketNumber || s.largestAckedPacketNumber == congestion.InvalidPacketNumber {
			s.largestAckedPacketNumber = a.PacketNumber
		}
		bytesInFlight += a.BytesAcked
	}
	if len(ackedPackets) == 0 {
		return
	}
	last := ackedPackets[len(ackedPackets)-1]
	s.onPacketAcked(last.BytesAcked, priorInFlight, eventTime)
}

func (s *Sender) onPacketLost(packetNumber congestion.PacketNumber, lostBytes, bytesInFlight congestion.ByteCount) {
	if s.largestSentAtLastCutback != congestion.InvalidPacketNumber && packetNumber <= s.largestSentAtLastCutback {
		return
	}
	s.lastCutbackExitedSlowstart = s.InSlowStart()

	if s.params.SlowStartLargeReduction && s.InSlowStart() {
		s.congestionWindow -= s.maxDatagramSize
	} else if s.params.Reno {
		s.congestionWindow = congestion.ByteCount(float64(s.congestionWindow) * s.renoBeta())
	} else {
		s.congestionWindow = s.cubic.CongestionWindowAfterPacketLoss(s.congestionWindow)
	}

	if s.congestionWindow < s.minCongestionWindow {
		s.congestionWindow = s.minCongestionWindow
	}
	s.slowstartThreshold = s.congestionWindow
	s.largestSentAtLastCutback = s.largestSentPacketNumber
}

func (s *Sender) onPacketAcked(ackedBytes, bytesInFlight congestion.ByteCount, eventTime time.Time) {
	if s.InRecovery() {
		return
	}
	s.maybeIncreaseCwnd(ackedBytes, bytesInFlight, eventTime)
}

func (s *Sender) isCwndLimited(bytesInFlight congestion.ByteCount) bool {
	cwnd := s.GetCongestionWindow()
	if bytesInFlight >= cwnd {
		return true
	}
	available := cwnd - bytesInFlight
	slowStartLimited := s.InSlowStart() && bytesInFlight > cwnd/2
	return slowStartLimited || available <= maxBurstBytes
}

func (s *Sender) maybeIncreaseCwnd(ackedBytes, bytesInFlight congestion.ByteCount, eventTime time.Time) {
	if !s.isCwndLimited(bytesInFlight) {
		s.cubic.OnApplicationLimited()
		return
	}
	if s.congestionWindow >= s.maxCongestionWindow {
		return
	}
	if s.InSlowStart() {
		s.congestionWindow += s.maxDatagramSize
		return
	}
	if s.params.Reno {
		s.congestionWindow += congestion.ByteCount(float64(s.maxDatagramSize) / float64(s.congestionWindow) * float64(ackedBytes))
		return
	}
	next := s.cubic.CongestionWindowAfterAck(ackedBytes, s.congestionWindow, s.rttStats.MinRTT(), eventTime)
	if next > s.maxCongestionWindow {
		next = s.maxCongestionWindow
	}
	s.congestionWindow = next
}

func (s *Sender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	s.largestSentAtLastCutback = congestion.InvalidPacketNumber
	if !packetsRetransmitted {
		return
	}
	s.cubic.Reset()
	s.slowstartThreshold = s.congestionWindow / 2
	s.congestionWindow = s.minCongestionWindow
}

var _ congestion.Sender = (*Sender)(nil)
