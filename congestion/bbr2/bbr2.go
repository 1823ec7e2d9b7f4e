package bbr2

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

// Mode is the BBRv2 state the congestion window and pacing gains are
// derived from (spec.md §4.4).
type Mode int

const (
	ModeStartup Mode = iota
	ModeDrain
	ModeProbeBwDown
	ModeProbeBwCruise
	ModeProbeBwRefill
	ModeProbeBwUp
	ModeProbeRtt
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeDrain:
		return "DRAIN"
	case ModeProbeBwDown:
		return "PROBE_BW_DOWN"
	case ModeProbeBwCruise:
		return "PROBE_BW_CRUISE"
	case ModeProbeBwRefill:
		return "PROBE_BW_REFILL"
	case ModeProbeBwUp:
		return "PROBE_BW_UP"
	case ModeProbeRtt:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

func (m Mode) isProbeBw() bool {
	switch m {
	case ModeProbeBwDown, ModeProbeBwCruise, ModeProbeBwRefill, ModeProbeBwUp:
		return true
	default:
		return false
	}
}

// kMaxModeChangesPerCongestionEvent bounds mode transitions within a single
// OnCongestionEvent call; exceeding it is a bug (spec.md §4.4).
const kMaxModeChangesPerCongestionEvent = 4

// Sender implements congestion.Sender with the BBRv2 mode machine,
// adapted from the algorithm in quiche's bbr2_sender.cc / bbr2_misc.cc /
// bbr2_startup.cc / bbr2_probe_bw.cc (_examples/original_source), composed
// on top of the BandwidthSampler adapted in bandwidth_sampler.go.
type Sender struct {
	params Params
	clock  func() time.Time

	rttStats *rttstats.Stats
	sampler  *BandwidthSampler
	rounds   *roundTripCounter

	mode           Mode
	priorMode      Mode // PROBE_BW sub-state to resume after PROBE_RTT
	roundsInMode   int

	maxBandwidthFilter *windowedFilter[congestion.Bandwidth, roundTripCount]
	minRTT             time.Duration
	minRTTTimestamp    time.Time

	bandwidthLo congestion.Bandwidth
	bandwidthHi congestion.Bandwidth
	inflightLo  congestion.ByteCount
	inflightHi  congestion.ByteCount

	bytesLostInRound         congestion.ByteCount
	lossEventsInRound        int
	maxBytesDeliveredInRound congestion.ByteCount

	cwndGain    float64
	pacingGain  float64
	congestionWindow congestion.ByteCount
	pacingRateCache  congestion.Bandwidth

	fullBandwidthReached  bool
	fullBandwidthBaseline congestion.Bandwidth
	roundsWithoutGrowth   int

	probeRttEndTime    time.Time
	probeRttRoundEnded bool
	exitingQuiescence  bool

	probeUpBytesAcked congestion.ByteCount
	probeUpRounds     int

	appLimited     bool
	maxDatagramSize congestion.ByteCount

	lastSendTime time.Time
	firstAck     bool

	inRecovery bool
}

// NewSender builds a BBRv2 Sender in STARTUP with the given Params; clock
// lets tests inject deterministic time the way hycore's bbr.DefaultClock
// does for quic-go's BBR (proxy/hysteria2/hycore/v2/internal/congestion/utils.go).
func NewSender(params Params, clock func() time.Time) *Sender {
	if clock == nil {
		clock = time.Now
	}
	s := &Sender{
		params:           params,
		clock:            clock,
		rttStats:         rttstats.New(),
		sampler:          NewBandwidthSampler(params.MaxAckHeightWindowRounds),
		rounds:           newRoundTripCounter(),
		mode:             ModeStartup,
		cwndGain:         params.StartupGain,
		pacingGain:       params.StartupGain,
		congestionWindow: params.MinCongestionWindow * 25, // 100 packets at the default 4-packet minimum
		maxDatagramSize:  congestion.InitialPacketSize,
		firstAck:         true,
	}
	s.maxBandwidthFilter = newWindowedFilter(roundTripCount(2), bandwidthGreater)
	if params.OverestimateAvoidance {
		s.sampler.EnableOverestimateAvoidance()
	}
	return s
}

func bandwidthGreater(a, b congestion.Bandwidth) bool { return a > b }

// RTTStats exposes the sender's internal RTT estimator so a session can feed
// it the same UpdateRtt calls the unacked packet map triggers.
func (s *Sender) RTTStats() *rttstats.Stats { return s.rttStats }

func (s *Sender) Mode() Mode { return s.mode }

// OnPacketSent implements congestion.Sender.
func (s *Sender) OnPacketSent(sentTime time.Time, bytesInFlight congestion.ByteCount, packetNumber congestion.PacketNumber, bytes congestion.ByteCount, isRetransmittable bool) {
	s.lastSendTime = sentTime
	if bytesInFlight == 0 {
		s.exitingQuiescence = true
	}
	s.rounds.OnPacketSent(packetNumber)
	s.sampler.OnPacketSent(sentTime, packetNumber, bytes, bytesInFlight, isRetransmittable)
}

// CanSend implements congestion.Sender: a BBR sender is never cwnd-gated
// below GetCongestionWindow (pacing provides separate shaping).
func (s *Sender) CanSend(bytesInFlight congestion.ByteCount) bool {
	return bytesInFlight < s.GetCongestionWindow()
}

func (s *Sender) GetCongestionWindow() congestion.ByteCount {
	return clampByteCount(s.congestionWindow, s.params.MinCongestionWindow, s.params.MaxCongestionWindow)
}

func (s *Sender) PacingRate(congestion.ByteCount) congestion.Bandwidth {
	if s.firstAck && s.minRTT > 0 {
		return congestion.BandwidthFromDelta(s.GetCongestionWindow(), s.minRTT)
	}
	return s.pacingRateCache
}

func (s *Sender) InSlowStart() bool { return s.mode == ModeStartup }
func (s *Sender) InRecovery() bool  { return s.inRecovery }

func (s *Sender) SetMaxDatagramSize(size congestion.ByteCount) { s.maxDatagramSize = size }

func (s *Sender) OnAppLimited() {
	s.appLimited = true
	s.sampler.OnAppLimited()
}

func (s *Sender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if packetsRetransmitted {
		s.inRecovery = true
	}
}

func (s *Sender) GetDebugState() congestion.DebugState {
	return congestion.DebugState{
		Mode:              s.mode.String(),
		CongestionWindow:  s.GetCongestionWindow(),
		PacingRate:        s.pacingRateCache,
		BandwidthEstimate: s.bandwidthEstimate(),
		MinRTT:            s.minRTT,
		RoundTripCount:    uint64(s.rounds.Count()),
	}
}

func (s *Sender) bandwidthEstimate() congestion.Bandwidth {
	return s.maxBandwidthFilter.GetBest()
}

func (s *Sender) bdp() congestion.ByteCount {
	if s.minRTT == 0 {
		return s.congestionWindow
	}
	return congestion.BytesFromBandwidthAndTimeDelta(s.bandwidthEstimate(), s.minRTT)
}

// OnCongestionEvent implements congestion.Sender and is the heart of §4.4:
// feed the ack/loss bundle to the bandwidth sampler (1), update the
// max-bandwidth/min-rtt filters (2), advance the round counter and run mode
// transitions at round boundaries (3), then recompute cwnd and pacing rate
// (4) — the ordering spec.md §5 fixes for one OnCongestionEvent call.
func (s *Sender) OnCongestionEvent(priorInFlight congestion.ByteCount, eventTime time.Time, ackedPackets []congestion.AckedPacketInfo, lostPackets []congestion.LostPacketInfo) {
	if len(ackedPackets) == 0 && len(lostPackets) == 0 {
		return
	}

	for _, p := range lostPackets {
		s.bytesLostInRound += p.BytesLost
	}
	if len(lostPackets) > 0 {
		s.lossEventsInRound++
		s.onLoss()
	}

	sample := s.sampler.OnCongestionEvent(eventTime, ackedPackets, lostPackets, s.bandwidthEstimate(), congestion.InfBandwidth, s.rounds.Count())

	if sample.SampleMaxBandwidth > 0 {
		if !sample.SampleIsAppLimited || sample.SampleMaxBandwidth > s.bandwidthEstimate() || s.params.FlexibleAppLimited {
			s.maxBandwidthFilter.Update(sample.SampleMaxBandwidth, s.rounds.Count())
		}
	}
	if sample.SampleRTT > 0 && sample.SampleRTT < infRTT {
		s.updateMinRTT(sample.SampleRTT, eventTime)
	}

	var newRound bool
	if len(ackedPackets) > 0 {
		newRound = s.rounds.OnPacketsAcked(ackedPackets[len(ackedPackets)-1].PacketNumber)
	}

	bytesAcked := sample.LastPacketSendState.TotalBytesAcked
	if bytesAcked > s.maxBytesDeliveredInRound {
		s.maxBytesDeliveredInRound = bytesAcked
	}

	modeChanges := 0
	for newRound && modeChanges < kMaxModeChangesPerCongestionEvent {
		changed := s.onRoundBoundary(eventTime, priorInFlight)
		newRound = false
		if changed {
			modeChanges++
		}
		s.bytesLostInRound = 0
		s.lossEventsInRound = 0
	}

	s.maybeEnterOrExitProbeRtt(eventTime, priorInFlight)

	s.updateGainsForMode()
	s.updateCongestionWindow(ackedPackets)
	s.updatePacingRate()

	s.firstAck = false
}

func (s *Sender) updateMinRTT(sample time.Duration, now time.Time) {
	forceUpdate := s.mode == ModeProbeRtt
	if s.minRTT == 0 || sample < s.minRTT || forceUpdate || now.Sub(s.minRTTTimestamp) > s.params.ProbeRttPeriod {
		s.minRTT = sample
		s.minRTTTimestamp = now
	}
}

// onLoss multiplies the soft lower bounds (bandwidth_lo, inflight_lo) by
// BandwidthLoBeta, seeding them from the bandwidth estimate and cwnd when
// unset; OnCongestionEvent calls it once per event that reports losses.
func (s *Sender) onLoss() {
	if s.bandwidthLo == 0 {
		s.bandwidthLo = s.bandwidthEstimate()
	}
	s.bandwidthLo = congestion.Bandwidth(float64(s.bandwidthLo) * s.params.BandwidthLoBeta)
	if s.inflightLo == 0 {
		s.inflightLo = s.congestionWindow
	}
	s.inflightLo = congestion.ByteCount(float64(s.inflightLo) * s.params.BandwidthLoBeta)
}

func (s *Sender) clearLoBounds() {
	s.bandwidthLo = 0
	s.inflightLo = 0
}

// onRoundBoundary runs STARTUP/DRAIN/PROBE_BW transition checks that only
// fire once per round. Returns whether the mode actually changed.
func (s *Sender) onRoundBoundary(now time.Time, bytesInFlight congestion.ByteCount) bool {
	before := s.mode
	s.roundsInMode++

	switch s.mode {
	case ModeStartup:
		s.checkStartupFullBandwidth()
		s.checkStartupLoss()
		if s.fullBandwidthReached {
			s.enterDrain()
		}
	case ModeDrain:
		if bytesInFlight <= s.bdp() {
			s.enterProbeBw(now, ModeProbeBwDown)
		}
	case ModeProbeBwDown:
		s.probeBwDownTransitions(now, bytesInFlight)
	case ModeProbeBwCruise:
		if s.roundsInMode >= s.params.ProbeBwProbeWaitRounds {
			s.enterProbeBwRefill()
		}
	case ModeProbeBwRefill:
		// One round in REFILL, then move to UP.
		s.enterProbeBwUp(now)
	case ModeProbeBwUp:
		s.probeBwUpTransitions(now)
	}

	s.bytesLostInRound = 0
	s.lossEventsInRound = 0
	s.maxBytesDeliveredInRound = 0
	return s.mode != before
}

func (s *Sender) checkStartupFullBandwidth() {
	if s.fullBandwidthReached {
		return
	}
	current := s.bandwidthEstimate()
	if s.fullBandwidthBaseline == 0 || current >= congestion.Bandwidth(float64(s.fullBandwidthBaseline)*s.params.StartupFullBandwidthThreshold) {
		s.fullBandwidthBaseline = current
		s.roundsWithoutGrowth = 0
		return
	}
	s.roundsWithoutGrowth++
	if s.roundsWithoutGrowth >= s.params.StartupFullBandwidthRounds {
		s.fullBandwidthReached = true
	}
}

// checkStartupLoss declares full bandwidth reached early if this round's
// loss was excessive (spec.md §4.4 STARTUP "excessive-loss" exit).
func (s *Sender) checkStartupLoss() {
	if s.lossEventsInRound < s.params.StartupFullLossCount {
		return
	}
	if s.maxBytesDeliveredInRound == 0 {
		return
	}
	fraction := float64(s.bytesLostInRound) / float64(s.maxBytesDeliveredInRound)
	if fraction >= s.params.LossThreshold {
		s.fullBandwidthReached = true
	}
}

func (s *Sender) enterDrain() {
	s.mode = ModeDrain
	s.roundsInMode = 0
	bdp := s.bdp()
	s.inflightHi = max(bdp, s.maxBytesDeliveredInRound)
}

func (s *Sender) enterProbeBw(now time.Time, sub Mode) {
	s.mode = sub
	s.roundsInMode = 0
	if sub == ModeProbeBwDown {
		s.probeUpBytesAcked = 0
	}
}

func (s *Sender) probeBwDownTransitions(now time.Time, bytesInFlight congestion.ByteCount) {
	bdp := s.bdp()
	drained := bytesInFlight < bdp
	headroomSatisfied := s.inflightHi == 0 || bytesInFlight <= s.inflightHi
	if drained || headroomSatisfied {
		s.enterProbeBw(now, ModeProbeBwCruise)
		return
	}
	if s.roundsInMode >= s.params.ProbeBwProbeWaitRounds {
		s.enterProbeBwRefill()
	}
}

func (s *Sender) enterProbeBwRefill() {
	s.mode = ModeProbeBwRefill
	s.roundsInMode = 0
	s.clearLoBounds()
	s.rounds.RestartRoundEarly()
}

func (s *Sender) enterProbeBwUp(now time.Time) {
	s.mode = ModeProbeBwUp
	s.roundsInMode = 0
	s.probeUpBytesAcked = 0
	s.probeUpRounds = 0
}

// probeBwUpTransitions implements PROBE_BW_UP's queueing-threshold growth
// of inflight_hi and the ADAPTED_PROBED_TOO_HIGH exit on excess loss
// (spec.md §4.4 PROBE_BW).
func (s *Sender) probeBwUpTransitions(now time.Time) {
	if s.lossEventsInRound > 0 && s.maxBytesDeliveredInRound > 0 {
		fraction := float64(s.bytesLostInRound) / float64(s.maxBytesDeliveredInRound)
		if fraction >= s.params.LossThreshold {
			s.enterProbeBw(now, ModeProbeBwDown)
			return
		}
	}

	s.probeUpRounds++
	step := s.params.ProbeUpBytes
	if s.probeUpRounds <= 30 {
		step *= congestion.ByteCount(1 << min(s.probeUpRounds, 30))
	}
	s.inflightHi += step
}

func (s *Sender) maybeEnterOrExitProbeRtt(now time.Time, bytesInFlight congestion.ByteCount) {
	if s.mode == ModeProbeRtt {
		if s.probeRttEndTime.IsZero() {
			target := s.probeRttInflightTarget()
			if bytesInFlight <= target {
				s.probeRttEndTime = now.Add(s.params.ProbeRttDuration)
			}
			return
		}
		if !now.Before(s.probeRttEndTime) {
			s.mode = s.priorMode
			s.roundsInMode = 0
			s.probeRttEndTime = time.Time{}
		}
		return
	}

	if s.minRTT == 0 || s.minRTTTimestamp.IsZero() {
		return
	}
	if now.Sub(s.minRTTTimestamp) >= s.params.ProbeRttPeriod {
		s.priorMode = s.mode
		if !s.priorMode.isProbeBw() && s.priorMode != ModeDrain {
			s.priorMode = ModeProbeBwCruise
		}
		s.mode = ModeProbeRtt
		s.roundsInMode = 0
		s.probeRttEndTime = time.Time{}
	}
}

func (s *Sender) probeRttInflightTarget() congestion.ByteCount {
	return s.params.MinCongestionWindow
}

func (s *Sender) updateGainsForMode() {
	switch s.mode {
	case ModeStartup:
		s.pacingGain = s.params.StartupGain
		s.cwndGain = s.params.StartupGain
	case ModeDrain:
		s.pacingGain = s.params.DrainGain
		// cwnd_gain unchanged from STARTUP, per spec.md §4.4.
	case ModeProbeBwDown:
		s.pacingGain = s.params.ProbeBwDownPacingGain
		s.cwndGain = s.params.ProbeBwCwndGain
	case ModeProbeBwUp:
		s.pacingGain = s.params.ProbeBwUpPacingGain
		s.cwndGain = s.params.ProbeBwCwndGain
	case ModeProbeBwCruise, ModeProbeBwRefill:
		s.pacingGain = 1.0
		s.cwndGain = s.params.ProbeBwCwndGain
	case ModeProbeRtt:
		s.pacingGain = s.params.ProbeRttPacingGain
		s.cwndGain = s.params.ProbeRttCwndGain
	}
}

// updateCongestionWindow implements spec.md §4.4's cwnd update: additive
// growth by bytes_acked before full bandwidth, clamped to
// target + max_ack_height after.
func (s *Sender) updateCongestionWindow(ackedPackets []congestion.AckedPacketInfo) {
	bdp := s.bdp()
	target := congestion.ByteCount(float64(bdp) * s.cwndGain)
	if target < s.params.MinCongestionWindow {
		target = s.params.MinCongestionWindow
	}

	var bytesAcked congestion.ByteCount
	for _, p := range ackedPackets {
		bytesAcked += p.BytesAcked
	}

	if s.mode == ModeProbeRtt {
		s.congestionWindow = s.probeRttInflightTarget()
		return
	}

	if !s.fullBandwidthReached {
		s.congestionWindow += bytesAcked
	} else {
		maxAckHeight := s.sampler.MaxAckHeight()
		s.congestionWindow = min(s.congestionWindow+bytesAcked, target+maxAckHeight)
	}

	if s.inflightHi > 0 && s.mode.isProbeBw() {
		s.congestionWindow = min(s.congestionWindow, s.inflightHi)
	}

	s.congestionWindow = clampByteCount(s.congestionWindow, s.params.MinCongestionWindow, s.params.MaxCongestionWindow)
}

// updatePacingRate implements spec.md §4.4's pacing-rate rule: monotone
// increase before full bandwidth, exact tracking of pacing_gain * estimate
// after.
func (s *Sender) updatePacingRate() {
	target := congestion.Bandwidth(float64(s.bandwidthEstimate()) * s.pacingGain)
	if !s.fullBandwidthReached && target < s.pacingRateCache {
		return
	}
	s.pacingRateCache = target
}

func clampByteCount(v, lo, hi congestion.ByteCount) congestion.ByteCount {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

var _ congestion.Sender = (*Sender)(nil)
