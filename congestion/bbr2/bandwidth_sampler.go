// Package bbr2 implements the bandwidth sampler (spec.md §4.3) and the
// BBRv2 mode machine (spec.md §4.4), adapted directly from
// proxy/hysteria2/hycore/v2/internal/congestion/bbr/bandwidth_sampler.go —
// xray-core's own vendored copy of quic-go's BBR bandwidth sampler — with
// the congestion.ByteCount/PacketNumber/AckedPacketInfo vocabulary replaced
// by this module's own congestion package (see congestion/types.go) and the
// WindowedFilter/RingBuffer/PacketNumberIndexedQueue helpers the original
// file references but doesn't define reconstructed in windowed_filter.go and
// containers.go from their call sites.
package bbr2

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
)

const (
	infRTT                             = time.Duration(1<<63 - 1)
	defaultConnectionStateMapQueueSize = 256
	defaultCandidatesBufferSize        = 256
)

type roundTripCount uint64

// sendTimeState is a local alias for congestion.SendTimeState; the sampler
// sets its IsValid field directly.
type sendTimeState = congestion.SendTimeState

type extraAckedEvent struct {
	extraAcked congestion.ByteCount
	bytesAcked congestion.ByteCount
	timeDelta  time.Duration
	round      roundTripCount
}

func maxExtraAckedEventFunc(a, b extraAckedEvent) bool {
	return a.extraAcked > b.extraAcked
}

type bandwidthSample struct {
	bandwidth   congestion.Bandwidth
	rtt         time.Duration
	sendRate    congestion.Bandwidth
	stateAtSend sendTimeState
}

func newBandwidthSample() *bandwidthSample {
	return &bandwidthSample{sendRate: congestion.InfBandwidth}
}

// maxAckHeightTracker detects ack aggregation: bytes acked in one epoch in
// excess of what the bandwidth estimate predicts (spec.md §4.3 step 4).
type maxAckHeightTracker struct {
	maxAckHeightFilter *windowedFilter[extraAckedEvent, roundTripCount]

	aggregationEpochStartTime      time.Time
	aggregationEpochBytes          congestion.ByteCount
	lastSentPacketNumberBeforeEpoch congestion.PacketNumber

	numAckAggregationEpochs uint64

	ackAggregationBandwidthThreshold       float64
	startNewAggregationEpochAfterFullRound bool
	reduceExtraAckedOnBandwidthIncrease    bool
}

func newMaxAckHeightTracker(windowLength roundTripCount) *maxAckHeightTracker {
	return &maxAckHeightTracker{
		maxAckHeightFilter:              newWindowedFilter(windowLength, maxExtraAckedEventFunc),
		lastSentPacketNumberBeforeEpoch:  congestion.InvalidPacketNumber,
		ackAggregationBandwidthThreshold: 1.0,
	}
}

func (m *maxAckHeightTracker) Get() congestion.ByteCount {
	return m.maxAckHeightFilter.GetBest().extraAcked
}

func (m *maxAckHeightTracker) SetFilterWindowLength(length roundTripCount) {
	m.maxAckHeightFilter.SetWindowLength(length)
}

func (m *maxAckHeightTracker) SetAckAggregationBandwidthThreshold(v float64) {
	m.ackAggregationBandwidthThreshold = v
}

func (m *maxAckHeightTracker) SetStartNewAggregationEpochAfterFullRound(v bool) {
	m.startNewAggregationEpochAfterFullRound = v
}

func (m *maxAckHeightTracker) Update(
	bandwidthEstimate congestion.Bandwidth,
	isNewMaxBandwidth bool,
	round roundTripCount,
	lastSentPacketNumber congestion.PacketNumber,
	lastAckedPacketNumber congestion.PacketNumber,
	ackTime time.Time,
	bytesAcked congestion.ByteCount,
) congestion.ByteCount {
	forceNewEpoch := false

	if m.startNewAggregationEpochAfterFullRound &&
		m.lastSentPacketNumberBeforeEpoch != congestion.InvalidPacketNumber &&
		lastAckedPacketNumber != congestion.InvalidPacketNumber &&
		lastAckedPacketNumber > m.lastSentPacketNumberBeforeEpoch {
		forceNewEpoch = true
	}

	if m.aggregationEpochStartTime.IsZero() || forceNewEpoch {
		m.startEpoch(lastSentPacketNumber, ackTime, bytesAcked)
		return 0
	}

	aggregationDelta := ackTime.Sub(m.aggregationEpochStartTime)
	expectedBytesAcked := congestion.BytesFromBandwidthAndTimeDelta(bandwidthEstimate, aggregationDelta)
	if m.aggregationEpochBytes <= congestion.ByteCount(m.ackAggregationBandwidthThreshold*float64(expectedBytesAcked)) {
		m.startEpoch(lastSentPacketNumber, ackTime, bytesAcked)
		return 0
	}

	m.aggregationEpochBytes += bytesAcked
	extraBytesAcked := m.aggregationEpochBytes - expectedBytesAcked
	m.maxAckHeightFilter.Update(extraAckedEvent{
		extraAcked: extraBytesAcked,
		bytesAcked: m.aggregationEpochBytes,
		timeDelta:  aggregationDelta,
		round:      round,
	}, round)
	return extraBytesAcked
}

func (m *maxAckHeightTracker) startEpoch(lastSentPacketNumber congestion.PacketNumber, ackTime time.Time, bytesAcked congestion.ByteCount) {
	m.aggregationEpochBytes = bytesAcked
	m.aggregationEpochStartTime = ackTime
	m.lastSentPacketNumberBeforeEpoch = lastSentPacketNumber
	m.numAckAggregationEpochs++
}

// ackPoint is a point on the "bytes acked over time" curve.
type ackPoint struct {
	ackTime         time.Time
	totalBytesAcked congestion.ByteCount
}

// recentAckPoints keeps the most recent two distinct ack-time points, used
// to choose an A0 candidate when overestimate avoidance (BSAO) is enabled.
type recentAckPoints struct {
	points [2]ackPoint
}

func (r *recentAckPoints) Update(ackTime time.Time, totalBytesAcked congestion.ByteCount) {
	if ackTime.Before(r.points[1].ackTime) {
		r.points[1].ackTime = ackTime
	} else if ackTime.After(r.points[1].ackTime) {
		r.points[0] = r.points[1]
		r.points[1].ackTime = ackTime
	}
	r.points[1].totalBytesAcked = totalBytesAcked
}

func (r *recentAckPoints) Clear() { r.points[0] = ackPoint{}; r.points[1] = ackPoint{} }

func (r *recentAckPoints) MostRecentPoint() *ackPoint { return &r.points[1] }

func (r *recentAckPoints) LessRecentPoint() *ackPoint {
	if r.points[0].totalBytesAcked != 0 {
		return &r.points[0]
	}
	return &r.points[1]
}

// connectionStateOnSentPacket is the per-packet snapshot the sampler keeps
// from the moment of send until the packet is acked, lost, or neutered.
type connectionStateOnSentPacket struct {
	sentTime                        time.Time
	size                             congestion.ByteCount
	totalBytesSentAtLastAckedPacket congestion.ByteCount
	lastAckedPacketSentTime         time.Time
	lastAckedPacketAckTime          time.Time
	sendTimeState                   sendTimeState
}

func newConnectionStateOnSentPacket(sentTime time.Time, size, bytesInFlight congestion.ByteCount, s *BandwidthSampler) *connectionStateOnSentPacket {
	return &connectionStateOnSentPacket{
		sentTime:                        sentTime,
		size:                            size,
		totalBytesSentAtLastAckedPacket: s.totalBytesSentAtLastAckedPacket,
		lastAckedPacketSentTime:         s.lastAckedPacketSentTime,
		lastAckedPacketAckTime:          s.lastAckedPacketAckTime,
		sendTimeState: congestion.SendTimeState{
			IsValid:         true,
			IsAppLimited:    s.isAppLimited,
			TotalBytesSent:  s.totalBytesSent,
			TotalBytesAcked: s.totalBytesAcked,
			TotalBytesLost:  s.totalBytesLost,
			BytesInFlight:   bytesInFlight,
		},
	}
}

// BandwidthSampler keeps track of sent and acknowledged packets and outputs
// a bandwidth sample for every packet acknowledged (spec.md §4.3). Exported
// so the bbr2 mode machine in bbr2.go can drive it directly and a session
// can query TotalBytesLost/IsAppLimited for tracing.
type BandwidthSampler struct {
	totalBytesSent     congestion.ByteCount
	totalBytesAcked    congestion.ByteCount
	totalBytesLost     congestion.ByteCount
	totalBytesNeutered congestion.ByteCount

	totalBytesSentAtLastAckedPacket congestion.ByteCount
	lastAckedPacketSentTime         time.Time
	lastAckedPacketAckTime          time.Time

	lastSentPacket  congestion.PacketNumber
	lastAckedPacket congestion.PacketNumber

	isAppLimited         bool
	endOfAppLimitedPhase congestion.PacketNumber

	connectionStateMap *packetNumberIndexedQueue[connectionStateOnSentPacket]

	recentAckPoints recentAckPoints
	a0Candidates    ringBuffer[ackPoint]

	maxAckHeightTracker              *maxAckHeightTracker
	totalBytesAckedAfterLastAckEvent congestion.ByteCount

	// overestimateAvoidance is true when connection option BSAO is set
	// (spec.md §6 "Connection options").
	overestimateAvoidance bool
}

// NewBandwidthSampler builds a sampler whose ack-aggregation window spans
// maxAckHeightTrackerWindowLength round trips (~10, per spec.md §4 table).
func NewBandwidthSampler(maxAckHeightTrackerWindowLength roundTripCount) *BandwidthSampler {
	b := &BandwidthSampler{
		maxAckHeightTracker: newMaxAckHeightTracker(maxAckHeightTrackerWindowLength),
		connectionStateMap:  newPacketNumberIndexedQueue[connectionStateOnSentPacket](defaultConnectionStateMapQueueSize),
		lastSentPacket:      congestion.InvalidPacketNumber,
		lastAckedPacket:     congestion.InvalidPacketNumber,
		endOfAppLimitedPhase: congestion.InvalidPacketNumber,
	}
	b.a0Candidates.Init(defaultCandidatesBufferSize)
	return b
}

func (b *BandwidthSampler) MaxAckHeight() congestion.ByteCount { return b.maxAckHeightTracker.Get() }

func (b *BandwidthSampler) SetMaxAckHeightTrackerWindowLength(length roundTripCount) {
	b.maxAckHeightTracker.SetFilterWindowLength(length)
}

// EnableOverestimateAvoidance turns on connection option BSAO: the sampler
// picks an A0 candidate whose total_bytes_acked is maximal while still
// ≤ the acked packet's send-time total (spec.md §4.3 step 2), instead of
// simply using the most recent ack point.
func (b *BandwidthSampler) EnableOverestimateAvoidance() {
	if b.overestimateAvoidance {
		return
	}
	b.overestimateAvoidance = true
	b.maxAckHeightTracker.SetAckAggregationBandwidthThreshold(2.0)
}

func (b *BandwidthSampler) IsAppLimited() bool { return b.isAppLimited }

func (b *BandwidthSampler) TotalBytesLost() congestion.ByteCount { return b.totalBytesLost }

// OnPacketSent records a just-sent packet (spec.md §4.3 step 1). Non-
// retransmittable packets (pure acks/padding) don't open an A0 candidate and
// aren't tracked for sampling.
func (b *BandwidthSampler) OnPacketSent(sentTime time.Time, packetNumber congestion.PacketNumber, bytes, bytesInFlight congestion.ByteCount, isRetransmittable bool) {
	b.lastSentPacket = packetNumber
	if !isRetransmittable {
		return
	}
	b.totalBytesSent += bytes

	if bytesInFlight == 0 {
		b.lastAckedPacketAckTime = sentTime
		if b.overestimateAvoidance {
			b.recentAckPoints.Clear()
			b.recentAckPoints.Update(sentTime, b.totalBytesAcked)
			b.a0Candidates.Clear()
			b.a0Candidates.PushBack(*b.recentAckPoints.MostRecentPoint())
		}
		b.totalBytesSentAtLastAckedPacket = b.totalBytesSent
		b.lastAckedPacketSentTime = sentTime
	}

	b.connectionStateMap.Emplace(packetNumber, *newConnectionStateOnSentPacket(sentTime, bytes, bytesInFlight+bytes, b))
}

// OnCongestionEvent processes one bundled ack/loss observation and returns
// the CongestionEventSample the BBRv2 mode machine consumes (spec.md §4.3).
// Losses are folded in before acks so pending_retransmissions-adjacent state
// (total_bytes_lost) is current before the ack pass computes inflight
// samples, mirroring §4.1's "loss callbacks fire before ack callbacks".
func (b *BandwidthSampler) OnCongestionEvent(
	ackTime time.Time,
	ackedPackets []congestion.AckedPacketInfo,
	lostPackets []congestion.LostPacketInfo,
	maxBandwidth congestion.Bandwidth,
	estBandwidthUpperBound congestion.Bandwidth,
	round roundTripCount,
) congestion.CongestionEventSample {
	var eventSample congestion.CongestionEventSample
	eventSample.SampleRTT = infRTT

	var lastLostSendState sendTimeState
	for _, p := range lostPackets {
		if s := b.onPacketLost(p.PacketNumber, p.BytesLost); s.IsValid {
			lastLostSendState = s
		}
	}

	if len(ackedPackets) == 0 {
		eventSample.LastPacketSendState = lastLostSendState
		return eventSample
	}

	var lastAckedSendState sendTimeState
	for _, p := range ackedPackets {
		sample := b.onPacketAcknowledged(ackTime, p.PacketNumber)
		if !sample.stateAtSend.IsValid {
			continue
		}
		lastAckedSendState = sample.stateAtSend

		if sample.rtt != 0 && sample.rtt < eventSample.SampleRTT {
			eventSample.SampleRTT = sample.rtt
		}
		if sample.bandwidth > eventSample.SampleMaxBandwidth {
			eventSample.SampleMaxBandwidth = sample.bandwidth
			eventSample.SampleIsAppLimited = sample.stateAtSend.IsAppLimited
		}
		inflightSample := b.totalBytesAcked - lastAckedSendState.TotalBytesAcked
		if inflightSample > eventSample.SampleMaxInflight {
			eventSample.SampleMaxInflight = inflightSample
		}
	}

	switch {
	case !lastLostSendState.IsValid:
		eventSample.LastPacketSendState = lastAckedSendState
	case !lastAckedSendState.IsValid:
		eventSample.LastPacketSendState = lastLostSendState
	case lostPackets[len(lostPackets)-1].PacketNumber > ackedPackets[len(ackedPackets)-1].PacketNumber:
		eventSample.LastPacketSendState = lastLostSendState
	default:
		eventSample.LastPacketSendState = lastAckedSendState
	}

	isNewMaxBandwidth := eventSample.SampleMaxBandwidth > maxBandwidth
	maxBandwidth = max(maxBandwidth, eventSample.SampleMaxBandwidth)

	eventSample.ExtraAcked = b.onAckEventEnd(min(estBandwidthUpperBound, maxBandwidth), isNewMaxBandwidth, round)
	return eventSample
}

func (b *BandwidthSampler) onPacketLost(packetNumber congestion.PacketNumber, bytesLost congestion.ByteCount) sendTimeState {
	b.totalBytesLost += bytesLost
	var s sendTimeState
	if entry := b.connectionStateMap.GetEntry(packetNumber); entry != nil {
		s = entry.sendTimeState
		s.IsValid = true
	}
	return s
}

// OnPacketNeutered removes tracking for a packet whose retransmittable data
// has been declared "delivered" without congestion feedback (spec.md §3
// "Neutering an entry ... notifies the session ... without notifying the
// congestion controller").
func (b *BandwidthSampler) OnPacketNeutered(packetNumber congestion.PacketNumber) {
	b.connectionStateMap.Remove(packetNumber, func(s connectionStateOnSentPacket) {
		b.totalBytesNeutered += s.size
	})
}

// OnAppLimited marks the connection app-limited: every packet sent from now
// on is flagged, until one sent after this call is acked (spec.md §4.3 edge
// cases).
func (b *BandwidthSampler) OnAppLimited() {
	b.isAppLimited = true
	b.endOfAppLimitedPhase = b.lastSentPacket
}

// RemoveObsoletePackets prunes sampler state for packets the unacked map no
// longer tracks (spec.md §4.1 RemoveObsoletePackets).
func (b *BandwidthSampler) RemoveObsoletePackets(leastUnacked congestion.PacketNumber) {
	b.connectionStateMap.RemoveUpTo(leastUnacked)
}

func (b *BandwidthSampler) chooseA0Point(totalBytesAcked congestion.ByteCount) (ackPoint, bool) {
	if b.a0Candidates.Empty() {
		return ackPoint{}, false
	}
	if b.a0Candidates.Len() == 1 {
		return *b.a0Candidates.Front(), true
	}
	for i := 1; i < b.a0Candidates.Len(); i++ {
		if b.a0Candidates.Offset(i).totalBytesAcked > totalBytesAcked {
			point := *b.a0Candidates.Offset(i - 1)
			for j := 0; j < i-1; j++ {
				b.a0Candidates.PopFront()
			}
			return point, true
		}
	}
	point := *b.a0Candidates.Back()
	for k := 0; k < b.a0Candidates.Len()-1; k++ {
		b.a0Candidates.PopFront()
	}
	return point, true
}

func (b *BandwidthSampler) onPacketAcknowledged(ackTime time.Time, packetNumber congestion.PacketNumber) bandwidthSample {
	sample := newBandwidthSample()
	b.lastAckedPacket = packetNumber

	entry := b.connectionStateMap.GetEntry(packetNumber)
	if entry == nil {
		return *sample
	}

	b.totalBytesAcked += entry.size
	b.totalBytesSentAtLastAckedPacket = entry.sendTimeState.TotalBytesSent
	b.lastAckedPacketSentTime = entry.sentTime
	b.lastAckedPacketAckTime = ackTime
	if b.overestimateAvoidance {
		b.recentAckPoints.Update(ackTime, b.totalBytesAcked)
	}

	if b.isAppLimited {
		if b.endOfAppLimitedPhase == congestion.InvalidPacketNumber || packetNumber > b.endOfAppLimitedPhase {
			b.isAppLimited = false
		}
	}

	if entry.lastAckedPacketSentTime.IsZero() {
		// No packet had been acked yet when this one was sent: no slope
		// to compute (spec.md §4.3 edge case, "first packet after
		// quiescence").
		return *sample
	}

	sendRate := congestion.InfBandwidth
	if entry.sentTime.After(entry.lastAckedPacketSentTime) {
		sendRate = congestion.BandwidthFromDelta(
			entry.sendTimeState.TotalBytesSent-entry.totalBytesSentAtLastAckedPacket,
			entry.sentTime.Sub(entry.lastAckedPacketSentTime))
	}

	var a0 ackPoint
	if !(b.overestimateAvoidance) {
		a0 = ackPoint{ackTime: entry.lastAckedPacketAckTime, totalBytesAcked: entry.sendTimeState.TotalBytesAcked}
	} else if point, ok := b.chooseA0Point(entry.sendTimeState.TotalBytesAcked); ok {
		a0 = point
	} else {
		a0 = ackPoint{ackTime: entry.lastAckedPacketAckTime, totalBytesAcked: entry.sendTimeState.TotalBytesAcked}
	}

	if ackTime.Sub(a0.ackTime) <= 0 {
		// Discarded: treated as the first packet after quiescence
		// (spec.md §4.3 edge cases).
		return *sample
	}

	ackRate := congestion.BandwidthFromDelta(b.totalBytesAcked-a0.totalBytesAcked, ackTime.Sub(a0.ackTime))

	sample.bandwidth = min(sendRate, ackRate)
	sample.rtt = ackTime.Sub(entry.sentTime)
	sample.sendRate = sendRate
	sample.stateAtSend = entry.sendTimeState
	sample.stateAtSend.IsValid = true

	return *sample
}

func (b *BandwidthSampler) onAckEventEnd(bandwidthEstimate congestion.Bandwidth, isNewMaxBandwidth bool, round roundTripCount) congestion.ByteCount {
	newlyAcked := b.totalBytesAcked - b.totalBytesAckedAfterLastAckEvent
	if newlyAcked == 0 {
		return 0
	}
	b.totalBytesAckedAfterLastAckEvent = b.totalBytesAcked
	extraAcked := b.maxAckHeightTracker.Update(bandwidthEstimate, isNewMaxBandwidth, round, b.lastSentPacket, b.lastAckedPacket, b.lastAckedPacketAckTime, newlyAcked)
	if b.overestimateAvoidance && extraAcked == 0 {
		b.a0Candidates.PushBack(*b.recentAckPoints.LessRecentPoint())
	}
	return extraAcked
}
