package ackhandler

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/internal/qerrors"
)

// AggregableFrame is implemented by stream-data frames that want ack
// aggregation (spec.md §4.1 MaybeAggregateAckedStreamFrame). Frames that
// don't implement it are notified individually. Frame decoding itself is
// out of scope for this module; this interface only exposes the four
// fields needed to decide whether two acked stream frames are contiguous.
type AggregableFrame interface {
	StreamID() int64
	Offset() int64
	Length() int64
	IsFin() bool
}

// Notifier fans out ack/loss/retransmit events to the owning session,
// external to this package per spec.md §1's "OUT OF SCOPE" boundary.
type Notifier interface {
	OnFrameAcked(f Frame, ackDelay time.Duration, sentTime time.Time)
	OnFrameLost(f Frame)
	RetransmitFrames(fs []Frame)
}

type spaceState struct {
	entries      []*TransmissionInfo
	leastUnacked congestion.PacketNumber
	largestSent  congestion.PacketNumber
	largestAcked congestion.PacketNumber

	bytesInFlight        congestion.ByteCount
	lastInFlightSentTime time.Time

	// aggPending holds an in-progress coalesced stream-frame ack
	// (spec.md §4.1 MaybeAggregateAckedStreamFrame).
	aggPending    AggregableFrame
	aggAckDelay   time.Duration
	aggSentTime   time.Time
	aggHasPending bool
}

func newSpaceState() *spaceState {
	return &spaceState{
		leastUnacked: 0,
		largestSent:  congestion.InvalidPacketNumber,
		largestAcked: congestion.InvalidPacketNumber,
	}
}

// Map is the unacked packet map for all three packet-number spaces
// (spec.md §3 "Packet numbers and spaces", §4.1).
type Map struct {
	spaces   [numSpaces]*spaceState
	notifier Notifier
}

func NewMap(notifier Notifier) *Map {
	m := &Map{notifier: notifier}
	for i := range m.spaces {
		m.spaces[i] = newSpaceState()
	}
	return m
}

func (m *Map) space(s Space) *spaceState { return m.spaces[s] }

func (m *Map) BytesInFlight(s Space) congestion.ByteCount { return m.space(s).bytesInFlight }

func (m *Map) LastInFlightSentTime(s Space) time.Time { return m.space(s).lastInFlightSentTime }

func (m *Map) LargestSent(s Space) congestion.PacketNumber { return m.space(s).largestSent }

func (m *Map) LeastUnacked(s Space) congestion.PacketNumber { return m.space(s).leastUnacked }

// GetTransmissionInfo returns the tracked entry for packetNumber in space
// s, or nil if it is not (or no longer) tracked.
func (m *Map) GetTransmissionInfo(s Space, packetNumber congestion.PacketNumber) *TransmissionInfo {
	sp := m.space(s)
	if packetNumber < sp.leastUnacked {
		return nil
	}
	idx := int(packetNumber - sp.leastUnacked)
	if idx >= len(sp.entries) {
		return nil
	}
	return sp.entries[idx]
}

// AddSentPacket extends the deque with a freshly sent packet (spec.md
// §4.1). Ownership of info.RetransmittableFrames transfers to the map.
// Fails fast if packetNumber is not strictly greater than the space's
// previous largest-sent.
func (m *Map) AddSentPacket(s Space, info *TransmissionInfo, setInFlight, measureRTT bool) error {
	sp := m.space(s)
	if sp.largestSent != congestion.InvalidPacketNumber && info.PacketNumber <= sp.largestSent {
		return qerrors.Bug("AddSentPacket: packet number did not increase")
	}
	info.EncryptionLevel = s
	info.InFlight = setInFlight
	if !measureRTT {
		info.State = StateNotContributingRTT
	} else {
		info.State = StateOutstanding
	}

	idx := int(info.PacketNumber - sp.leastUnacked)
	for idx >= len(sp.entries) {
		sp.entries = append(sp.entries, nil)
	}
	sp.entries[idx] = info
	sp.largestSent = info.PacketNumber

	if setInFlight {
		sp.bytesInFlight += info.BytesSent
		sp.lastInFlightSentTime = info.SentTime
	}
	return nil
}

// RemoveFromInFlight clears in-flight accounting for packetNumber,
// updating the space's inflight-byte total and clearing
// lastInFlightSentTime once it reaches zero (spec.md §4.1).
func (m *Map) RemoveFromInFlight(s Space, packetNumber congestion.PacketNumber) {
	sp := m.space(s)
	info := m.GetTransmissionInfo(s, packetNumber)
	if info == nil || !info.InFlight {
		return
	}
	info.InFlight = false
	if info.BytesSent > sp.bytesInFlight {
		sp.bytesInFlight = 0
	} else {
		sp.bytesInFlight -= info.BytesSent
	}
	if sp.bytesInFlight == 0 {
		sp.lastInFlightSentTime = time.Time{}
	}
}

// OnPacketAcked marks packetNumber acked: clears in-flight, updates the
// largest-acked watermark, and fans the carried frames out through
// MaybeAggregateAckedStreamFrame (spec.md §4.1).
func (m *Map) OnPacketAcked(s Space, packetNumber congestion.PacketNumber, ackDelay time.Duration) {
	sp := m.space(s)
	info := m.GetTransmissionInfo(s, packetNumber)
	if info == nil {
		return
	}
	m.RemoveFromInFlight(s, packetNumber)
	info.State = StateAcked
	if packetNumber > sp.largestAcked || sp.largestAcked == congestion.InvalidPacketNumber {
		sp.largestAcked = packetNumber
	}
	for _, f := range info.RetransmittableFrames {
		m.MaybeAggregateAckedStreamFrame(s, f, ackDelay, info.SentTime)
	}
	info.RetransmittableFrames = nil
}

// MaybeAggregateAckedStreamFrame coalesces contiguous acked stream-frame
// ranges for the same stream to reduce session-notifier churn, flushing
// whenever a non-aggregable frame, a different stream, a gap, or a FIN is
// encountered (spec.md §4.1).
func (m *Map) MaybeAggregateAckedStreamFrame(s Space, f Frame, ackDelay time.Duration, sentTime time.Time) {
	sp := m.space(s)
	af, ok := f.(AggregableFrame)
	if !ok {
		m.flushAggregate(s)
		m.notifier.OnFrameAcked(f, ackDelay, sentTime)
		return
	}

	if sp.aggHasPending {
		prev := sp.aggPending
		contiguous := prev.StreamID() == af.StreamID() && prev.Offset()+prev.Length() == af.Offset() && !prev.IsFin()
		if !contiguous {
			m.flushAggregate(s)
		}
	}

	if !sp.aggHasPending {
		sp.aggPending = af
		sp.aggAckDelay = ackDelay
		sp.aggSentTime = sentTime
		sp.aggHasPending = true
	} else {
		sp.aggPending = mergedAggregableFrame{
			streamID: af.StreamID(),
			offset:   sp.aggPending.Offset(),
			length:   sp.aggPending.Length() + af.Length(),
			fin:      af.IsFin(),
		}
	}

	if af.IsFin() {
		m.flushAggregate(s)
	}
}

func (m *Map) flushAggregate(s Space) {
	sp := m.space(s)
	if !sp.aggHasPending {
		return
	}
	m.notifier.OnFrameAcked(sp.aggPending, sp.aggAckDelay, sp.aggSentTime)
	sp.aggPending = nil
	sp.aggHasPending = false
}

// FlushPendingAggregates forces any in-progress stream-frame
// aggregation for every space to be delivered to the notifier, used at
// the end of an ack-processing pass.
func (m *Map) FlushPendingAggregates() {
	for s := range m.spaces {
		m.flushAggregate(Space(s))
	}
}

type mergedAggregableFrame struct {
	streamID int64
	offset   int64
	length   int64
	fin      bool
}

func (f mergedAggregableFrame) StreamID() int64 { return f.streamID }
func (f mergedAggregableFrame) Offset() int64   { return f.offset }
func (f mergedAggregableFrame) Length() int64   { return f.length }
func (f mergedAggregableFrame) IsFin() bool     { return f.fin }

// NeuterUnencryptedPackets marks every INITIAL-space outstanding packet
// NEUTERED, clearing retransmittable frames and in-flight status without
// notifying the congestion controller (spec.md §3 "Neutering an entry").
// Returns the neutered packet numbers.
func (m *Map) NeuterUnencryptedPackets() []congestion.PacketNumber {
	return m.neuterSpace(SpaceInitial)
}

// NeuterHandshakePackets is NeuterUnencryptedPackets for the HANDSHAKE
// space, used once the session advances past the handshake encryption
// level.
func (m *Map) NeuterHandshakePackets() []congestion.PacketNumber {
	return m.neuterSpace(SpaceHandshake)
}

func (m *Map) neuterSpace(s Space) []congestion.PacketNumber {
	sp := m.space(s)
	var neutered []congestion.PacketNumber
	for _, info := range sp.entries {
		if info == nil || info.State == StateNeutered || info.State == StateAcked {
			continue
		}
		if info.InFlight {
			m.RemoveFromInFlight(s, info.PacketNumber)
		}
		info.RetransmittableFrames = nil
		info.State = StateNeutered
		neutered = append(neutered, info.PacketNumber)
	}
	return neutered
}

// RemoveObsoletePackets advances leastUnacked past every front entry
// whose TransmissionInfo.useful() is false (spec.md §4.1).
func (m *Map) RemoveObsoletePackets(s Space) {
	sp := m.space(s)
	for len(sp.entries) > 0 {
		e := sp.entries[0]
		if e != nil && e.useful() {
			break
		}
		sp.entries = sp.entries[1:]
		sp.leastUnacked++
	}
}

// NotifyFramesLost fans a declared-lost packet's retransmittable frames
// out to the notifier and marks the entry LOST (spec.md §4.1).
func (m *Map) NotifyFramesLost(s Space, packetNumber congestion.PacketNumber) {
	info := m.GetTransmissionInfo(s, packetNumber)
	if info == nil {
		return
	}
	info.State = StateLost
	for _, f := range info.RetransmittableFrames {
		m.notifier.OnFrameLost(f)
	}
}

// RetransmitFrames re-queues packetNumber's retransmittable frames with
// the session notifier and clears them from the entry so a later loss
// declaration for the same packet number doesn't double-retransmit.
func (m *Map) RetransmitFrames(s Space, packetNumber congestion.PacketNumber) {
	info := m.GetTransmissionInfo(s, packetNumber)
	if info == nil || len(info.RetransmittableFrames) == 0 {
		return
	}
	m.notifier.RetransmitFrames(info.RetransmittableFrames)
	info.RetransmittableFrames = nil
}
