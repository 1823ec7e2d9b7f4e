package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

type noopNotifier struct{}

func (noopNotifier) OnFrameAcked(Frame, time.Duration, time.Time) {}
func (noopNotifier) OnFrameLost(Frame)                            {}
func (noopNotifier) RetransmitFrames([]Frame)                     {}

// TestSpuriousRetransmitAdaptsThreshold implements spec.md §8 Scenario S1
// literally: packets 1..10 sent at t=0 with min_rtt=100ms,
// reordering_threshold=3, reordering_shift=2. Ack{5} at t=120ms declares
// 1 and 2 lost by packet threshold (5-1=4 >= 3, 5-2=3 >= 3). A later
// ack{1,2,3,4,5} at t=200ms reveals the loss was spurious; after
// SpuriousLossDetected fires for 1 and 2, a re-run of the identical trace
// no longer declares them lost.
func TestSpuriousRetransmitAdaptsThreshold(t *testing.T) {
	base := time.Unix(0, 0)
	rs := rttstats.New()
	rs.UpdateRtt(100*time.Millisecond, 0, base)
	require.Equal(t, 100*time.Millisecond, rs.MinRTT())

	buildMapWithTenSent := func() *Map {
		m := NewMap(noopNotifier{})
		for pn := congestion.PacketNumber(1); pn <= 10; pn++ {
			err := m.AddSentPacket(SpaceApplication, &TransmissionInfo{
				PacketNumber: pn,
				SentTime:     base,
				BytesSent:    congestion.InitialPacketSize,
			}, true, true)
			require.NoError(t, err)
		}
		return m
	}

	m := buildMapWithTenSent()
	d := NewDetector(rs)
	d.spaces[SpaceApplication].reorderingThreshold = 3
	d.spaces[SpaceApplication].reorderingShift = 2

	ackTime1 := base.Add(120 * time.Millisecond)
	m.OnPacketAcked(SpaceApplication, 5, 0)
	lost := d.DetectLosses(m, SpaceApplication, ackTime1, 5, []congestion.PacketNumber{5})

	lostNums := map[congestion.PacketNumber]bool{}
	for _, l := range lost {
		lostNums[l.PacketNumber] = true
	}
	require.True(t, lostNums[1], "packet 1 should be declared lost by packet threshold")
	require.True(t, lostNums[2], "packet 2 should be declared lost by packet threshold")

	// Second ack reveals 1 and 2 were spuriously declared lost: they
	// arrive acked at t=200ms, after packet 5's ack established
	// previousLargestAcked=5.
	ackTime2 := base.Add(200 * time.Millisecond)
	thresholdBefore := d.spaces[SpaceApplication].reorderingThreshold
	shiftBefore := d.spaces[SpaceApplication].reorderingShift

	d.SpuriousLossDetected(SpaceApplication, 1, 5, ackTime2, base)
	d.SpuriousLossDetected(SpaceApplication, 2, 5, ackTime2, base)

	thresholdGrew := d.spaces[SpaceApplication].reorderingThreshold > thresholdBefore
	shiftShrank := d.spaces[SpaceApplication].reorderingShift < shiftBefore
	require.True(t, thresholdGrew || shiftShrank, "adaptation must widen the threshold or coarsen the shift")
	require.GreaterOrEqual(t, d.spaces[SpaceApplication].reorderingThreshold, 5, "reordering_threshold must be >= observed gap + 1 (5-1+1=5)")

	// Re-run the identical trace: packets 1 and 2 must no longer be
	// declared lost at t=120ms against ack{5}.
	m2 := buildMapWithTenSent()
	d2 := NewDetector(rttstats.New())
	d2.spaces[SpaceApplication].reorderingThreshold = d.spaces[SpaceApplication].reorderingThreshold
	d2.spaces[SpaceApplication].reorderingShift = d.spaces[SpaceApplication].reorderingShift
	d2.rttStats.UpdateRtt(100*time.Millisecond, 0, base)

	m2.OnPacketAcked(SpaceApplication, 5, 0)
	lost2 := d2.DetectLosses(m2, SpaceApplication, ackTime1, 5, []congestion.PacketNumber{5})
	for _, l := range lost2 {
		require.NotEqual(t, congestion.PacketNumber(1), l.PacketNumber)
		require.NotEqual(t, congestion.PacketNumber(2), l.PacketNumber)
	}
}

// TestRemoveObsoletePacketsPrunesFront sends packets numbered from 0, matching
// spaceState.leastUnacked's zero-based initial value, so the deque has no
// leading nil placeholder for unsent packet numbers; acking 0 and 1 lets
// RemoveObsoletePackets advance LeastUnacked to 2.
func TestRemoveObsoletePacketsPrunesFront(t *testing.T) {
	m := NewMap(noopNotifier{})
	for pn := congestion.PacketNumber(0); pn <= 2; pn++ {
		require.NoError(t, m.AddSentPacket(SpaceApplication, &TransmissionInfo{
			PacketNumber: pn,
			SentTime:     time.Unix(0, 0),
			BytesSent:    congestion.InitialPacketSize,
		}, true, true))
	}
	m.OnPacketAcked(SpaceApplication, 0, 0)
	m.OnPacketAcked(SpaceApplication, 1, 0)
	m.RemoveObsoletePackets(SpaceApplication)
	require.Equal(t, congestion.PacketNumber(2), m.LeastUnacked(SpaceApplication))
}
