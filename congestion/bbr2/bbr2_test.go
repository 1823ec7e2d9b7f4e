package bbr2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls/quic-sender/congestion"
)

// TestStartupExitsOnNoGrowth implements spec.md §8 Scenario S2: three
// consecutive rounds whose max bandwidth never exceeds
// full_bandwidth_baseline * 1.25 flip full_bandwidth_reached, which moves
// STARTUP to DRAIN on that same round boundary; the next ack event's round
// boundary then moves DRAIN to PROBE_BW_DOWN.
func TestStartupExitsOnNoGrowth(t *testing.T) {
	base := time.Unix(0, 0)
	s := NewSender(DefaultParams(), func() time.Time { return base })
	require.Equal(t, ModeStartup, s.Mode())

	const mss = congestion.InitialPacketSize
	rtt := 50 * time.Millisecond

	// Establish an initial bandwidth baseline with one strongly growing
	// round so roundsWithoutGrowth has something to fail to beat.
	pn := congestion.PacketNumber(0)
	send := func(now time.Time, n int, bytesInFlight congestion.ByteCount) []congestion.PacketNumber {
		var sent []congestion.PacketNumber
		inFlight := bytesInFlight
		for i := 0; i < n; i++ {
			s.OnPacketSent(now, inFlight, pn, mss, true)
			sent = append(sent, pn)
			pn++
			inFlight += mss
		}
		return sent
	}

	ackAll := func(sentAt, ackAt time.Time, sent []congestion.PacketNumber, priorInFlight congestion.ByteCount) {
		var acked []congestion.AckedPacketInfo
		for _, p := range sent {
			acked = append(acked, congestion.AckedPacketInfo{PacketNumber: p, BytesAcked: mss, ReceivedTime: ackAt})
		}
		s.OnCongestionEvent(priorInFlight, ackAt, acked, nil)
	}

	// Round 0: baseline growth round.
	t0 := base
	sent0 := send(t0, 10, 0)
	ackAll(t0, t0.Add(rtt), sent0, 10*mss)
	require.Equal(t, ModeStartup, s.Mode())
	baseline := s.bandwidthEstimate()
	require.Greater(t, int64(baseline), int64(0))

	// Rounds 1..3: same bandwidth each time (no growth beyond 1.25x).
	now := t0.Add(rtt)
	for i := 0; i < 3; i++ {
		sentAt := now
		sent := send(sentAt, 10, 10*mss)
		ackAt := sentAt.Add(rtt)
		ackAll(sentAt, ackAt, sent, 10*mss)
		now = ackAt
	}

	require.True(t, s.fullBandwidthReached, "full bandwidth should be declared reached after 3 no-growth rounds")
	require.Equal(t, ModeDrain, s.Mode(), "reaching full bandwidth moves STARTUP -> DRAIN on the same round boundary")

	// The next ack event (a fresh round boundary) moves DRAIN ->
	// PROBE_BW_DOWN: DRAIN exits once bytes_in_flight has drained to the
	// BDP estimate, which it has here (10 packets in flight against a
	// 10-packet BDP).
	sentAt := now
	sent := send(sentAt, 2, 10*mss)
	ackAt := sentAt.Add(rtt)
	s.OnCongestionEvent(10*mss, ackAt, []congestion.AckedPacketInfo{
		{PacketNumber: sent[0], BytesAcked: mss, ReceivedTime: ackAt},
		{PacketNumber: sent[1], BytesAcked: mss, ReceivedTime: ackAt},
	}, nil)

	require.Equal(t, ModeProbeBwDown, s.Mode(), "mode must move DRAIN -> PROBE_BW_DOWN on the next ack event")
}

func TestPacingRateNeverDecreasesBeforeFullBandwidth(t *testing.T) {
	base := time.Unix(0, 0)
	s := NewSender(DefaultParams(), func() time.Time { return base })

	const mss = congestion.InitialPacketSize
	rtt := 40 * time.Millisecond

	pn := congestion.PacketNumber(0)
	now := base
	var lastRate congestion.Bandwidth
	for i := 0; i < 5 && !s.fullBandwidthReached; i++ {
		var sent []congestion.PacketNumber
		for j := 0; j < 10; j++ {
			s.OnPacketSent(now, congestion.ByteCount(j)*mss, pn, mss, true)
			sent = append(sent, pn)
			pn++
		}
		ackAt := now.Add(rtt)
		var acked []congestion.AckedPacketInfo
		for _, p := range sent {
			acked = append(acked, congestion.AckedPacketInfo{PacketNumber: p, BytesAcked: mss, ReceivedTime: ackAt})
		}
		s.OnCongestionEvent(10*mss, ackAt, acked, nil)
		require.GreaterOrEqual(t, int64(s.pacingRateCache), int64(lastRate))
		lastRate = s.pacingRateCache
		now = ackAt
	}
}
