package cubic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

func TestSlowStartGrowsByOneMSSPerAck(t *testing.T) {
	rs := rttstats.New()
	rs.UpdateRtt(50*time.Millisecond, 0, time.Unix(0, 0))
	s := NewSender(DefaultParams(), rs, func() time.Time { return time.Unix(1, 0) })
	require.True(t, s.InSlowStart())

	before := s.GetCongestionWindow()
	s.OnCongestionEvent(before, time.Unix(1, 0), []congestion.AckedPacketInfo{
		{PacketNumber: 1, BytesAcked: congestion.InitialPacketSize, ReceivedTime: time.Unix(1, 0)},
	}, nil)
	require.Equal(t, before+congestion.InitialPacketSize, s.GetCongestionWindow())
}

func TestLossAppliesCubicBeta(t *testing.T) {
	rs := rttstats.New()
	rs.UpdateRtt(50*time.Millisecond, 0, time.Unix(0, 0))
	s := NewSender(DefaultParams(), rs, func() time.Time { return time.Unix(1, 0) })
	s.congestionWindow = 100 * congestion.InitialPacketSize
	s.largestSentPacketNumber = 50
	// Packet 9 was acked before the loss is reported; recovery is tracked
	// against the largest acked packet.
	s.largestAckedPacketNumber = 9

	before := s.congestionWindow
	s.OnCongestionEvent(before, time.Unix(1, 0), nil, []congestion.LostPacketInfo{
		{PacketNumber: 10, BytesLost: congestion.InitialPacketSize},
	})
	require.Less(t, int64(s.congestionWindow), int64(before))
	require.GreaterOrEqual(t, int64(s.congestionWindow), int64(s.minCongestionWindow))
	require.True(t, s.InRecovery())
}

func TestRetransmissionTimeoutResetsToMinimum(t *testing.T) {
	rs := rttstats.New()
	s := NewSender(DefaultParams(), rs, func() time.Time { return time.Unix(1, 0) })
	s.congestionWindow = 50 * congestion.InitialPacketSize

	s.OnRetransmissionTimeout(true)
	require.Equal(t, s.minCongestionWindow, s.congestionWindow)
}
