// Package congestion defines the vocabulary types shared by every
// congestion-control and pacing package in this module (ByteCount,
// PacketNumber, Bandwidth), and the Sender interface that lets a session pick
// BBRv2, Cubic, or a future algorithm at connection creation time.
//
// The vocabulary mirrors github.com/apernet/quic-go/congestion, the package
// xray-core's proxy/hysteria2/hycore vendor tree already imports for its BBR
// bandwidth sampler and pacer (see SPEC_FULL.md "DOMAIN STACK"). Declaring
// the types locally, rather than importing them, keeps this core buildable
// standalone; congestion/quicgo.go is the thin adapter that bridges to a
// real *quic.Conn via SetCongestionControl the way hycore's utils.go does.
package congestion

import "time"

// ByteCount counts bytes of QUIC payload, matching congestion.ByteCount's
// role throughout the bandwidth sampler and pacer.
type ByteCount int64

// PacketNumber is a 62-bit monotonically increasing identifier within a
// packet number space (spec.md §3).
type PacketNumber int64

// InvalidPacketNumber marks "no packet", e.g. an unset largest-acked.
const InvalidPacketNumber PacketNumber = -1

// Bandwidth is in bits per second, matching Bandwidth's role in the bandwidth
// sampler (BandwidthFromDelta, bytesFromBandwidthAndTimeDelta).
type Bandwidth int64

const InfBandwidth Bandwidth = 1<<63 - 1

// BandwidthFromDelta computes a rate from a byte delta over a time delta.
func BandwidthFromDelta(bytes ByteCount, delta time.Duration) Bandwidth {
	if delta <= 0 {
		return InfBandwidth
	}
	return Bandwidth(bytes) * Bandwidth(time.Second) * 8 / Bandwidth(delta)
}

// BytesFromBandwidthAndTimeDelta is the inverse of BandwidthFromDelta.
func BytesFromBandwidthAndTimeDelta(bw Bandwidth, delta time.Duration) ByteCount {
	return ByteCount(bw) * ByteCount(delta) / (ByteCount(time.Second) * 8)
}

// TransferTime is how long it takes to send size bytes at this bandwidth.
func (b Bandwidth) TransferTime(size ByteCount) time.Duration {
	if b == 0 {
		return time.Duration(InfBandwidth)
	}
	return time.Duration(int64(size) * 8 * int64(time.Second) / int64(b))
}

const (
	// InitialPacketSize is the default congestion-controlled packet size
	// before path MTU discovery settles (matches hycore pacer.go's use of
	// congestion.InitialPacketSize).
	InitialPacketSize ByteCount = 1252

	// MinPacingDelay floors the pacer's inter-packet gap so a fast path
	// doesn't spin the timer wheel (matches hycore pacer.go's
	// congestion.MinPacingDelay).
	MinPacingDelay = 1 * time.Millisecond

	// MaxDatagramSize is the default UDP datagram budget used when no path
	// MTU information is available yet.
	MaxDatagramSize ByteCount = 1452

	// MinCongestionWindowPackets is the floor packet count for any
	// algorithm's congestion window, matching common TCP/QUIC practice.
	MinCongestionWindowPackets = 4
)

// AckedPacketInfo is what the unacked packet map reports to the bandwidth
// sampler and congestion controller for each newly-acked packet in one
// OnCongestionEvent call.
type AckedPacketInfo struct {
	PacketNumber     PacketNumber
	BytesAcked       ByteCount
	ReceivedTime     time.Time
}

// LostPacketInfo is the lost-packet counterpart of AckedPacketInfo.
type LostPacketInfo struct {
	PacketNumber PacketNumber
	BytesLost    ByteCount
}

// SendTimeState is the subset of per-packet bookkeeping returned to the
// congestion controller when a packet is acked or lost (spec.md §3
// BandwidthSample state).
type SendTimeState struct {
	IsValid         bool
	IsAppLimited    bool
	TotalBytesSent  ByteCount
	TotalBytesAcked ByteCount
	TotalBytesLost  ByteCount
	BytesInFlight   ByteCount
}

// CongestionEventSample is what the bandwidth sampler hands the congestion
// controller for one OnCongestionEvent call (spec.md §4.3).
type CongestionEventSample struct {
	SampleMaxBandwidth  Bandwidth
	SampleIsAppLimited  bool
	SampleRTT           time.Duration
	SampleMaxInflight   ByteCount
	ExtraAcked          ByteCount
	LastPacketSendState SendTimeState
}

// DebugState is a snapshot of a Sender's internals for tests and tracing,
// matching the role of quic-go's SendAlgorithmWithDebugInfos.GetDebugState.
type DebugState struct {
	Mode               string
	CongestionWindow   ByteCount
	PacingRate         Bandwidth
	BandwidthEstimate  Bandwidth
	MinRTT             time.Duration
	RoundTripCount     uint64
}

// Sender is the tagged-interface every congestion controller (BBRv2, Cubic,
// Reno) implements. Selected once at connection creation (spec.md §9
// "Polymorphism"); no runtime reflection or algorithm hot-swap mid-connection.
type Sender interface {
	// OnPacketSent records a newly sent packet's accounting. isRetransmittable
	// is false for pure ACK/padding packets that don't occupy the window.
	OnPacketSent(sentTime time.Time, bytesInFlight ByteCount, packetNumber PacketNumber, bytes ByteCount, isRetransmittable bool)

	// CanSend reports whether the controller currently allows sending
	// another packet given bytesInFlight.
	CanSend(bytesInFlight ByteCount) bool

	// OnCongestionEvent delivers one bundled ack/loss observation.
	// priorInFlight is bytes in flight immediately before this event.
	OnCongestionEvent(priorInFlight ByteCount, eventTime time.Time, ackedPackets []AckedPacketInfo, lostPackets []LostPacketInfo)

	// OnRetransmissionTimeout notifies the controller that a PTO fired.
	OnRetransmissionTimeout(packetsRetransmitted bool)

	// PacingRate is the rate at which the pacer should space packets.
	PacingRate(bytesInFlight ByteCount) Bandwidth

	// GetCongestionWindow returns the current cwnd in bytes.
	GetCongestionWindow() ByteCount

	// InSlowStart / InRecovery classify the controller's phase for tracing
	// and for tests (spec.md §8 S2's STARTUP/DRAIN expectations).
	InSlowStart() bool
	InRecovery() bool

	// SetMaxDatagramSize propagates a path-MTU change.
	SetMaxDatagramSize(ByteCount)

	// OnAppLimited marks the connection as having no more data to send.
	OnAppLimited()

	GetDebugState() DebugState
}
