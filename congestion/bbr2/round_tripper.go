package bbr2

import "github.com/xtls/quic-sender/congestion"

// roundTripCounter advances the round counter when a packet numbered above
// the `last_sent_packet` recorded at the start of the round is acked, the same
// shared helper quiche's bbr2_misc.cc factors out of the mode machine
// (SPEC_FULL.md "SUPPLEMENTED FEATURES" item 3) so STARTUP and PROBE_BW
// don't each reimplement round-boundary detection.
type roundTripCounter struct {
	roundTripCount       roundTripCount
	lastSentPacket       congestion.PacketNumber
	endOfRoundTrip       congestion.PacketNumber
	roundTripCountAtLast roundTripCount
}

func newRoundTripCounter() *roundTripCounter {
	return &roundTripCounter{
		lastSentPacket: congestion.InvalidPacketNumber,
		endOfRoundTrip: congestion.InvalidPacketNumber,
	}
}

func (r *roundTripCounter) OnPacketSent(packetNumber congestion.PacketNumber) {
	r.lastSentPacket = packetNumber
}

// OnPacketsAcked advances the round counter and reports whether a new round
// began with this ack event (i.e. the packet acked is > the last packet that
// had been sent when the current round started; the first call always
// starts a round).
func (r *roundTripCounter) OnPacketsAcked(lastAckedPacket congestion.PacketNumber) (newRound bool) {
	if r.endOfRoundTrip == congestion.InvalidPacketNumber || lastAckedPacket > r.endOfRoundTrip {
		r.roundTripCount++
		r.endOfRoundTrip = r.lastSentPacket
		return true
	}
	return false
}

// RestartRoundEarly restarts the current round as if it began now: the round
// ends once a packet sent after this call is acked. Used when BBR2 needs a
// fresh round mid-flight (e.g. entering PROBE_BW_REFILL).
func (r *roundTripCounter) RestartRoundEarly() {
	r.endOfRoundTrip = r.lastSentPacket
}

func (r *roundTripCounter) Count() roundTripCount { return r.roundTripCount }
