// Package pacing wraps a congestion.Sender with inter-packet spacing and
// burst/lumpy tokens, adapted from
// proxy/hysteria2/hycore/v2/internal/congestion/common/pacer.go's
// token-bucket Pacer, generalized to the explicit burst_tokens/lumpy_tokens
// model spec.md §4.5 specifies instead of the teacher's continuous byte
// budget.
package pacing

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
)

const (
	// InitialBurstTokens is the burst allowance replenished whenever
	// bytes_in_flight returns to zero outside recovery (spec.md §4.5).
	InitialBurstTokens = 10

	// DefaultLumpyTokens lets the pacer send a short burst within one pacing
	// interval; forced to 1 below lowBandwidthLumpyThreshold.
	DefaultLumpyTokens = 2

	// lowBandwidthLumpyThreshold is 1.2 Mbps, the point below which lumpy
	// bursts are disabled to avoid self-inflicted queueing on slow paths.
	lowBandwidthLumpyThreshold congestion.Bandwidth = 1_200_000

	// AlarmGranularity is the minimum meaningful timer resolution; delays
	// shorter than this collapse to "send now".
	AlarmGranularity = 1 * time.Millisecond
)

// Pacer shapes a Sender's output into paced packets with burst allowance,
// matching spec.md §4.5's state: burst_tokens, ideal_next_packet_send_time,
// lumpy_tokens, pacing_limited.
type Pacer struct {
	sender congestion.Sender

	burstTokens             int
	lumpyTokens             int
	idealNextPacketSendTime time.Time
	pacingLimited           bool

	initialBurstSize congestion.ByteCount
	maxDatagramSize  congestion.ByteCount
}

// New wraps sender with a pacer whose burst replenishment is capped at
// min(initialBurstSize, cwnd/MSS) packets, per spec.md §4.5. lumpy_tokens_
// starts at 0, matching pacing_sender.cc's constructor: it is only ever
// populated lazily, the first time the post-burst pacing branch runs.
func New(sender congestion.Sender, initialBurstSize congestion.ByteCount) *Pacer {
	return &Pacer{
		sender:           sender,
		burstTokens:      InitialBurstTokens,
		initialBurstSize: initialBurstSize,
		maxDatagramSize:  congestion.InitialPacketSize,
	}
}

// OnPacketSent replenishes burst tokens when the path just went idle and not
// in recovery, consumes one token per send while any remain, and otherwise
// advances ideal_next_packet_send_time by the pacing-rate transfer time for
// this packet (spec.md §4.5 "On send").
func (p *Pacer) OnPacketSent(now time.Time, bytesInFlight congestion.ByteCount, packetNumber congestion.PacketNumber, size congestion.ByteCount, isRetransmittable bool) {
	if bytesInFlight == 0 && !p.sender.InRecovery() {
		p.replenishBurst()
	}

	if p.burstTokens > 0 {
		p.burstTokens--
	} else {
		rate := p.sender.PacingRate(bytesInFlight + size)
		delay := rate.TransferTime(size)
		if !p.pacingLimited || p.lumpyTokens == 0 {
			p.replenishLumpy()
		}
		p.lumpyTokens--
		if p.pacingLimited {
			// Make up for lost time since pacing throttles the sending.
			p.idealNextPacketSendTime = p.idealNextPacketSendTime.Add(delay)
		} else {
			sentPlusDelay := now.Add(delay)
			if next := p.idealNextPacketSendTime.Add(delay); next.After(sentPlusDelay) {
				p.idealNextPacketSendTime = next
			} else {
				p.idealNextPacketSendTime = sentPlusDelay
			}
		}
		p.pacingLimited = p.sender.CanSend(bytesInFlight + size)
	}

	p.sender.OnPacketSent(now, bytesInFlight, packetNumber, size, isRetransmittable)
}

func (p *Pacer) replenishBurst() {
	maxByCwnd := int(p.sender.GetCongestionWindow() / p.maxDatagramSize)
	burst := int(p.initialBurstSize / p.maxDatagramSize)
	if maxByCwnd < burst {
		burst = maxByCwnd
	}
	if burst < 1 {
		burst = 1
	}
	p.burstTokens = burst
}

// replenishLumpy refills lumpy_tokens_, forced down to 1 below
// lowBandwidthLumpyThreshold to avoid self-inflicted queueing on slow paths
// (spec.md §4.5).
func (p *Pacer) replenishLumpy() {
	bw := p.sender.PacingRate(0)
	if bw == 0 || bw >= lowBandwidthLumpyThreshold {
		p.lumpyTokens = DefaultLumpyTokens
	} else {
		p.lumpyTokens = 1
	}
}

// TimeUntilSend returns zero if the sender can't send at all, zero if a
// burst/lumpy token is available or bytes_in_flight is zero, else
// max(0, ideal_next_packet_send_time - now) floored by AlarmGranularity
// (spec.md §4.5 "TimeUntilSend"). The very first query after burst/lumpy
// tokens run dry, before any packet has actually paid the pacing delay via
// OnPacketSent, projects that delay fresh off the current pacing rate
// instead of comparing against a never-established ideal_next_packet_send_time
// (spec.md §8 Scenario S5: packet 11 is paced on the first ask, not the
// second).
func (p *Pacer) TimeUntilSend(now time.Time, bytesInFlight congestion.ByteCount) time.Duration {
	if !p.sender.CanSend(bytesInFlight) {
		return 0
	}
	if p.burstTokens > 0 || p.lumpyTokens > 0 || bytesInFlight == 0 {
		p.pacingLimited = false
		return 0
	}
	p.pacingLimited = true
	var d time.Duration
	if p.idealNextPacketSendTime.IsZero() {
		d = p.sender.PacingRate(bytesInFlight).TransferTime(p.maxDatagramSize)
	} else if !p.idealNextPacketSendTime.After(now) {
		return 0
	} else {
		d = p.idealNextPacketSendTime.Sub(now)
	}
	if d < AlarmGranularity {
		return 0
	}
	return d
}

// PacingLimited reports the pacer's pacing_limited flag: TimeUntilSend sets
// it when cwnd allows sending but no burst/lumpy token is left and bytes are
// in flight, and a paced OnPacketSent sets it to whether the sender could
// still send after that packet.
func (p *Pacer) PacingLimited() bool { return p.pacingLimited }

func (p *Pacer) SetMaxDatagramSize(s congestion.ByteCount) {
	p.maxDatagramSize = s
	p.sender.SetMaxDatagramSize(s)
}

// Sender exposes the wrapped congestion.Sender so a session can still query
// cwnd, pacing rate, or debug state directly.
func (p *Pacer) Sender() congestion.Sender { return p.sender }
