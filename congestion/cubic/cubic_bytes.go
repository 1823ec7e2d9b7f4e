// Package cubic implements the Cubic-bytes alternative congestion
// controller (spec.md §4.6): TCP-CUBIC cwnd growth and multiplicative
// backoff expressed directly in bytes rather than packet counts, with a
// Reno-friendly estimate racing the cubic curve on every ack.
package cubic

import (
	"math"
	"time"

	"github.com/xtls/quic-sender/congestion"
)

const (
	// cubeScale/cubeCongestionWindowScale keep the cubic-curve math in
	// fixed-point 2^10-fraction-of-a-second units so the update can use a
	// shift instead of a division, the same constants quiche and every
	// quic-go fork in the pack use (original_source/cubic_bytes.cc).
	cubeScale                 = 40
	cubeCongestionWindowScale = 410

	defaultNumConnections = 2

	// beta is the per-flow multiplicative backoff; with numConnections
	// emulated flows the factor applied on loss is (N-1+beta)/N (0.85 at
	// the default N=2), see betaValue.
	beta float64 = 0.7
	// betaLastMax is the extra backoff applied to last_max_congestion_window
	// when the flow never re-reached its previous max before the new loss,
	// giving a competing flow room to grow (spec.md §4.6).
	betaLastMax float64 = 0.85

	maxCubicTimeInterval = 30 * time.Millisecond
)

func cubeFactor() float64 {
	return float64(uint64(1)<<cubeScale) / cubeCongestionWindowScale / float64(congestion.InitialPacketSize)
}

// Bytes implements the cubic-bytes window function from
// original_source/cubic_bytes.cc, operating directly on
// congestion.ByteCount windows instead of a packet count.
type Bytes struct {
	now func() time.Time

	numConnections int

	epoch                time.Time
	appLimitedStartTime  time.Time
	lastUpdateTime       time.Time
	lastCongestionWindow congestion.ByteCount

	lastMaxCongestionWindow congestion.ByteCount
	ackedBytesCount         congestion.ByteCount

	estimatedTCPCongestionWindow congestion.ByteCount
	originPointCongestionWindow  congestion.ByteCount
	timeToOriginPoint            int64
	lastTargetCongestionWindow   congestion.ByteCount
}

// New builds a Bytes cubic estimator; now defaults to time.Now.
func New(now func() time.Time) *Bytes {
	if now == nil {
		now = time.Now
	}
	b := &Bytes{now: now, numConnections: defaultNumConnections}
	b.Reset()
	return b
}

func (b *Bytes) SetNumConnections(n int) {
	if n < 1 {
		n = 1
	}
	b.numConnections = n
}

func (b *Bytes) alpha() float64 {
	bt := b.betaValue()
	return 3 * float64(b.numConnections) * float64(b.numConnections) * (1 - bt) / (1 + bt)
}

func (b *Bytes) betaValue() float64 {
	return (float64(b.numConnections) - 1 + beta) / float64(b.numConnections)
}

func (b *Bytes) betaLastMax() float64 {
	return (float64(b.numConnections) - 1 + betaLastMax) / float64(b.numConnections)
}

// Reset clears all cubic state, used after a retransmission timeout
// (spec.md §4.6 shares this reset with the Reno epoch origin).
func (b *Bytes) Reset() {
	b.epoch = time.Time{}
	b.appLimitedStartTime = time.Time{}
	b.lastUpdateTime = time.Time{}
	b.lastCongestionWindow = 0
	b.lastMaxCongestionWindow = 0
	b.ackedBytesCount = 0
	b.estimatedTCPCongestionWindow = 0
	b.originPointCongestionWindow = 0
	b.timeToOriginPoint = 0
	b.lastTargetCongestionWindow = 0
}

// OnApplicationLimited resets the epoch so quiescence does not artificially
// accelerate cubic growth once the connection resumes sending (spec.md §4.6
// "Application-limited policy").
func (b *Bytes) OnApplicationLimited() {
	b.epoch = time.Time{}
}

// CongestionWindowAfterPacketLoss applies the multiplicative decrease,
// including the BetaLastMax adjustment when the prior max was never
// re-reached.
func (b *Bytes) CongestionWindowAfterPacketLoss(current congestion.ByteCount) congestion.ByteCount {
	if current+congestion.InitialPacketSize < b.lastMaxCongestionWindow {
		b.lastMaxCongestionWindow = congestion.ByteCount(b.betaLastMax() * float64(current))
	} else {
		b.lastMaxCongestionWindow = current
	}
	b.epoch = time.Time{}
	return congestion.ByteCount(float64(current) * b.betaValue())
}

// CongestionWindowAfterAck computes the next cwnd: the larger of the cubic
// target and the Reno-friendly estimate, capped so the increase per call
// never exceeds ackedBytes/2 (spec.md §4.6).
func (b *Bytes) CongestionWindowAfterAck(ackedBytes, current congestion.ByteCount, delayMin time.Duration, eventTime time.Time) congestion.ByteCount {
	b.ackedBytesCount += ackedBytes

	if b.epoch.IsZero() {
		b.epoch = eventTime
		b.ackedBytesCount = ackedBytes
		b.estimatedTCPCongestionWindow = current
		if b.lastMaxCongestionWindow <= current {
			b.timeToOriginPoint = 0
			b.originPointCongestionWindow = current
		} else {
			b.timeToOriginPoint = int64(math.Cbrt(cubeFactor() * float64(b.lastMaxCongestionWindow-current)))
			b.originPointCongestionWindow = b.lastMaxCongestionWindow
		}
	}

	elapsedTime := (eventTime.Add(delayMin).Sub(b.epoch).Microseconds() << 10) / 1_000_000
	offset := b.timeToOriginPoint - elapsedTime
	if offset < 0 {
		offset = -offset
	}

	deltaCongestionWindow := congestion.ByteCount(
		(int64(cubeCongestionWindowScale) * offset * offset * offset * int64(congestion.InitialPacketSize)) >> cubeScale,
	)

	var target congestion.ByteCount
	if elapsedTime > b.timeToOriginPoint {
		target = b.originPointCongestionWindow + deltaCongestionWindow
	} else {
		target = b.originPointCongestionWindow - deltaCongestionWindow
	}

	if cap := current + b.ackedBytesCount/2; target > cap {
		target = cap
	}

	if b.estimatedTCPCongestionWindow > 0 {
		b.estimatedTCPCongestionWindow += congestion.ByteCount(
			float64(b.ackedBytesCount) * (b.alpha() * float64(congestion.InitialPacketSize)) / float64(b.estimatedTCPCongestionWindow),
		)
	}
	b.ackedBytesCount = 0
	b.lastTargetCongestionWindow = target

	if target < b.estimatedTCPCongestionWindow {
		target = b.estimatedTCPCongestionWindow
	}
	return target
}
