// Package rttstats implements smoothed/min/latest RTT tracking with mean
// deviation, grounded on quiche's rtt_stats.cc (see
// _examples/original_source) and adapted into xray-core's struct-with-small-
// methods style (cf. common/signal/timer.go).
package rttstats

import "time"

const (
	rttAlpha     = 0.125
	oneMinusAlpha = 1 - rttAlpha
	rttBeta      = 0.25
	oneMinusBeta = 1 - rttBeta

	// InitialRTT is used before any sample has been taken.
	InitialRTT = 100 * time.Millisecond
)

// Stats holds smoothed/min/latest RTT and mean deviation for one packet
// number space's RTT estimate (spec.md §4.7).
type Stats struct {
	latestRTT      time.Duration
	minRTT         time.Duration
	smoothedRTT    time.Duration
	previousSRTT   time.Duration
	meanDeviation  time.Duration

	// Welford-style accumulator for an optional RTT standard deviation.
	rttVarianceCount int64
	rttVarianceMean  float64
	rttVarianceM2    float64
}

// New returns a Stats with everything zeroed; the first UpdateRtt call
// seeds smoothed_rtt and mean_deviation.
func New() *Stats {
	return &Stats{}
}

// LatestRTT is the most recent sample after ack-delay adjustment.
func (s *Stats) LatestRTT() time.Duration { return s.latestRTT }

// MinRTT is the minimum send_delta ever observed, NOT ack-delay adjusted
// (spec.md §4.7: "does not subtract ack_delay").
func (s *Stats) MinRTT() time.Duration { return s.minRTT }

// SmoothedRTT is the exponentially-weighted moving average RTT estimate.
func (s *Stats) SmoothedRTT() time.Duration { return s.smoothedRTT }

// SmoothedOrInitialRTT returns SmoothedRTT, falling back to InitialRTT before
// the first sample.
func (s *Stats) SmoothedOrInitialRTT() time.Duration {
	if s.smoothedRTT == 0 {
		return InitialRTT
	}
	return s.smoothedRTT
}

// MeanDeviation is the smoothed absolute deviation of rtt samples from
// smoothed_rtt (analogous to TCP's RTTVAR).
func (s *Stats) MeanDeviation() time.Duration { return s.meanDeviation }

// PreviousSRTT is smoothed_rtt as it stood before the most recent update;
// the loss detector's loss_delay computation needs max(previous_srtt,
// latest_rtt) (spec.md §4.2 step 2).
func (s *Stats) PreviousSRTT() time.Duration { return s.previousSRTT }

// UpdateRtt folds in one RTT sample. sendDelta is the measured round trip
// time before any ack-delay correction; ackDelay is the peer-reported delay
// between receiving the packet and sending the ack. Non-positive and
// infinite (maximum time.Duration) sendDelta samples are rejected outright
// (spec.md §4.7).
func (s *Stats) UpdateRtt(sendDelta, ackDelay time.Duration, now time.Time) {
	if sendDelta <= 0 || sendDelta == time.Duration(1<<63-1) {
		return
	}

	if s.minRTT == 0 || sendDelta < s.minRTT {
		s.minRTT = sendDelta
	}

	sample := sendDelta
	// Correct for ack_delay only if doing so would not push the sample
	// below min_rtt; otherwise the ack delay itself would manufacture an
	// impossible sub-min_rtt measurement.
	if ackDelay > 0 && sample-s.minRTT >= ackDelay {
		sample -= ackDelay
	}

	s.latestRTT = sample
	s.previousSRTT = s.smoothedRTT

	if s.smoothedRTT == 0 {
		s.smoothedRTT = sample
		s.meanDeviation = sample / 2
	} else {
		diff := s.meanDeviation
		if sample > s.smoothedRTT {
			diff = sample - s.smoothedRTT
		} else {
			diff = s.smoothedRTT - sample
		}
		s.meanDeviation = time.Duration(oneMinusBeta*float64(s.meanDeviation) + rttBeta*float64(diff))
		s.smoothedRTT = time.Duration(oneMinusAlpha*float64(s.smoothedRTT) + rttAlpha*float64(sample))
	}

	s.updateVariance(sample)
}

// updateVariance feeds the optional Welford accumulator; Variance() exposes
// an unbiased sample variance for diagnostics beyond mean_deviation.
func (s *Stats) updateVariance(sample time.Duration) {
	s.rttVarianceCount++
	delta := float64(sample) - s.rttVarianceMean
	s.rttVarianceMean += delta / float64(s.rttVarianceCount)
	delta2 := float64(sample) - s.rttVarianceMean
	s.rttVarianceM2 += delta * delta2
}

// Variance returns the sample variance of all RTT observations in
// (time.Duration)^2 units; zero until at least two samples exist.
func (s *Stats) Variance() float64 {
	if s.rttVarianceCount < 2 {
		return 0
	}
	return s.rttVarianceM2 / float64(s.rttVarianceCount-1)
}

// ExpireSmoothedMetrics resets smoothed_rtt to the latest sample and raises
// mean_deviation to at least |smoothed_rtt - latest_rtt|, matching quiche's PTO-driven reset (see SPEC_FULL.md
// "SUPPLEMENTED FEATURES" item 5): after a long idle period or a PTO with
// no prior validated sample, the smoothed estimate is no longer trustworthy.
func (s *Stats) ExpireSmoothedMetrics() {
	if s.latestRTT == 0 {
		return
	}
	s.meanDeviation = max(s.meanDeviation, absDuration(s.smoothedRTT-s.latestRTT))
	s.smoothedRTT = s.latestRTT
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
