package bbr2

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
)

// Params is the typed configuration record spec.md's Design Notes calls for
// in place of quiche's runtime-reloadable flags: "A faithful
// re-implementation must expose these as a typed Params record passed at
// construction, with documented defaults matching the current production
// flag values." Flags flipped after construction never retroactively alter
// a connection (same note).
type Params struct {
	// StartupGain is pacing_gain = cwnd_gain during STARTUP (spec.md §4.4).
	StartupGain float64
	// DrainGain is pacing_gain during DRAIN; cwnd_gain is unchanged from
	// STARTUP.
	DrainGain float64

	// ProbeBwDownPacingGain/UpPacingGain are the DOWN/UP phase gains of the
	// PROBE_BW cycle; CRUISE and REFILL always use 1.0.
	ProbeBwDownPacingGain float64
	ProbeBwUpPacingGain   float64
	ProbeBwCwndGain       float64

	// ProbeRttPacingGain/CwndGain: spec.md §9 notes cwnd_gain for PROBE_RTT
	// is left implicit in the source; this re-implementation sets it to 0.5
	// explicitly (the open question's resolution — see DESIGN.md).
	ProbeRttPacingGain float64
	ProbeRttCwndGain   float64

	// StartupFullBandwidthThreshold: STARTUP is considered to have reached
	// full bandwidth once three consecutive rounds fail to grow
	// max_bandwidth by this factor (default 1.25, spec.md §4.4).
	StartupFullBandwidthThreshold float64
	// StartupFullBandwidthRounds: number of no-growth rounds required to
	// exit STARTUP (default 3).
	StartupFullBandwidthRounds int
	// StartupFullLossCount: number of loss events within one round that
	// forces an early STARTUP exit regardless of bandwidth growth.
	StartupFullLossCount int
	// LossThreshold: fraction of a round's bytes-in-flight that must be
	// lost for a loss event to count toward StartupFullLossCount, and for
	// PROBE_BW_UP's ADAPTED_PROBED_TOO_HIGH exit (default 2%).
	LossThreshold float64

	// ProbeRttPeriod: if min_rtt hasn't been refreshed in this long, BBR2
	// enters PROBE_RTT (default 10s).
	ProbeRttPeriod time.Duration
	// ProbeRttDuration: how long PROBE_RTT holds inflight at the minimum
	// cwnd once bytes_in_flight has drained to target (default 200ms).
	ProbeRttDuration time.Duration

	// ProbeBwProbeWaitRounds: rounds spent in DOWN/CRUISE before REFILL is
	// forced, absent an earlier queue-drained transition (default 2).
	ProbeBwProbeWaitRounds int

	// ProbeUpBytes: base step of inflight_hi growth in PROBE_BW_UP.
	// inflight_hi grows once per round boundary spent in UP, by
	// ProbeUpBytes * 2^r in the r-th such round for r <= 30 and by
	// ProbeUpBytes after that; the growth does not depend on how many bytes
	// were acked (default 1 MSS-ish step).
	ProbeUpBytes congestion.ByteCount

	// MinCongestionWindow/MaxCongestionWindow bound cwnd across all modes.
	MinCongestionWindow congestion.ByteCount
	MaxCongestionWindow congestion.ByteCount

	// BandwidthLoBeta: factor bandwidth_lo and inflight_lo are multiplied by
	// on loss (default 0.7, a 0.3 reduction matching TCP-friendly backoff).
	// It is applied once per OnCongestionEvent call that reports any lost
	// packet; there is no end-of-round or per-packet variant.
	BandwidthLoBeta float64

	// MaxAckHeightWindowRounds: the bandwidth sampler's ack-aggregation
	// window, ~10 round trips (spec.md §3 BBR2 model state).
	MaxAckHeightWindowRounds roundTripCount

	// OverestimateAvoidance enables connection option BSAO (spec.md §6).
	OverestimateAvoidance bool

	// FlexibleAppLimited enables connection option BBR9: app-limited
	// bandwidth samples are no longer discarded from the max filter.
	FlexibleAppLimited bool
}

// DefaultParams returns the production defaults quiche ships with BBRv2,
// as named throughout spec.md §4.4.
func DefaultParams() Params {
	return Params{
		StartupGain:                   2.885,
		DrainGain:                     1 / 2.885,
		ProbeBwDownPacingGain:         0.75,
		ProbeBwUpPacingGain:           1.25,
		ProbeBwCwndGain:               2.0,
		ProbeRttPacingGain:            1.0,
		ProbeRttCwndGain:              0.5,
		StartupFullBandwidthThreshold: 1.25,
		StartupFullBandwidthRounds:    3,
		StartupFullLossCount:          8,
		LossThreshold:                 0.02,
		ProbeRttPeriod:                10 * time.Second,
		ProbeRttDuration:              200 * time.Millisecond,
		ProbeBwProbeWaitRounds:        2,
		ProbeUpBytes:                  congestion.InitialPacketSize,
		MinCongestionWindow:           4 * congestion.InitialPacketSize,
		MaxCongestionWindow:           congestion.ByteCount(10_000_000),
		BandwidthLoBeta:               0.7,
		MaxAckHeightWindowRounds:      10,
	}
}
