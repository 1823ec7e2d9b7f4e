package rttstats

import (
	"testing"
	"time"
)

func TestUpdateRttFirstSample(t *testing.T) {
	s := New()
	s.UpdateRtt(100*time.Millisecond, 0, time.Now())

	if s.SmoothedRTT() != 100*time.Millisecond {
		t.Fatalf("smoothed rtt = %v, want 100ms", s.SmoothedRTT())
	}
	if s.MeanDeviation() != 50*time.Millisecond {
		t.Fatalf("mean deviation = %v, want 50ms", s.MeanDeviation())
	}
	if s.MinRTT() != 100*time.Millisecond {
		t.Fatalf("min rtt = %v, want 100ms", s.MinRTT())
	}
}

func TestUpdateRttRejectsNonPositive(t *testing.T) {
	s := New()
	s.UpdateRtt(100*time.Millisecond, 0, time.Now())
	s.UpdateRtt(0, 0, time.Now())
	s.UpdateRtt(-5*time.Millisecond, 0, time.Now())

	if s.SmoothedRTT() != 100*time.Millisecond {
		t.Fatalf("smoothed rtt changed by an invalid sample: %v", s.SmoothedRTT())
	}
}

func TestUpdateRttAckDelayNeverPushesBelowMinRtt(t *testing.T) {
	s := New()
	s.UpdateRtt(100*time.Millisecond, 0, time.Now())
	// ack_delay larger than (sendDelta - minRTT) must not be subtracted.
	s.UpdateRtt(100*time.Millisecond, 50*time.Millisecond, time.Now())

	if s.LatestRTT() < s.MinRTT() {
		t.Fatalf("invariant violated: latest_rtt %v < min_rtt %v", s.LatestRTT(), s.MinRTT())
	}
}

func TestUpdateRttAckDelaySubtractedWhenSafe(t *testing.T) {
	s := New()
	s.UpdateRtt(100*time.Millisecond, 0, time.Now())
	s.UpdateRtt(150*time.Millisecond, 20*time.Millisecond, time.Now())

	if s.LatestRTT() != 130*time.Millisecond {
		t.Fatalf("latest rtt = %v, want 130ms", s.LatestRTT())
	}
}

func TestMinRttNotAckDelayAdjusted(t *testing.T) {
	s := New()
	s.UpdateRtt(50*time.Millisecond, 40*time.Millisecond, time.Now())
	if s.MinRTT() != 50*time.Millisecond {
		t.Fatalf("min_rtt must record raw send_delta, got %v", s.MinRTT())
	}
}

func TestExpireSmoothedMetrics(t *testing.T) {
	s := New()
	s.UpdateRtt(100*time.Millisecond, 0, time.Now())
	s.UpdateRtt(300*time.Millisecond, 0, time.Now())
	before := s.SmoothedRTT()
	s.ExpireSmoothedMetrics()
	if s.SmoothedRTT() == before {
		t.Fatalf("expected smoothed rtt to reset to latest sample")
	}
	if s.SmoothedRTT() != s.LatestRTT() {
		t.Fatalf("smoothed rtt = %v, want latest rtt %v", s.SmoothedRTT(), s.LatestRTT())
	}
}
