package pacing

import (
	"testing"
	"time"

	"github.com/xtls/quic-sender/congestion"
)

// fakeSender is a fixed-rate, fixed-cwnd stand-in for a real congestion
// controller, enough to drive the pacer deterministically.
type fakeSender struct {
	cwnd congestion.ByteCount
	rate congestion.Bandwidth
}

func (f *fakeSender) OnPacketSent(time.Time, congestion.ByteCount, congestion.PacketNumber, congestion.ByteCount, bool) {
}
func (f *fakeSender) CanSend(bytesInFlight congestion.ByteCount) bool { return bytesInFlight < f.cwnd }
func (f *fakeSender) OnCongestionEvent(congestion.ByteCount, time.Time, []congestion.AckedPacketInfo, []congestion.LostPacketInfo) {
}
func (f *fakeSender) OnRetransmissionTimeout(bool)                       {}
func (f *fakeSender) PacingRate(congestion.ByteCount) congestion.Bandwidth { return f.rate }
func (f *fakeSender) GetCongestionWindow() congestion.ByteCount            { return f.cwnd }
func (f *fakeSender) InSlowStart() bool                                    { return true }
func (f *fakeSender) InRecovery() bool                                     { return false }
func (f *fakeSender) SetMaxDatagramSize(congestion.ByteCount)              {}
func (f *fakeSender) OnAppLimited()                                        {}
func (f *fakeSender) GetDebugState() congestion.DebugState                 { return congestion.DebugState{} }

// TestPacingBurstThenShape implements spec.md §8 S5: cwnd=100*MSS,
// bandwidth=10Mbps, initial burst=10. The first 10 back-to-back sends return
// TimeUntilSend=0; the 11th is paced by the bandwidth-derived transfer time.
func TestPacingBurstThenShape(t *testing.T) {
	sender := &fakeSender{cwnd: 100 * congestion.InitialPacketSize, rate: 10_000_000}
	p := New(sender, 10*congestion.InitialPacketSize)

	now := time.Now()
	var bytesInFlight congestion.ByteCount

	for i := 0; i < 10; i++ {
		if d := p.TimeUntilSend(now, bytesInFlight); d != 0 {
			t.Fatalf("packet %d: TimeUntilSend = %v, want 0 (burst token available)", i+1, d)
		}
		p.OnPacketSent(now, bytesInFlight, congestion.PacketNumber(i), congestion.InitialPacketSize, true)
		bytesInFlight += congestion.InitialPacketSize
	}

	// 11th packet: tokens exhausted, pacing kicks in.
	d := p.TimeUntilSend(now, bytesInFlight)
	want := sender.rate.TransferTime(congestion.InitialPacketSize)
	if d <= 0 {
		t.Fatalf("packet 11: TimeUntilSend = %v, want > 0 once tokens are exhausted", d)
	}
	// Allow AlarmGranularity slack either side, per spec.md §8 S5.
	diff := d - want
	if diff < 0 {
		diff = -diff
	}
	if diff > AlarmGranularity {
		t.Fatalf("packet 11: TimeUntilSend = %v, want ~%v (+/- %v)", d, want, AlarmGranularity)
	}
	if !p.PacingLimited() {
		t.Fatalf("expected PacingLimited after burst exhaustion")
	}
}

func TestPacingReplenishesOnIdle(t *testing.T) {
	sender := &fakeSender{cwnd: 100 * congestion.InitialPacketSize, rate: 10_000_000}
	p := New(sender, 10*congestion.InitialPacketSize)
	now := time.Now()

	for i := 0; i < 12; i++ {
		p.OnPacketSent(now, congestion.InitialPacketSize, congestion.PacketNumber(i), congestion.InitialPacketSize, true)
	}
	if p.burstTokens != 0 || p.lumpyTokens != 0 {
		t.Fatalf("expected tokens exhausted after 12 sends with inflight > 0")
	}

	// Path goes idle: TimeUntilSend reports 0 at bytes_in_flight == 0, and
	// the next send at bytes_in_flight == 0 replenishes the burst (10 tokens,
	// one consumed by that send).
	if d := p.TimeUntilSend(now, 0); d != 0 {
		t.Fatalf("TimeUntilSend with bytesInFlight=0 = %v, want 0", d)
	}
	p.OnPacketSent(now, 0, 12, congestion.InitialPacketSize, true)
	if p.burstTokens != 9 {
		t.Fatalf("burstTokens after idle send = %d, want 9", p.burstTokens)
	}
}

func TestPacingMonotonicity(t *testing.T) {
	sender := &fakeSender{cwnd: 100 * congestion.InitialPacketSize, rate: 1_000_000}
	p := New(sender, 10*congestion.InitialPacketSize)
	now := time.Now()
	var bytesInFlight congestion.ByteCount

	for i := 0; i < 10; i++ {
		p.OnPacketSent(now, bytesInFlight, congestion.PacketNumber(i), congestion.InitialPacketSize, true)
		bytesInFlight += congestion.InitialPacketSize
	}
	prev := p.idealNextPacketSendTime
	p.OnPacketSent(now, bytesInFlight, 10, congestion.InitialPacketSize, true)
	if p.idealNextPacketSendTime.Before(prev) {
		t.Fatalf("ideal_next_packet_send_time moved backwards: %v -> %v", prev, p.idealNextPacketSendTime)
	}
}
