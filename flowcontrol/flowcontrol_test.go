package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

type recordingNotifier struct {
	windowUpdates []congestion.ByteCount
	blocked       []congestion.ByteCount
}

func (n *recordingNotifier) SendWindowUpdate(newOffset congestion.ByteCount) {
	n.windowUpdates = append(n.windowUpdates, newOffset)
}

func (n *recordingNotifier) SendBlocked(sentOffset congestion.ByteCount) {
	n.blocked = append(n.blocked, sentOffset)
}

// TestAutoTuneDoublesWindowOnFastUpdates implements spec.md §8 Scenario S4
// literally: initial receive_window_size=64KB, limit=1MB, smoothed_rtt=50ms.
// Two window updates at t=30ms and t=60ms (both well within 2*RTT=100ms of
// each other) must double the stream window once to 128KB, and the
// connection-level controller must grow to at least 1.5x that.
func TestAutoTuneDoublesWindowOnFastUpdates(t *testing.T) {
	base := time.Unix(0, 0)
	now := base
	clock := func() time.Time { return now }

	rs := rttstats.New()
	rs.UpdateRtt(50*time.Millisecond, 0, base)
	require.Equal(t, 50*time.Millisecond, rs.SmoothedRTT())

	connNotifier := &recordingNotifier{}
	conn := NewControllerWithClock(Params{
		ReceiveWindowSize:      64 * 1024,
		ReceiveWindowSizeLimit: 1024 * 1024,
		AutoTuneReceiveWindow:  true,
	}, rs, connNotifier, nil, clock)

	streamNotifier := &recordingNotifier{}
	stream := NewControllerWithClock(DefaultParams(), rs, streamNotifier, conn, clock)
	require.Equal(t, congestion.ByteCount(64*1024), stream.ReceiveWindowSize())

	// Consume past the half-window threshold to trigger the first window
	// update at t=30ms. This establishes prev_window_update_time but does
	// not itself grow the window (spec.md "first update doesn't tune").
	now = base.Add(30 * time.Millisecond)
	stream.AddBytesConsumed(33 * 1024)
	require.Equal(t, congestion.ByteCount(64*1024), stream.ReceiveWindowSize())
	require.Len(t, streamNotifier.windowUpdates, 1)

	// Consume past the new threshold again at t=60ms, 30ms after the
	// first update and well inside 2*50ms=100ms: this is the second
	// window update, so the window doubles to 128KB.
	now = base.Add(60 * time.Millisecond)
	stream.AddBytesConsumed(33 * 1024)
	require.Equal(t, congestion.ByteCount(128*1024), stream.ReceiveWindowSize())
	require.Len(t, streamNotifier.windowUpdates, 2)

	require.GreaterOrEqual(t, conn.ReceiveWindowSize(), congestion.ByteCount(1.5*128*1024))
}

func TestFlowControlViolationDetectsOverrun(t *testing.T) {
	rs := rttstats.New()
	c := NewController(DefaultParams(), rs, &recordingNotifier{}, nil)
	require.False(t, c.FlowControlViolation())
	c.UpdateHighestReceivedOffset(c.ReceiveWindowOffset() + 1)
	require.True(t, c.FlowControlViolation())
}

func TestShouldSendBlockedOnlyOnce(t *testing.T) {
	rs := rttstats.New()
	c := NewController(Params{SendWindowOffset: 100}, rs, &recordingNotifier{}, nil)
	require.True(t, c.AddBytesSent(100))
	require.True(t, c.ShouldSendBlocked())
	require.False(t, c.ShouldSendBlocked(), "must not report BLOCKED twice at the same offset")

	require.True(t, c.UpdateSendWindowOffset(200))
	require.True(t, c.AddBytesSent(100))
	require.True(t, c.ShouldSendBlocked(), "a new send window offset re-arms BLOCKED")
}

func TestAddBytesSentRejectsOverrun(t *testing.T) {
	rs := rttstats.New()
	c := NewController(Params{SendWindowOffset: 10}, rs, &recordingNotifier{}, nil)
	require.False(t, c.AddBytesSent(11))
	require.Equal(t, congestion.ByteCount(0), c.BytesSent())
	require.True(t, c.AddBytesSent(10))
	require.Equal(t, congestion.ByteCount(10), c.BytesSent())
}
