package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls/quic-sender/ackhandler"
	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/cubic"
	"github.com/xtls/quic-sender/sender"
	"github.com/xtls/quic-sender/transportparams"
)

func newTestConnection(t *testing.T, now func() time.Time) *Connection {
	t.Helper()
	return New(Config{
		Sender: sender.Config{
			Algorithm:   sender.AlgorithmCubic,
			CubicParams: cubic.DefaultParams(),
			Now:         now,
		},
		Params: transportparams.DefaultParameters(),
		Now:    now,
	})
}

func clockFrom(start time.Time) func() time.Time {
	cur := start
	return func() time.Time { return cur }
}

// TestOpenStreamWriteAndReceive exercises the send/receive data paths and
// the per-stream/connection flow control gating they sit behind.
func TestOpenStreamWriteAndReceive(t *testing.T) {
	start := time.Now()
	c := newTestConnection(t, clockFrom(start))

	st := c.OpenStream(4)
	require.NotNil(t, st)
	require.Same(t, st, c.Stream(4))

	require.NoError(t, c.WriteStreamData(4, []byte("hello")))
	require.Equal(t, congestion.ByteCount(5), st.Send.StreamBytesWritten())

	require.NoError(t, c.OnStreamDataReceived(4, 0, []byte("world")))
	require.True(t, st.Recv.HasBytesToRead())

	c.ConsumeStreamData(4, 5)
	require.Equal(t, int64(5), st.Recv.BytesConsumed())
}

// TestWriteStreamDataBlockedQueuesBlockedFrame implements the stream-level
// half of spec.md §8's flow-control-blocked scenario: once the send window
// is exhausted, further writes fail and a BLOCKED frame lands in the
// outbox exactly once per exhaustion.
func TestWriteStreamDataBlockedQueuesBlockedFrame(t *testing.T) {
	params := transportparams.DefaultParameters()
	params.InitialMaxStreamDataBidiRemote = 10
	params.InitialMaxData = 1_000_000

	c := New(Config{
		Sender: sender.Config{Algorithm: sender.AlgorithmCubic, CubicParams: cubic.DefaultParams()},
		Params: params,
	})
	c.OpenStream(0)

	require.NoError(t, c.WriteStreamData(0, make([]byte, 10)))
	err := c.WriteStreamData(0, []byte("x"))
	require.Error(t, err)

	outbox := c.DrainOutbox()
	require.Len(t, outbox, 1)
	bf, ok := outbox[0].(blockedFrame)
	require.True(t, ok)
	require.Equal(t, int64(0), bf.StreamID)
}

// TestOnStreamDataReceivedAggregatesConnectionWindow checks that the
// connection-level controller's watermark is fed the sum of every stream's
// highest received offset, not a single stream's raw offset.
func TestOnStreamDataReceivedAggregatesConnectionWindow(t *testing.T) {
	c := newTestConnection(t, nil)
	c.OpenStream(0)
	c.OpenStream(4)

	require.NoError(t, c.OnStreamDataReceived(0, 0, make([]byte, 100)))
	require.NoError(t, c.OnStreamDataReceived(4, 0, make([]byte, 50)))
	require.Equal(t, congestion.ByteCount(150), c.aggregateReceived)

	// A retransmission/reordered delivery that does not advance a stream's
	// own watermark must not double count.
	require.NoError(t, c.OnStreamDataReceived(0, 0, make([]byte, 100)))
	require.Equal(t, congestion.ByteCount(150), c.aggregateReceived)
}

// TestSendAckRoundTrip drives one packet through OnPacketSent and
// OnAckReceived, checking that the acked frame reaches the stream's send
// buffer and that the ordering guarantee's bookkeeping (largestAcked,
// bytes in flight) lands correctly.
func TestSendAckRoundTrip(t *testing.T) {
	start := time.Now()
	clock := clockFrom(start)
	c := newTestConnection(t, clock)
	st := c.OpenStream(0)
	require.NoError(t, c.WriteStreamData(0, []byte("hello world")))

	frame := NewStreamFrame(0, 0, 11, false)
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 1, start, 100, true, []ackhandler.Frame{frame}))
	require.Equal(t, congestion.ByteCount(100), c.unacked.BytesInFlight(ackhandler.SpaceApplication))

	ackTime := start.Add(20 * time.Millisecond)
	require.NoError(t, c.OnAckReceived(ackhandler.SpaceApplication, []congestion.PacketNumber{1}, 2*time.Millisecond, ackTime))

	require.Equal(t, congestion.ByteCount(0), c.unacked.BytesInFlight(ackhandler.SpaceApplication))
	require.Equal(t, congestion.PacketNumber(1), c.largestAcked[ackhandler.SpaceApplication])
	require.False(t, st.Send.IsStreamDataOutstanding(0, 11))
}

// TestLossDeclarationDoesNotImmediatelyRetransmit checks that a declared
// loss moves a range into pending retransmission without DequeueRetransmission
// having been called, and that calling it afterwards clears that pending
// state instead of being folded into the same ack-processing pass.
func TestLossDeclarationDoesNotImmediatelyRetransmit(t *testing.T) {
	start := time.Now()
	clock := clockFrom(start)
	c := newTestConnection(t, clock)
	st := c.OpenStream(0)
	require.NoError(t, c.WriteStreamData(0, []byte("hello world")))

	frame := NewStreamFrame(0, 0, 11, false)
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 1, start, 100, true, []ackhandler.Frame{frame}))
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 2, start.Add(time.Millisecond), 100, true, nil))
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 3, start.Add(2*time.Millisecond), 100, true, nil))
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 4, start.Add(3*time.Millisecond), 100, true, nil))

	// Acking 2,3,4 but never 1 triggers packet-threshold loss detection on
	// packet 1 (three packets newly acked above it).
	ackTime := start.Add(10 * time.Millisecond)
	require.NoError(t, c.OnAckReceived(ackhandler.SpaceApplication, []congestion.PacketNumber{2, 3, 4}, time.Millisecond, ackTime))

	require.True(t, st.Send.HasPendingRetransmission(), "loss must move the range into pending retransmission")

	// DequeueRetransmission is a separate, deliberately-later call.
	c.DequeueRetransmission(ackhandler.SpaceApplication, 1)
	require.False(t, st.Send.HasPendingRetransmission(), "DequeueRetransmission clears the pending range once the send path re-sends it")
}

// TestOnLossDetectionTimeoutProbesWhenNoAckSeen checks the PTO branch:
// with no ack ever received for a space, a timer fire must retransmit the
// least-unacked packet's frames and call OnRetransmissionTimeout instead
// of running the time/packet-threshold detector.
func TestOnLossDetectionTimeoutProbesWhenNoAckSeen(t *testing.T) {
	start := time.Now()
	c := newTestConnection(t, clockFrom(start))
	st := c.OpenStream(0)
	require.NoError(t, c.WriteStreamData(0, []byte("hi")))

	frame := NewStreamFrame(0, 0, 2, false)
	require.NoError(t, c.OnPacketSent(ackhandler.SpaceApplication, 0, start, 50, true, []ackhandler.Frame{frame}))

	require.Equal(t, congestion.InvalidPacketNumber, c.largestAcked[ackhandler.SpaceApplication])
	require.NoError(t, c.OnLossDetectionTimeout(ackhandler.SpaceApplication, start.Add(time.Second)))

	// The probed packet's data is still unacked; onProbeTimeout's job is to
	// have driven it back out through RetransmitFrames (and
	// OnRetransmissionTimeout), not to have acked or dropped it.
	require.True(t, st.Send.IsStreamDataOutstanding(0, 2))
}

// TestControlFrameOutboxDrains checks that a WINDOW_UPDATE queued through
// the control-frame manager reaches Connection's outbox via WriteControlFrame,
// and that DrainOutbox both returns and clears it.
func TestControlFrameOutboxDrains(t *testing.T) {
	c := newTestConnection(t, nil)
	_, err := c.ControlFrames().WriteOrBufferWindowUpdate(4, 1000)
	require.NoError(t, err)

	out := c.DrainOutbox()
	require.Len(t, out, 1)
	require.Empty(t, c.DrainOutbox())
}

// TestStreamFrameImplementsAggregableFrame is a compile-time-flavored
// check that StreamFrame's accessors match ackhandler.AggregableFrame
// exactly, plus a smoke test of NewStreamFrame's accessors.
func TestStreamFrameImplementsAggregableFrame(t *testing.T) {
	var _ ackhandler.AggregableFrame = NewStreamFrame(1, 2, 3, true)

	f := NewStreamFrame(7, 14, 21, true)
	require.Equal(t, int64(7), f.StreamID())
	require.Equal(t, int64(14), f.Offset())
	require.Equal(t, int64(21), f.Length())
	require.True(t, f.IsFin())
}
