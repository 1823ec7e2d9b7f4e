package controlframe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// blockedSender always reports write-blocked, so WriteOrBuffer* only
// buffers frames and the test drives OnControlFrameSent/Acked directly.
type blockedSender struct{}

func (blockedSender) WriteControlFrame(payload any) bool { return false }

// TestWindowUpdateImplicitAck implements spec.md §8 Scenario S6 literally.
func TestWindowUpdateImplicitAck(t *testing.T) {
	m := NewManager(blockedSender{})

	idA, err := m.WriteOrBufferWindowUpdate(4, 1000)
	require.NoError(t, err)
	idB, err := m.WriteOrBufferWindowUpdate(4, 2000)
	require.NoError(t, err)
	require.Equal(t, idA+1, idB)

	require.NoError(t, m.OnControlFrameSent(idA))
	require.NoError(t, m.OnControlFrameSent(idB))

	require.True(t, m.OnControlFrameAcked(idB))

	require.False(t, m.IsControlFrameOutstanding(idA))
	require.False(t, m.IsControlFrameOutstanding(idB))
	require.True(t, m.LeastUnacked() > idB)
	require.False(t, m.OnControlFrameAcked(idA), "A was already implicitly acked")
}

func TestPingDroppedWhenFramesBuffered(t *testing.T) {
	m := NewManager(blockedSender{})
	_, err := m.WriteOrBufferWindowUpdate(1, 100)
	require.NoError(t, err)
	require.True(t, m.HasBufferedFrames())

	before := m.lastID
	require.NoError(t, m.WritePing())
	require.Equal(t, before, m.lastID, "ping must not be enqueued while frames are buffered")
}

func TestPingNotQueuedTwiceWhilePending(t *testing.T) {
	m := NewManager(blockedSender{})
	require.NoError(t, m.WritePing())
	require.True(t, m.pingPending)

	before := m.lastID
	require.NoError(t, m.WritePing())
	require.Equal(t, before, m.lastID, "a second WritePing must be a no-op while one is still pending")

	require.NoError(t, m.OnControlFrameSent(before))
	require.False(t, m.pingPending)
}

func TestOnControlFrameLostQueuesRetransmission(t *testing.T) {
	m := NewManager(blockedSender{})
	id, err := m.WriteOrBufferWindowUpdate(1, 100)
	require.NoError(t, err)
	require.NoError(t, m.OnControlFrameSent(id))

	require.NoError(t, m.OnControlFrameLost(id))
	require.True(t, m.HasPendingRetransmission())

	gotID, payload, ok := m.NextPendingRetransmission()
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, WindowUpdateFrame{StreamID: 1, ByteOffset: 100}, payload)
}

func TestTooManyBufferedControlFramesCloses(t *testing.T) {
	m := NewManager(blockedSender{})
	var lastErr error
	for i := 0; i < kMaxNumControlFrames+1; i++ {
		_, lastErr = m.WriteOrBufferWindowUpdate(int64(i), 1)
	}
	require.Error(t, lastErr)
}
