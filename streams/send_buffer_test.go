package streams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAckCompaction implements spec.md §8 Scenario S3 literally:
// SaveStreamData 0..10000, ack [2000,3000) then ack [0,5000) — the second
// ack must report newly_acked=4000 (the [3000,5000) gap, since [2000,3000)
// was already acked), leave no pending retransmissions, and free every
// slice whose full extent now falls within [0,5000).
func TestAckCompaction(t *testing.T) {
	b := NewSendBuffer()
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	b.SaveStreamData(data)
	b.OnStreamDataConsumed(10000)

	n1, ok := b.OnStreamDataAcked(2000, 1000)
	require.True(t, ok)
	require.Equal(t, int64(1000), n1)

	n2, ok := b.OnStreamDataAcked(0, 5000)
	require.True(t, ok)
	require.Equal(t, int64(4000), n2, "the [2000,3000) overlap must not be double-counted")

	require.False(t, b.HasPendingRetransmission())
	require.True(t, b.bytesAcked.Contains(0, 5000))

	for _, sl := range b.slices {
		if sl.end() <= 5000 {
			require.True(t, sl.freed, "slice [%d,%d) should be freed", sl.offset, sl.end())
		}
	}
}

func TestOnStreamDataLostExcludesAcked(t *testing.T) {
	b := NewSendBuffer()
	b.SaveStreamData(make([]byte, 1000))
	b.OnStreamDataConsumed(1000)

	_, ok := b.OnStreamDataAcked(0, 300)
	require.True(t, ok)

	b.OnStreamDataLost(0, 600)
	require.True(t, b.HasPendingRetransmission())
	offset, length, ok := b.NextPendingRetransmission()
	require.True(t, ok)
	require.Equal(t, int64(300), offset)
	require.Equal(t, int64(300), length)

	b.OnStreamDataRetransmitted(300, 300)
	require.False(t, b.HasPendingRetransmission())
}

func TestWriteStreamDataRejectsOutOfSequence(t *testing.T) {
	b := NewSendBuffer()
	b.SaveStreamData([]byte("hello world"))
	dst := make([]byte, 5)
	require.True(t, b.WriteStreamData(0, 5, dst))
	require.Equal(t, "hello", string(dst))

	require.False(t, b.WriteStreamData(1000, 5, dst))
}
