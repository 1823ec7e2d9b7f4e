package streams

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xtls/quic-sender/internal/qerrors"
)

// TestReceiveBufferContiguity implements spec.md §8 invariant 5: MarkConsumed
// advances total_bytes_read by exactly n, and ReadableBytes reflects only
// the contiguous run from the current read point.
func TestReceiveBufferContiguity(t *testing.T) {
	b := NewReceiveBuffer(64 * 1024)

	n, err := b.OnStreamData(100, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, int64(0), b.ReadableBytes(), "gap at [0,100) keeps nothing readable yet")

	n, err = b.OnStreamData(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, int64(5), b.ReadableBytes(), "[0,5) is readable but [5,100) is still missing")

	dst := make([]byte, 5)
	ok := b.MarkConsumed(5)
	require.True(t, ok)
	require.Equal(t, int64(5), b.BytesConsumed())
	require.Equal(t, int64(0), b.ReadableBytes())
	_ = dst
}

func TestReceiveBufferReadv(t *testing.T) {
	b := NewReceiveBuffer(64 * 1024)
	_, err := b.OnStreamData(0, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), b.ReadableBytes())

	dst := make([]byte, 11)
	n, err := b.Readv([][]byte{dst})
	require.NoError(t, err)
	require.Equal(t, int64(11), n)
	require.Equal(t, "hello world", string(dst))
	require.Equal(t, int64(11), b.BytesConsumed())
	require.Equal(t, int64(0), b.ReadableBytes())
}

func TestReceiveBufferOutOfOrderThenFills(t *testing.T) {
	b := NewReceiveBuffer(64 * 1024)
	_, err := b.OnStreamData(10, []byte("BBBBB"))
	require.NoError(t, err)
	_, err = b.OnStreamData(0, []byte("AAAAA"))
	require.NoError(t, err)
	require.Equal(t, int64(5), b.ReadableBytes())

	_, err = b.OnStreamData(5, []byte("-----"))
	require.NoError(t, err)
	require.Equal(t, int64(15), b.ReadableBytes())

	dst := make([]byte, 15)
	n, err := b.Readv([][]byte{dst})
	require.NoError(t, err)
	require.Equal(t, int64(15), n)
	require.Equal(t, "AAAAA-----BBBBB", string(dst))
}

func TestReceiveBufferRejectsEmptyFrame(t *testing.T) {
	b := NewReceiveBuffer(1024)
	_, err := b.OnStreamData(0, nil)
	require.Error(t, err)
	var qe *qerrors.Error
	require.ErrorAs(t, err, &qe)
	require.Equal(t, qerrors.CodeEmptyStreamFrameNoFin, qe.Code())
}

func TestReceiveBufferRejectsBeyondWindow(t *testing.T) {
	b := NewReceiveBuffer(1024)
	_, err := b.OnStreamData(1020, make([]byte, 10))
	require.Error(t, err)
	var qe *qerrors.Error
	require.ErrorAs(t, err, &qe)
	require.Equal(t, qerrors.CodeStreamDataBeyondCloseOffset, qe.Code())
}

func TestReceiveBufferOverlappingWriteNotDoubleCounted(t *testing.T) {
	b := NewReceiveBuffer(64 * 1024)
	_, err := b.OnStreamData(0, []byte("hello"))
	require.NoError(t, err)
	n, err := b.OnStreamData(2, []byte("llo world"))
	require.NoError(t, err)
	require.Equal(t, int64(6), n, "only the [5,11) portion is newly received")
	require.Equal(t, int64(11), b.ReadableBytes())
}
