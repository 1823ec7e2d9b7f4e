package streams

import (
	"github.com/xtls/quic-sender/internal/intervalset"
	"github.com/xtls/quic-sender/internal/qerrors"
)

// kBlockSizeBytes is the size of one lazily-allocated block in the
// receive sequencer buffer (spec.md §4.9 "block-of-blocks storage").
const kBlockSizeBytes = 8 * 1024

// maxPacketGap bounds how far ahead of the contiguous read point a single
// packet may land; kMaxNumDataIntervalsAllowed is derived from it (spec.md
// §4.9 "~2x allowed packet gap").
const maxPacketGap = 1000

const kMaxNumDataIntervalsAllowed = 2 * maxPacketGap

// ReceiveBuffer is the stream receive sequencer buffer: a fixed-capacity
// ring of blocks holding out-of-order stream data until it becomes
// contiguous and is read out (spec.md §3 "Stream receive buffer", §4.9).
type ReceiveBuffer struct {
	maxCapacity int64
	blocksCount int64
	blocks      [][]byte

	totalBytesRead   int64
	numBytesBuffered int64

	bytesReceived intervalset.Set
}

// NewReceiveBuffer builds a receive buffer with the given total capacity,
// which must equal the negotiated flow-control receive window limit
// (spec.md §3 "Stream receive buffer").
func NewReceiveBuffer(maxCapacity int64) *ReceiveBuffer {
	b := &ReceiveBuffer{
		maxCapacity: maxCapacity,
		blocksCount: (maxCapacity + kBlockSizeBytes - 1) / kBlockSizeBytes,
	}
	b.blocks = make([][]byte, b.blocksCount)
	return b
}

func (b *ReceiveBuffer) blockIndex(offset int64) int64 {
	return (offset % b.maxCapacity) / kBlockSizeBytes
}

func (b *ReceiveBuffer) inBlockOffset(offset int64) int64 {
	return (offset % b.maxCapacity) % kBlockSizeBytes
}

func (b *ReceiveBuffer) blockCapacity(idx int64) int64 {
	if idx+1 == b.blocksCount {
		r := b.maxCapacity % kBlockSizeBytes
		if r == 0 {
			return kBlockSizeBytes
		}
		return r
	}
	return kBlockSizeBytes
}

// FirstMissingByte is the offset of the first byte not yet received,
// i.e. the end of the contiguous-from-zero run.
func (b *ReceiveBuffer) FirstMissingByte() int64 {
	if b.bytesReceived.Empty() {
		return 0
	}
	r := b.bytesReceived.Ranges()[0]
	if r.Lo > 0 {
		return 0
	}
	return r.Hi
}

// NextExpectedByte is the offset just past the highest byte received so
// far, contiguous or not.
func (b *ReceiveBuffer) NextExpectedByte() int64 {
	last, ok := b.bytesReceived.Last()
	if !ok {
		return 0
	}
	return last.Hi
}

func (b *ReceiveBuffer) ReadableBytes() int64 {
	return b.FirstMissingByte() - b.totalBytesRead
}

func (b *ReceiveBuffer) HasBytesToRead() bool { return b.ReadableBytes() > 0 }

func (b *ReceiveBuffer) BytesConsumed() int64 { return b.totalBytesRead }

func (b *ReceiveBuffer) BytesBuffered() int64 { return b.numBytesBuffered }

// OnStreamData implements spec.md §4.9's OnStreamData: rejects empty
// frames, writes beyond the window, and intervals exceeding
// kMaxNumDataIntervalsAllowed; otherwise copies the newly-received bytes
// into their backing blocks and returns how many bytes were copied.
func (b *ReceiveBuffer) OnStreamData(startingOffset int64, data []byte) (int64, error) {
	size := int64(len(data))
	if size == 0 {
		return 0, qerrors.New(qerrors.CodeEmptyStreamFrameNoFin, "received empty stream frame without FIN")
	}
	if startingOffset+size > b.totalBytesRead+b.maxCapacity {
		return 0, qerrors.New(qerrors.CodeStreamDataBeyondCloseOffset, "received data beyond available range")
	}

	last, _ := b.bytesReceived.Last()
	if b.bytesReceived.Empty() || startingOffset >= last.Hi {
		b.bytesReceived.AddOptimizedForAppend(startingOffset, startingOffset+size)
		if int64(len(b.bytesReceived.Ranges())) > kMaxNumDataIntervalsAllowed {
			return 0, qerrors.New(qerrors.CodeTooManyStreamDataIntervals, "too many data intervals received for this stream")
		}
		n, err := b.copyStreamData(startingOffset, data)
		b.numBytesBuffered += n
		return n, err
	}

	newlyReceived := intervalset.NewRange(startingOffset, startingOffset+size)
	newlyReceived.Difference(&b.bytesReceived)
	if newlyReceived.Empty() {
		return 0, nil
	}
	b.bytesReceived.Add(startingOffset, startingOffset+size)
	if int64(len(b.bytesReceived.Ranges())) > kMaxNumDataIntervalsAllowed {
		return 0, qerrors.New(qerrors.CodeTooManyStreamDataIntervals, "too many data intervals received for this stream")
	}

	var total int64
	for _, r := range newlyReceived.Ranges() {
		n, err := b.copyStreamData(r.Lo, data[r.Lo-startingOffset:r.Hi-startingOffset])
		total += n
		if err != nil {
			b.numBytesBuffered += total
			return total, err
		}
	}
	b.numBytesBuffered += total
	return total, nil
}

func (b *ReceiveBuffer) copyStreamData(offset int64, data []byte) (int64, error) {
	var copied int64
	for len(data) > 0 {
		blockIdx := b.blockIndex(offset)
		blockOffset := b.inBlockOffset(offset)
		capacity := b.blockCapacity(blockIdx)
		avail := capacity - blockOffset
		if offset+avail > b.totalBytesRead+b.maxCapacity {
			avail = b.totalBytesRead + b.maxCapacity - offset
		}
		if b.blocks[blockIdx] == nil {
			b.blocks[blockIdx] = make([]byte, capacity)
		}
		n := int64(len(data))
		if n > avail {
			n = avail
		}
		if n <= 0 {
			return copied, qerrors.Bug("OnStreamData: write offset exceeds buffer bounds")
		}
		copy(b.blocks[blockIdx][blockOffset:blockOffset+n], data[:n])
		data = data[n:]
		offset += n
		copied += n
	}
	return copied, nil
}

// Readv scatters readable bytes into dst, returning the total copied.
func (b *ReceiveBuffer) Readv(dst [][]byte) (int64, error) {
	var total int64
	for _, d := range dst {
		if b.ReadableBytes() == 0 {
			break
		}
		destRemaining := d
		for len(destRemaining) > 0 && b.ReadableBytes() > 0 {
			blockIdx := b.nextBlockToRead()
			startOffset := b.readOffset()
			capacity := b.blockCapacity(blockIdx)
			availInBlock := capacity - startOffset
			if r := b.ReadableBytes(); r < availInBlock {
				availInBlock = r
			}
			n := int64(len(destRemaining))
			if n > availInBlock {
				n = availInBlock
			}
			if b.blocks[blockIdx] == nil {
				return total, qerrors.Bug("Readv: block missing for readable range")
			}
			copy(destRemaining[:n], b.blocks[blockIdx][startOffset:startOffset+n])
			destRemaining = destRemaining[n:]
			b.numBytesBuffered -= n
			b.totalBytesRead += n
			total += n
			if n == availInBlock {
				b.retireBlockIfEmpty(blockIdx)
			}
		}
	}
	return total, nil
}

func (b *ReceiveBuffer) readOffset() int64     { return b.inBlockOffset(b.totalBytesRead) }
func (b *ReceiveBuffer) nextBlockToRead() int64 { return b.blockIndex(b.totalBytesRead) }

// GetReadableRegions returns zero-copy views of the readable bytes in
// order, without consuming them.
func (b *ReceiveBuffer) GetReadableRegions() [][]byte {
	if b.ReadableBytes() == 0 {
		return nil
	}
	var regions [][]byte
	offset := b.totalBytesRead
	remaining := b.ReadableBytes()
	for remaining > 0 {
		blockIdx := b.blockIndex(offset)
		inBlock := b.inBlockOffset(offset)
		capacity := b.blockCapacity(blockIdx)
		avail := capacity - inBlock
		if avail > remaining {
			avail = remaining
		}
		regions = append(regions, b.blocks[blockIdx][inBlock:inBlock+avail])
		offset += avail
		remaining -= avail
	}
	return regions
}

// PeekRegion returns a zero-copy view of the readable (or buffered, if
// offset is not yet consumed but is received) data starting at offset,
// without consuming it (spec.md §4.9 PeekRegion).
func (b *ReceiveBuffer) PeekRegion(offset int64) ([]byte, bool) {
	if offset < b.totalBytesRead {
		return nil, false
	}
	if offset >= b.FirstMissingByte() {
		return nil, false
	}
	blockIdx := b.blockIndex(offset)
	blockOffset := b.inBlockOffset(offset)
	endBlockIdx := b.blockIndex(b.FirstMissingByte())
	var length int64
	if blockIdx == endBlockIdx {
		length = b.inBlockOffset(b.FirstMissingByte()) - blockOffset
	} else {
		length = b.blockCapacity(blockIdx) - blockOffset
	}
	if b.blocks[blockIdx] == nil {
		return nil, false
	}
	return b.blocks[blockIdx][blockOffset : blockOffset+length], true
}

// MarkConsumed advances total_bytes_read by n without copying the data
// out, retiring blocks as it goes (spec.md §4.9 MarkConsumed).
func (b *ReceiveBuffer) MarkConsumed(n int64) bool {
	if n > b.ReadableBytes() {
		return false
	}
	remaining := n
	for remaining > 0 {
		blockIdx := b.nextBlockToRead()
		offsetInBlock := b.readOffset()
		avail := b.blockCapacity(blockIdx) - offsetInBlock
		if r := b.ReadableBytes(); r < avail {
			avail = r
		}
		read := remaining
		if read > avail {
			read = avail
		}
		b.totalBytesRead += read
		b.numBytesBuffered -= read
		remaining -= read
		if read == avail {
			b.retireBlockIfEmpty(blockIdx)
		}
	}
	return true
}

// Empty reports whether the buffer holds no unread-but-received data.
func (b *ReceiveBuffer) Empty() bool {
	if b.bytesReceived.Empty() {
		return true
	}
	ranges := b.bytesReceived.Ranges()
	return len(ranges) == 1 && b.totalBytesRead > 0 && ranges[0].Hi == b.totalBytesRead
}

func (b *ReceiveBuffer) retireBlockIfEmpty(blockIdx int64) {
	if b.Empty() {
		b.blocks[blockIdx] = nil
		return
	}
	if b.blockIndex(b.NextExpectedByte()-1) == blockIdx {
		// The logical end of the buffer has wrapped into this block;
		// it still holds unread data.
		return
	}
	if b.nextBlockToRead() == blockIdx {
		ranges := b.bytesReceived.Ranges()
		if len(ranges) > 1 && b.blockIndex(ranges[1].Lo) == blockIdx {
			// The next data interval still lives in this block.
			return
		}
	}
	b.blocks[blockIdx] = nil
}

// FlushBufferedFrames discards all buffered-but-unread data, jumping
// total_bytes_read forward to NextExpectedByte, and returns how many
// bytes were skipped.
func (b *ReceiveBuffer) FlushBufferedFrames() int64 {
	prev := b.totalBytesRead
	b.totalBytesRead = b.NextExpectedByte()
	b.clear()
	return b.totalBytesRead - prev
}

// ReleaseWholeBuffer discards all state and backing blocks.
func (b *ReceiveBuffer) ReleaseWholeBuffer() {
	b.clear()
	b.blocks = make([][]byte, b.blocksCount)
}

func (b *ReceiveBuffer) clear() {
	for i := range b.blocks {
		b.blocks[i] = nil
	}
	b.numBytesBuffered = 0
	b.bytesReceived = intervalset.Set{}
	b.bytesReceived.Add(0, b.totalBytesRead)
}
