// Package streams implements the per-stream send buffer (spec.md §4.8) and
// receive sequencer buffer (spec.md §4.9), adapted from
// original_source/quic_stream_send_buffer.cc and
// original_source/quic_stream_sequencer_buffer.cc.
package streams

import (
	"sort"

	"github.com/xtls/quic-sender/internal/intervalset"
)

// kMaxDataSliceSize bounds how large a single buffered slice may be
// (spec.md §4.8 "chunks into slices of at most kMaxDataSliceSize").
const kMaxDataSliceSize = 4 * 1024

// bufferedSlice is one contiguous run of stream data anchored at an
// absolute stream offset (spec.md §4.8 BufferedSlice).
type bufferedSlice struct {
	offset int64
	data   []byte
	// freed marks a slice whose bytes have all been acked; it is kept as
	// a placeholder until CleanUpBufferedSlices pops it from the front.
	freed bool
}

func (b *bufferedSlice) end() int64 { return b.offset + int64(len(b.data)) }

// SendBuffer tracks unacked/retransmittable stream data for one stream
// (spec.md §3 "Stream send buffer", §4.8).
type SendBuffer struct {
	slices []*bufferedSlice

	streamOffset          int64
	currentEndOffset      int64
	streamBytesWritten    int64
	streamBytesOutstanding int64

	bytesAcked            intervalset.Set
	pendingRetransmissions intervalset.Set

	// writeIndex amortizes WriteStreamData across consecutive calls with
	// non-decreasing offsets (spec.md §4.8 "data pointer").
	writeIndex int
}

func NewSendBuffer() *SendBuffer {
	return &SendBuffer{writeIndex: -1}
}

// SaveStreamData chunks data into slices of at most kMaxDataSliceSize and
// appends them to the buffer (spec.md §4.8 SaveStreamData). The caller's
// slice is not retained; each chunk is copied.
func (b *SendBuffer) SaveStreamData(data []byte) {
	for len(data) > 0 {
		n := len(data)
		if n > kMaxDataSliceSize {
			n = kMaxDataSliceSize
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		b.saveSlice(chunk)
		data = data[n:]
	}
}

func (b *SendBuffer) saveSlice(data []byte) {
	if len(b.slices) == 0 {
		end := b.streamOffset + int64(len(data))
		if end > b.currentEndOffset {
			b.currentEndOffset = end
		}
	}
	b.slices = append(b.slices, &bufferedSlice{offset: b.streamOffset, data: data})
	b.streamOffset += int64(len(data))
}

// OnStreamDataConsumed records bytes handed to the connection for sending,
// advancing both written and outstanding totals.
func (b *SendBuffer) OnStreamDataConsumed(n int64) {
	b.streamBytesWritten += n
	b.streamBytesOutstanding += n
}

// WriteStreamData copies [offset, offset+length) into dst, which must have
// capacity for length bytes, returning false if the range extends beyond
// data saved so far (spec.md §4.8 WriteStreamData).
func (b *SendBuffer) WriteStreamData(offset, length int64, dst []byte) bool {
	if offset > b.currentEndOffset {
		return false
	}
	idx := b.sliceIndexAt(offset)
	written := int64(0)
	for idx < len(b.slices) {
		sl := b.slices[idx]
		if length == 0 || offset < sl.offset {
			break
		}
		if sl.freed {
			idx++
			continue
		}
		sliceOffset := offset - sl.offset
		available := int64(len(sl.data)) - sliceOffset
		copyLen := length
		if copyLen > available {
			copyLen = available
		}
		copy(dst[written:written+copyLen], sl.data[sliceOffset:sliceOffset+copyLen])
		written += copyLen
		offset += copyLen
		length -= copyLen
		if sl.end() > b.currentEndOffset {
			b.currentEndOffset = sl.end()
		}
		idx++
	}
	return length == 0
}

// sliceIndexAt returns the index of the first slice whose extent could
// contain offset, advancing writeIndex (spec.md §4.8 "data pointer").
func (b *SendBuffer) sliceIndexAt(offset int64) int {
	if b.writeIndex >= 0 && b.writeIndex < len(b.slices) && b.slices[b.writeIndex].offset <= offset {
		for b.writeIndex < len(b.slices)-1 && b.slices[b.writeIndex+1].offset <= offset {
			b.writeIndex++
		}
		return b.writeIndex
	}
	for i, sl := range b.slices {
		if sl.end() > offset {
			b.writeIndex = i
			return i
		}
	}
	b.writeIndex = len(b.slices)
	return b.writeIndex
}

// OnStreamDataAcked implements spec.md §4.8's fast/slow path split: the
// common case where [offset, offset+length) is entirely new is handled
// without constructing an interim set; otherwise the newly-acked portion
// is computed as (range \ bytes_acked). Returns (newlyAcked, ok); ok is
// false iff stream_bytes_outstanding would go negative.
func (b *SendBuffer) OnStreamDataAcked(offset, length int64) (int64, bool) {
	if length == 0 {
		return 0, true
	}
	end := offset + length

	last, _ := b.bytesAcked.Last()
	if b.bytesAcked.Empty() || offset >= last.Hi {
		if b.streamBytesOutstanding < length {
			return 0, false
		}
		b.bytesAcked.AddOptimizedForAppend(offset, end)
		b.streamBytesOutstanding -= length
		b.pendingRetransmissions.Remove(offset, end)
		b.freeMemSlices(offset, end)
		b.cleanUpBufferedSlices()
		return length, true
	}

	if b.bytesAcked.Contains(offset, end) {
		return 0, true
	}

	newlyAcked := intervalset.NewRange(offset, end)
	newlyAcked.Difference(&b.bytesAcked)
	var newlyAckedLength int64
	var lo, hi int64
	first := true
	for _, r := range newlyAcked.Ranges() {
		newlyAckedLength += r.Hi - r.Lo
		if first {
			lo = r.Lo
			first = false
		}
		hi = r.Hi
	}
	if b.streamBytesOutstanding < newlyAckedLength {
		return 0, false
	}
	b.streamBytesOutstanding -= newlyAckedLength
	b.bytesAcked.Add(offset, end)
	b.pendingRetransmissions.Remove(offset, end)
	if newlyAckedLength == 0 {
		return 0, true
	}
	b.freeMemSlices(lo, hi)
	b.cleanUpBufferedSlices()
	return newlyAckedLength, true
}

// OnStreamDataLost adds the not-yet-acked portion of [offset, offset+length)
// to pending_retransmissions (spec.md §4.8).
func (b *SendBuffer) OnStreamDataLost(offset, length int64) {
	if length == 0 {
		return
	}
	lost := intervalset.NewRange(offset, offset+length)
	lost.Difference(&b.bytesAcked)
	for _, r := range lost.Ranges() {
		b.pendingRetransmissions.Add(r.Lo, r.Hi)
	}
}

// OnStreamDataRetransmitted clears [offset, offset+length) from
// pending_retransmissions (spec.md §4.8).
func (b *SendBuffer) OnStreamDataRetransmitted(offset, length int64) {
	if length == 0 {
		return
	}
	b.pendingRetransmissions.Remove(offset, offset+length)
}

func (b *SendBuffer) HasPendingRetransmission() bool { return !b.pendingRetransmissions.Empty() }

// NextPendingRetransmission returns the lowest pending retransmission
// range, or ok=false if there is none.
func (b *SendBuffer) NextPendingRetransmission() (offset, length int64, ok bool) {
	ranges := b.pendingRetransmissions.Ranges()
	if len(ranges) == 0 {
		return 0, 0, false
	}
	r := ranges[0]
	return r.Lo, r.Hi - r.Lo, true
}

// freeMemSlices marks every slice fully covered by bytes_acked within
// [start, end) as freed, releasing its backing array for GC. Unlike
// WriteStreamData's sliceIndexAt, this does not advance writeIndex: acked
// ranges can lag behind the write pointer, and the two must not interfere.
func (b *SendBuffer) freeMemSlices(start, end int64) {
	idx := sort.Search(len(b.slices), func(i int) bool { return b.slices[i].end() > start })
	for idx < len(b.slices) {
		sl := b.slices[idx]
		if sl.offset >= end {
			break
		}
		if !sl.freed && b.bytesAcked.Contains(sl.offset, sl.end()) {
			sl.freed = true
			sl.data = nil
		}
		idx++
	}
}

// cleanUpBufferedSlices pops freed slices off the front of the deque
// (spec.md §4.8, grounded on CleanUpBufferedSlices).
func (b *SendBuffer) cleanUpBufferedSlices() {
	i := 0
	for i < len(b.slices) && b.slices[i].freed {
		i++
	}
	if i == 0 {
		return
	}
	b.slices = b.slices[i:]
	b.writeIndex -= i
	if b.writeIndex < -1 {
		b.writeIndex = -1
	}
}

// IsStreamDataOutstanding reports whether any byte in [offset,
// offset+length) is not yet acked.
func (b *SendBuffer) IsStreamDataOutstanding(offset, length int64) bool {
	return length > 0 && !b.bytesAcked.Contains(offset, offset+length)
}

// Size returns the number of buffered slices still tracked (freed slices
// not yet popped by cleanUpBufferedSlices still count).
func (b *SendBuffer) Size() int { return len(b.slices) }

// StreamBytesWritten and StreamBytesOutstanding expose the buffer's
// monotone totals for invariant checks (spec.md §8 invariant 1).
func (b *SendBuffer) StreamBytesWritten() int64     { return b.streamBytesWritten }
func (b *SendBuffer) StreamBytesOutstanding() int64 { return b.streamBytesOutstanding }
