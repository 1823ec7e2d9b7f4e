package bbr2

import "github.com/xtls/quic-sender/congestion"

// ringBuffer is a fixed-capacity FIFO used for the bandwidth sampler's
// a0Candidates queue (hycore's bandwidth_sampler.go uses a RingBuffer[ackPoint]
// not vendored in this pack; reconstructed here from its call sites: Init,
// Clear, PushBack, PopFront, Front, Back, Offset, Len, Empty).
type ringBuffer[T any] struct {
	buf         []T
	start, size int
}

func (r *ringBuffer[T]) Init(capacity int) {
	r.buf = make([]T, capacity)
	r.start = 0
	r.size = 0
}

func (r *ringBuffer[T]) Clear() {
	r.start = 0
	r.size = 0
}

func (r *ringBuffer[T]) Empty() bool { return r.size == 0 }
func (r *ringBuffer[T]) Len() int    { return r.size }

func (r *ringBuffer[T]) PushBack(v T) {
	if r.size == len(r.buf) {
		// Drop the oldest candidate; a full a0Candidates buffer means the
		// sampler hasn't been acked in a very long time.
		r.PopFront()
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
}

func (r *ringBuffer[T]) PopFront() {
	if r.size == 0 {
		return
	}
	r.start = (r.start + 1) % len(r.buf)
	r.size--
}

func (r *ringBuffer[T]) Front() *T { return r.Offset(0) }
func (r *ringBuffer[T]) Back() *T  { return r.Offset(r.size - 1) }

func (r *ringBuffer[T]) Offset(i int) *T {
	idx := (r.start + i) % len(r.buf)
	return &r.buf[idx]
}

// packetNumberIndexedQueue is a dense deque keyed by packetNumber, mirroring
// spec.md §3's unacked-packet-map invariant ("keyed by packet_number −
// least_unacked") applied here to per-packet sampler state
// (connectionStateOnSentPacket). Obsolete front entries are pruned by
// RemoveUpTo, matching hycore's PacketNumberIndexedQueue usage in
// bandwidth_sampler.go (not vendored in this pack; reconstructed from its
// call sites: Emplace, GetEntry, Remove, RemoveUpTo).
type packetNumberIndexedQueue[T any] struct {
	entries       []entryBox[T]
	firstPacket   congestion.PacketNumber
	numberOfPresent int
}

type entryBox[T any] struct {
	present bool
	value   T
}

func newPacketNumberIndexedQueue[T any](initialCapacity int) *packetNumberIndexedQueue[T] {
	return &packetNumberIndexedQueue[T]{
		entries:     make([]entryBox[T], 0, initialCapacity),
		firstPacket: congestion.InvalidPacketNumber,
	}
}

func (q *packetNumberIndexedQueue[T]) Emplace(packetNumber congestion.PacketNumber, v T) bool {
	if q.firstPacket == congestion.InvalidPacketNumber {
		q.firstPacket = packetNumber
	}
	if packetNumber < q.firstPacket {
		return false
	}
	idx := int(packetNumber - q.firstPacket)
	for idx >= len(q.entries) {
		q.entries = append(q.entries, entryBox[T]{})
	}
	if q.entries[idx].present {
		return false
	}
	q.entries[idx] = entryBox[T]{present: true, value: v}
	q.numberOfPresent++
	return true
}

func (q *packetNumberIndexedQueue[T]) GetEntry(packetNumber congestion.PacketNumber) *T {
	if q.firstPacket == congestion.InvalidPacketNumber || packetNumber < q.firstPacket {
		return nil
	}
	idx := int(packetNumber - q.firstPacket)
	if idx >= len(q.entries) || !q.entries[idx].present {
		return nil
	}
	return &q.entries[idx].value
}

func (q *packetNumberIndexedQueue[T]) Remove(packetNumber congestion.PacketNumber, onRemove func(T)) bool {
	e := q.GetEntry(packetNumber)
	if e == nil {
		return false
	}
	if onRemove != nil {
		onRemove(*e)
	}
	idx := int(packetNumber - q.firstPacket)
	q.entries[idx].present = false
	var zero T
	q.entries[idx].value = zero
	q.numberOfPresent--
	q.cleanupFront()
	return true
}

// RemoveUpTo drops every entry strictly before leastUnacked, matching
// BandwidthSampler.RemoveObsoletePackets (spec.md §4.3).
func (q *packetNumberIndexedQueue[T]) RemoveUpTo(leastUnacked congestion.PacketNumber) {
	if q.firstPacket == congestion.InvalidPacketNumber {
		return
	}
	for q.firstPacket < leastUnacked && len(q.entries) > 0 {
		if q.entries[0].present {
			q.numberOfPresent--
		}
		q.entries = q.entries[1:]
		q.firstPacket++
	}
}

func (q *packetNumberIndexedQueue[T]) cleanupFront() {
	for len(q.entries) > 0 && !q.entries[0].present {
		q.entries = q.entries[1:]
		q.firstPacket++
	}
}
