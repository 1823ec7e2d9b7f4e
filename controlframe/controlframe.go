// Package controlframe implements the control frame queue (spec.md §3
// "Control frame queue", §4.11), adapted from
// original_source/quic_control_frame_manager.cc.
package controlframe

import "github.com/xtls/quic-sender/internal/qerrors"

// kMaxNumControlFrames bounds how many buffered-or-unacked control
// frames the queue may hold before the connection is closed.
const kMaxNumControlFrames = 1000

// ID is a control frame's monotonically increasing identifier. 0 is
// never assigned and marks "no frame"/"already acked".
type ID uint64

const invalidID ID = 0

// WindowUpdatePayload is implemented by WINDOW_UPDATE frame payloads so
// the manager can index them by stream and implicitly ack an older
// window update for the same stream when a newer one is sent.
type WindowUpdatePayload interface {
	WindowUpdateStreamID() int64
}

// WindowUpdateFrame is the concrete WINDOW_UPDATE payload this module
// writes; any other payload type travels through the queue opaquely.
type WindowUpdateFrame struct {
	StreamID   int64
	ByteOffset int64
}

func (f WindowUpdateFrame) WindowUpdateStreamID() int64 { return f.StreamID }

// Sender hands one control frame's payload to the connection for wire
// encoding, returning false if the connection is currently write-blocked
// (spec.md §4.11 WriteBufferedFrames/WritePendingRetransmission).
type Sender interface {
	WriteControlFrame(payload any) bool
}

type frameEntry struct {
	id ID
	// payload is nil once the frame is acked; the entry is only actually
	// removed once it reaches the front of the queue.
	payload any
}

// Manager is the control frame queue: a dense deque of buffered and
// in-flight control frames keyed by control_frame_id, plus a
// pending-retransmission set and a per-stream index of the latest
// WINDOW_UPDATE (spec.md §3 "Control frame queue").
type Manager struct {
	sender Sender

	frames       []*frameEntry
	leastUnacked ID
	leastUnsent  ID
	lastID       ID

	pendingRetransmissions map[ID]struct{}
	windowUpdateFrames     map[int64]ID

	// pingPending mirrors quic_control_frame_manager.cc's companion rule
	// to "PING dropped if frames are buffered": a PING already queued but
	// not yet sent is never queued a second time.
	pingPending bool
}

type pingPayload struct{}

func NewManager(sender Sender) *Manager {
	return &Manager{
		sender:                 sender,
		leastUnacked:           1,
		leastUnsent:            1,
		pendingRetransmissions: make(map[ID]struct{}),
		windowUpdateFrames:     make(map[int64]ID),
	}
}

func (m *Manager) nextID() ID {
	m.lastID++
	return m.lastID
}

func (m *Manager) indexOf(id ID) (int, bool) {
	if id < m.leastUnacked {
		return 0, false
	}
	idx := int(id - m.leastUnacked)
	if idx >= len(m.frames) {
		return 0, false
	}
	return idx, true
}

// HasBufferedFrames reports whether any assigned-but-unsent frame
// remains in the queue.
func (m *Manager) HasBufferedFrames() bool {
	return m.leastUnsent < m.leastUnacked+ID(len(m.frames))
}

// HasPendingRetransmission reports whether any frame is queued for
// retransmission.
func (m *Manager) HasPendingRetransmission() bool {
	return len(m.pendingRetransmissions) > 0
}

// WillingToWrite reports whether the manager has anything to offer the
// connection on its next write opportunity.
func (m *Manager) WillingToWrite() bool {
	return m.HasPendingRetransmission() || m.HasBufferedFrames()
}

// WriteOrBufferFrame assigns payload a new ID, enqueues it, and — if the
// queue was previously drained — flushes immediately (spec.md §4.11).
func (m *Manager) WriteOrBufferFrame(payload any) (ID, error) {
	hadBuffered := m.HasBufferedFrames()
	id := m.nextID()
	m.frames = append(m.frames, &frameEntry{id: id, payload: payload})
	if len(m.frames) > kMaxNumControlFrames {
		return id, qerrors.New(qerrors.CodeTooManyBufferedControlFrames,
			"more than 1000 buffered control frames")
	}
	if hadBuffered {
		return id, nil
	}
	return id, m.WriteBufferedFrames()
}

// WriteOrBufferWindowUpdate is WriteOrBufferFrame specialized for
// WINDOW_UPDATE payloads (spec.md §8 Scenario S6).
func (m *Manager) WriteOrBufferWindowUpdate(streamID, byteOffset int64) (ID, error) {
	return m.WriteOrBufferFrame(WindowUpdateFrame{StreamID: streamID, ByteOffset: byteOffset})
}

// WritePing buffers a PING frame, but only if no other frame is waiting
// to be sent: PING is dropped outright if any frames are already buffered
// (spec.md §4.11 "PING is dropped if any frames are already buffered"),
// and a PING already queued but not yet sent is never queued twice
// (SUPPLEMENTED FEATURES item 2, original_source's companion rule).
func (m *Manager) WritePing() error {
	if m.HasBufferedFrames() || m.pingPending {
		return nil
	}
	id := m.nextID()
	m.frames = append(m.frames, &frameEntry{id: id, payload: pingPayload{}})
	m.pingPending = true
	if len(m.frames) > kMaxNumControlFrames {
		return qerrors.New(qerrors.CodeTooManyBufferedControlFrames,
			"more than 1000 buffered control frames")
	}
	return m.WriteBufferedFrames()
}

// OnControlFrameSent records that the frame with id has been handed to
// the wire, advancing least_unsent past it and clearing any pending
// retransmission, implicitly acking an older WINDOW_UPDATE for the same
// stream if one is superseded (spec.md §4.11).
func (m *Manager) OnControlFrameSent(id ID) error {
	idx, ok := m.indexOf(id)
	if !ok {
		return qerrors.Bug("OnControlFrameSent: unknown control frame id")
	}
	entry := m.frames[idx]
	if wu, ok := entry.payload.(WindowUpdatePayload); ok {
		streamID := wu.WindowUpdateStreamID()
		if prev, exists := m.windowUpdateFrames[streamID]; exists && id > prev {
			m.onControlFrameIDAcked(prev)
		}
		m.windowUpdateFrames[streamID] = id
	}
	if _, isPing := entry.payload.(pingPayload); isPing {
		m.pingPending = false
	}
	if _, retransmit := m.pendingRetransmissions[id]; retransmit {
		delete(m.pendingRetransmissions, id)
		return nil
	}
	if id > m.leastUnsent {
		return qerrors.Bug("OnControlFrameSent: control frames sent out of order")
	}
	m.leastUnsent++
	return nil
}

// OnControlFrameAcked marks id (and, if it is the latest WINDOW_UPDATE
// for its stream, drops that stream index entry) acked, returning false
// if id was already acked or invalid.
func (m *Manager) OnControlFrameAcked(id ID) bool {
	idx, ok := m.indexOf(id)
	var streamID int64
	var isWindowUpdate bool
	if ok {
		if wu, isWU := m.frames[idx].payload.(WindowUpdatePayload); isWU {
			streamID = wu.WindowUpdateStreamID()
			isWindowUpdate = true
		}
	}
	if !m.onControlFrameIDAcked(id) {
		return false
	}
	if isWindowUpdate {
		if cur, exists := m.windowUpdateFrames[streamID]; exists && cur == id {
			delete(m.windowUpdateFrames, streamID)
		}
	}
	return true
}

// onControlFrameIDAcked tombstones id and pops every now-acked entry off
// the front of the deque, advancing least_unacked (spec.md §4.11).
func (m *Manager) onControlFrameIDAcked(id ID) bool {
	if id == invalidID {
		return false
	}
	idx, ok := m.indexOf(id)
	if !ok {
		return false
	}
	if m.frames[idx].payload == nil {
		// Already acked.
		return false
	}
	m.frames[idx].payload = nil
	delete(m.pendingRetransmissions, id)
	for len(m.frames) > 0 && m.frames[0].payload == nil {
		m.frames = m.frames[1:]
		m.leastUnacked++
	}
	return true
}

// OnControlFrameLost marks id for retransmission unless it has already
// been acked (spec.md §4.11 "on loss, added to pending_retransmissions
// unless already acked").
func (m *Manager) OnControlFrameLost(id ID) error {
	if id >= m.leastUnsent {
		return qerrors.Bug("OnControlFrameLost: frame not yet sent")
	}
	idx, ok := m.indexOf(id)
	if !ok || m.frames[idx].payload == nil {
		// Already acked.
		return nil
	}
	if _, pending := m.pendingRetransmissions[id]; !pending {
		m.pendingRetransmissions[id] = struct{}{}
	}
	return nil
}

// IsControlFrameOutstanding reports whether id has been sent but not yet
// acked.
func (m *Manager) IsControlFrameOutstanding(id ID) bool {
	idx, ok := m.indexOf(id)
	return ok && m.frames[idx].payload != nil
}

// NextPendingRetransmission returns the lowest-id pending retransmission
// and its payload, or ok=false if there is none.
func (m *Manager) NextPendingRetransmission() (id ID, payload any, ok bool) {
	if len(m.pendingRetransmissions) == 0 {
		return 0, nil, false
	}
	var lowest ID
	first := true
	for candidate := range m.pendingRetransmissions {
		if first || candidate < lowest {
			lowest = candidate
			first = false
		}
	}
	idx, exists := m.indexOf(lowest)
	if !exists {
		return 0, nil, false
	}
	return lowest, m.frames[idx].payload, true
}

// WriteBufferedFrames drains newly-buffered (never-sent) frames through
// the Sender in order, stopping at the first write-blocked attempt.
func (m *Manager) WriteBufferedFrames() error {
	for m.HasBufferedFrames() {
		idx, ok := m.indexOf(m.leastUnsent)
		if !ok {
			break
		}
		entry := m.frames[idx]
		if !m.sender.WriteControlFrame(entry.payload) {
			break
		}
		if err := m.OnControlFrameSent(entry.id); err != nil {
			return err
		}
	}
	return nil
}

// WritePendingRetransmission drains pending retransmissions through the
// Sender in id order, stopping at the first write-blocked attempt
// (spec.md §4.11 "on loss, the frame is added to pending_retransmissions").
func (m *Manager) WritePendingRetransmission() error {
	for m.HasPendingRetransmission() {
		id, payload, ok := m.NextPendingRetransmission()
		if !ok {
			break
		}
		if !m.sender.WriteControlFrame(payload) {
			break
		}
		if err := m.OnControlFrameSent(id); err != nil {
			return err
		}
	}
	return nil
}

// OnCanWrite gives pending retransmissions priority over newly-buffered
// frames (spec.md §4.11, matching QuicControlFrameManager::OnCanWrite).
func (m *Manager) OnCanWrite() error {
	if m.HasPendingRetransmission() {
		return m.WritePendingRetransmission()
	}
	return m.WriteBufferedFrames()
}

// LeastUnacked exposes the watermark for invariant checks.
func (m *Manager) LeastUnacked() ID { return m.leastUnacked }

// LeastUnsent exposes the watermark for invariant checks.
func (m *Manager) LeastUnsent() ID { return m.leastUnsent }
