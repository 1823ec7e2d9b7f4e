// Package flowcontrol implements per-stream and per-connection byte-window
// flow control (spec.md §3 "Flow controller", §4.10), adapted from
// original_source/quic_flow_controller.cc. Both the stream-level and
// connection-level controllers share one Controller type; the connection
// controller is told about its child streams only through
// EnsureWindowAtLeast, called by a stream controller's own auto-tuning.
package flowcontrol

import (
	"sync"
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

// kSessionFlowControlMultiplier is the factor by which the connection-level
// receive window is kept ahead of any one stream's auto-tuned window
// (spec.md §4.10 "grown to keep it ≥ kSessionFlowControlMultiplier ×
// stream_window").
const kSessionFlowControlMultiplier = 1.5

// Params configures a new Controller.
type Params struct {
	// SendWindowOffset is the initial send_window_offset: how many bytes
	// we may send before the peer grants more.
	SendWindowOffset congestion.ByteCount
	// ReceiveWindowSize is the initial receive_window_size and
	// receive_window_offset (spec.md §3 "Flow controller").
	ReceiveWindowSize congestion.ByteCount
	// ReceiveWindowSizeLimit bounds auto-tuning (spec.md §4.10).
	ReceiveWindowSizeLimit congestion.ByteCount
	// AutoTuneReceiveWindow enables MaybeIncreaseMaxWindowSize's doubling
	// behavior; disabled for controllers the caller sizes manually.
	AutoTuneReceiveWindow bool
}

// DefaultParams returns the stream-level defaults named in spec.md §8
// Scenario S4: a 64KB initial receive window bounded by a 1MB limit.
func DefaultParams() Params {
	return Params{
		SendWindowOffset:       0,
		ReceiveWindowSize:      64 * 1024,
		ReceiveWindowSizeLimit: 1024 * 1024,
		AutoTuneReceiveWindow:  true,
	}
}

// SessionNotifier is how a Controller asks its owner to emit a WINDOW_UPDATE
// or BLOCKED frame. Concrete frame construction is out of scope for this
// package (spec.md §1).
type SessionNotifier interface {
	SendWindowUpdate(newOffset congestion.ByteCount)
	SendBlocked(sentOffset congestion.ByteCount)
}

// Controller is one flow-control window, either for a single stream or for
// the whole connection (spec.md §3 "Flow controller").
type Controller struct {
	mu sync.Mutex

	rttStats *rttstats.Stats
	notifier SessionNotifier
	now      func() time.Time
	// connController is the session-level controller this stream
	// controller reports auto-tuning growth to, or nil for the
	// connection controller itself.
	connController *Controller

	bytesSent        congestion.ByteCount
	sendWindowOffset congestion.ByteCount

	bytesConsumed            congestion.ByteCount
	highestReceivedByteOffset congestion.ByteCount
	receiveWindowOffset      congestion.ByteCount
	receiveWindowSize        congestion.ByteCount
	receiveWindowSizeLimit   congestion.ByteCount

	autoTuneReceiveWindow bool
	prevWindowUpdateTime  time.Time
	prevWindowUpdateSet   bool

	lastBlockedSendWindowOffset congestion.ByteCount
}

// NewController builds a stream-level controller. connController, if
// non-nil, is the session's connection-level controller; its window is
// grown via EnsureWindowAtLeast whenever this stream's window auto-tunes up.
func NewController(p Params, rttStats *rttstats.Stats, notifier SessionNotifier, connController *Controller) *Controller {
	return NewControllerWithClock(p, rttStats, notifier, connController, time.Now)
}

// NewControllerWithClock is NewController with an injectable clock, used by
// tests that need exact control over window-update timing (spec.md §8
// Scenario S4).
func NewControllerWithClock(p Params, rttStats *rttstats.Stats, notifier SessionNotifier, connController *Controller, now func() time.Time) *Controller {
	return &Controller{
		rttStats:               rttStats,
		notifier:                notifier,
		now:                     now,
		connController:          connController,
		sendWindowOffset:        p.SendWindowOffset,
		receiveWindowOffset:     p.ReceiveWindowSize,
		receiveWindowSize:       p.ReceiveWindowSize,
		receiveWindowSizeLimit:  p.ReceiveWindowSizeLimit,
		autoTuneReceiveWindow:   p.AutoTuneReceiveWindow,
	}
}

// AddBytesSent records bytes queued for sending and returns false if doing
// so would exceed send_window_offset (spec.md §8 invariant 6). The caller
// must not actually send the bytes when this returns false.
func (c *Controller) AddBytesSent(n congestion.ByteCount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytesSent+n > c.sendWindowOffset {
		return false
	}
	c.bytesSent += n
	return true
}

// SendWindowSize is how many more bytes may be sent before blocking.
func (c *Controller) SendWindowSize() congestion.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendWindowSizeLocked()
}

func (c *Controller) sendWindowSizeLocked() congestion.ByteCount {
	if c.bytesSent > c.sendWindowOffset {
		return 0
	}
	return c.sendWindowOffset - c.bytesSent
}

// IsBlocked reports whether the send window is fully consumed.
func (c *Controller) IsBlocked() bool {
	return c.SendWindowSize() == 0
}

// ShouldSendBlocked implements spec.md §4.10: true once, at a given
// send_window_offset, when the send window is fully consumed.
func (c *Controller) ShouldSendBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendWindowSizeLocked() != 0 || c.lastBlockedSendWindowOffset >= c.sendWindowOffset {
		return false
	}
	c.lastBlockedSendWindowOffset = c.sendWindowOffset
	return true
}

// UpdateSendWindowOffset applies a peer-sent MAX_DATA/MAX_STREAM_DATA,
// reporting whether this update unblocked a previously blocked sender.
func (c *Controller) UpdateSendWindowOffset(newOffset congestion.ByteCount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newOffset <= c.sendWindowOffset {
		return false
	}
	wasBlocked := c.sendWindowSizeLocked() == 0
	c.sendWindowOffset = newOffset
	return wasBlocked
}

// UpdateHighestReceivedOffset records the highest byte offset seen in an
// incoming STREAM/CRYPTO frame, returning true iff it advanced.
func (c *Controller) UpdateHighestReceivedOffset(newOffset congestion.ByteCount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newOffset <= c.highestReceivedByteOffset {
		return false
	}
	c.highestReceivedByteOffset = newOffset
	return true
}

// FlowControlViolation implements spec.md §4.10: "Violation is declared
// when highest_received_byte_offset > receive_window_offset".
func (c *Controller) FlowControlViolation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestReceivedByteOffset > c.receiveWindowOffset
}

// AddBytesConsumed records application-level bytes read off the stream and
// may trigger a WINDOW_UPDATE (spec.md §4.10).
func (c *Controller) AddBytesConsumed(n congestion.ByteCount) {
	c.mu.Lock()
	c.bytesConsumed += n
	c.mu.Unlock()
	c.maybeSendWindowUpdate()
}

func (c *Controller) windowUpdateThreshold() congestion.ByteCount {
	return c.receiveWindowSize / 2
}

// maybeSendWindowUpdate is MaybeSendWindowUpdate: sends a WINDOW_UPDATE once
// available_window falls below half the receive window, auto-tuning the
// window size first.
func (c *Controller) maybeSendWindowUpdate() {
	c.mu.Lock()

	availableWindow := c.receiveWindowOffset - c.bytesConsumed
	threshold := c.windowUpdateThreshold()
	if availableWindow >= threshold {
		c.mu.Unlock()
		return
	}

	c.maybeIncreaseMaxWindowSizeLocked()
	newOffset := c.updateReceiveWindowOffsetLocked(availableWindow)
	c.mu.Unlock()

	c.notifier.SendWindowUpdate(newOffset)
}

// maybeIncreaseMaxWindowSizeLocked is MaybeIncreaseMaxWindowSize: doubles
// receive_window_size (bounded by the limit) when two successive window
// updates land within 2*smoothed_rtt of each other, and propagates the
// growth to the connection-level controller (spec.md §4.10).
func (c *Controller) maybeIncreaseMaxWindowSizeLocked() {
	now := c.now()
	prev := c.prevWindowUpdateTime
	prevSet := c.prevWindowUpdateSet
	c.prevWindowUpdateTime = now
	c.prevWindowUpdateSet = true
	if !prevSet {
		return
	}
	if !c.autoTuneReceiveWindow {
		return
	}

	var rtt time.Duration
	if c.rttStats != nil {
		rtt = c.rttStats.SmoothedRTT()
	}
	if rtt == 0 {
		return
	}

	sinceLast := now.Sub(prev)
	if sinceLast >= 2*rtt {
		return
	}

	oldWindow := c.receiveWindowSize
	c.increaseWindowSizeLocked()
	if c.receiveWindowSize <= oldWindow {
		return
	}

	if c.connController != nil {
		want := congestion.ByteCount(float64(c.receiveWindowSize) * kSessionFlowControlMultiplier)
		c.mu.Unlock()
		c.connController.EnsureWindowAtLeast(want)
		c.mu.Lock()
	}
}

func (c *Controller) increaseWindowSizeLocked() {
	c.receiveWindowSize *= 2
	if c.receiveWindowSize > c.receiveWindowSizeLimit {
		c.receiveWindowSize = c.receiveWindowSizeLimit
	}
}

func (c *Controller) updateReceiveWindowOffsetLocked(availableWindow congestion.ByteCount) congestion.ByteCount {
	c.receiveWindowOffset += c.receiveWindowSize - availableWindow
	return c.receiveWindowOffset
}

// EnsureWindowAtLeast grows the receive window (and offset) directly to
// windowSize, capped by receive_window_size_limit, if it is currently
// smaller, emitting a WINDOW_UPDATE immediately. Used to keep the
// connection-level controller's window ahead of its busiest stream
// (spec.md §4.10).
//
// original_source/quic_flow_controller.cc instead compares windowSize
// against receive_window_size_limit_ and, when it proceeds, only doubles
// the window once rather than growing it directly to windowSize — since
// that can leave the connection window below the multiplier target it was
// asked to reach, this generalizes it to grow straight to the requested
// size.
func (c *Controller) EnsureWindowAtLeast(windowSize congestion.ByteCount) {
	c.mu.Lock()
	if c.receiveWindowSize >= windowSize {
		c.mu.Unlock()
		return
	}
	availableWindow := c.receiveWindowOffset - c.bytesConsumed
	c.receiveWindowSize = windowSize
	if c.receiveWindowSize > c.receiveWindowSizeLimit {
		c.receiveWindowSize = c.receiveWindowSizeLimit
	}
	newOffset := c.updateReceiveWindowOffsetLocked(availableWindow)
	c.mu.Unlock()

	c.notifier.SendWindowUpdate(newOffset)
}

// ReceiveWindowSize returns the current receive_window_size, chiefly for
// tests asserting auto-tuning behavior.
func (c *Controller) ReceiveWindowSize() congestion.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveWindowSize
}

// ReceiveWindowOffset returns the current receive_window_offset.
func (c *Controller) ReceiveWindowOffset() congestion.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveWindowOffset
}

// BytesSent returns bytes_sent, for invariant checks.
func (c *Controller) BytesSent() congestion.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent
}
