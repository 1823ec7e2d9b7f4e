// Package session ties the unacked packet map, loss detector, congestion
// controller, pacer, stream buffers, flow controllers and control frame
// queue into the single per-connection orchestrator spec.md §2's component
// table describes, adapted from the event loop in
// other_examples/f6d792b0_superfashi-quic-go__session.go.go (NewSession's
// field wiring and handleAckFrame's ReceivedAck → RTT update →
// OnCongestionEvent sequence). The goroutine/channel plumbing that teacher
// uses to drive its loop is dropped: spec.md §5 calls for a single-threaded,
// lock-free, directly-called connection object instead.
package session

import (
	"time"

	"github.com/xtls/quic-sender/ackhandler"
	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/pacing"
	"github.com/xtls/quic-sender/congestion/rttstats"
	"github.com/xtls/quic-sender/controlframe"
	"github.com/xtls/quic-sender/flowcontrol"
	"github.com/xtls/quic-sender/internal/qerrors"
	"github.com/xtls/quic-sender/sender"
	"github.com/xtls/quic-sender/streams"
	"github.com/xtls/quic-sender/transportparams"
)

// numSpaces mirrors ackhandler's three packet-number spaces; kept local
// since ackhandler.numSpaces is unexported.
const numSpaces = 3

// StreamFrame is the concrete carried-frame payload this package gives
// ackhandler.TransmissionInfo.RetransmittableFrames for stream data.
// It implements ackhandler.AggregableFrame so contiguous acked ranges on
// the same stream coalesce before reaching the session notifier. Its
// fields are unexported and reached through accessors of the same names
// the interface requires, since Go forbids a field and method sharing one
// name; NewStreamFrame is the only constructor.
type StreamFrame struct {
	streamID int64
	offset   int64
	length   int64
	fin      bool
}

// NewStreamFrame builds a StreamFrame carrying one stream's [offset,
// offset+length) range, optionally closing the stream.
func NewStreamFrame(streamID, offset, length int64, fin bool) StreamFrame {
	return StreamFrame{streamID: streamID, offset: offset, length: length, fin: fin}
}

func (f StreamFrame) StreamID() int64 { return f.streamID }
func (f StreamFrame) Offset() int64   { return f.offset }
func (f StreamFrame) Length() int64   { return f.length }
func (f StreamFrame) IsFin() bool     { return f.fin }

// blockedFrame and connectionBlockedFrame are the BLOCKED-frame analogues
// of controlframe.WindowUpdateFrame; spec.md §4.10's ShouldSendBlocked is a
// query the session must act on itself, there being no implicit-ack index
// to maintain for them the way WINDOW_UPDATE has one.
type blockedFrame struct {
	StreamID int64
	Offset   congestion.ByteCount
}

type connectionBlockedFrame struct {
	Offset congestion.ByteCount
}

type connectionWindowUpdateFrame struct {
	Offset congestion.ByteCount
}

// Stream bundles one stream's send/receive buffers with its flow
// controller (spec.md §2's per-stream component group).
type Stream struct {
	ID   int64
	Send *streams.SendBuffer
	Recv *streams.ReceiveBuffer
	Flow *flowcontrol.Controller
}

// Config constructs a Connection.
type Config struct {
	Sender sender.Config
	Params transportparams.Parameters
	Now    func() time.Time
}

// Connection is the single-threaded, event-driven owner of one QUIC
// connection's sender-side state: the unacked packet map, adaptive loss
// detector, congestion controller, pacer, per-stream buffers and flow
// control, and the control frame queue (spec.md §2 components A–L).
// Framing, wire encoding, and TLS are out of scope (spec.md §1); Connection
// only sequences the already-built components correctly.
type Connection struct {
	rttStats *rttstats.Stats
	unacked  *ackhandler.Map
	detector *ackhandler.Detector
	cong     congestion.Sender
	pacer    *pacing.Pacer
	connFlow *flowcontrol.Controller
	ctrl     *controlframe.Manager
	params   transportparams.Parameters
	now      func() time.Time

	streams map[int64]*Stream

	// streamHighestOffset and aggregateReceived let the connection-level
	// flow controller track the sum of every stream's highest received
	// offset, since flowcontrol.Controller only ever compares a single
	// absolute offset against its own watermark (spec.md §4.10).
	streamHighestOffset map[int64]congestion.ByteCount
	aggregateReceived   congestion.ByteCount

	// largestAcked per space, used to re-run time-threshold loss detection
	// on a bare timer fire (no fresh ack) without exposing an extra getter
	// on ackhandler.Map.
	largestAcked [numSpaces]congestion.PacketNumber

	outbox []any
}

// New builds a Connection ready to track sent packets from packet number 0
// in every space.
func New(cfg Config) *Connection {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rttStats := rttstats.New()
	cong := sender.New(cfg.Sender, rttStats)
	c := &Connection{
		rttStats: rttStats,
		detector: ackhandler.NewDetector(rttStats),
		cong:     cong,
		pacer:    pacing.New(cong, congestion.InitialPacketSize*congestion.ByteCount(pacing.InitialBurstTokens)),
		params:   cfg.Params,
		now:      now,
		streams:  make(map[int64]*Stream),

		streamHighestOffset: make(map[int64]congestion.ByteCount),
	}
	c.unacked = ackhandler.NewMap(c)
	connWindow := congestion.ByteCount(cfg.Params.InitialMaxData)
	c.connFlow = flowcontrol.NewControllerWithClock(
		flowcontrol.Params{
			ReceiveWindowSize: connWindow,
			// The connection-level window is kept ahead of any one stream's
			// auto-tuned window by the same multiplier EnsureWindowAtLeast
			// grows towards (spec.md §4.10).
			ReceiveWindowSizeLimit: congestion.ByteCount(transportparams.ConnectionLevelWindow(cfg.Params.InitialMaxData)),
			SendWindowOffset:       connWindow,
		},
		rttStats, &connFlowNotifier{c}, nil, now,
	)
	c.ctrl = controlframe.NewManager(c)
	for i := range c.largestAcked {
		c.largestAcked[i] = congestion.InvalidPacketNumber
	}
	return c
}

// RTTStats exposes the shared RTT estimator, e.g. for tracing.
func (c *Connection) RTTStats() *rttstats.Stats { return c.rttStats }

// CongestionSender exposes the selected controller for debug/tests.
func (c *Connection) CongestionSender() congestion.Sender { return c.cong }

// ControlFrames exposes the control frame queue so a packetizer can drive
// WriteBufferedFrames/WritePendingRetransmission directly.
func (c *Connection) ControlFrames() *controlframe.Manager { return c.ctrl }

// DrainOutbox returns and clears every frame control-frame writes queued
// through WriteControlFrame; wire encoding of these is out of scope here.
func (c *Connection) DrainOutbox() []any {
	out := c.outbox
	c.outbox = nil
	return out
}

// WriteControlFrame implements controlframe.Sender by queueing the payload
// for a packetizer to pick up; this package never itself runs out of room
// to "write", so it always reports success.
func (c *Connection) WriteControlFrame(payload any) bool {
	c.outbox = append(c.outbox, payload)
	return true
}

// OpenStream registers a new stream with fresh send/receive buffers and a
// flow controller seeded from the negotiated transport parameters.
func (c *Connection) OpenStream(id int64) *Stream {
	st := &Stream{
		ID:   id,
		Send: streams.NewSendBuffer(),
		// Sized to the stream flow controller's ReceiveWindowSizeLimit below.
		Recv: streams.NewReceiveBuffer(int64(c.connFlow.ReceiveWindowSize())),
	}
	fcParams := flowcontrol.DefaultParams()
	fcParams.ReceiveWindowSize = congestion.ByteCount(c.params.InitialMaxStreamDataBidiLocal)
	fcParams.ReceiveWindowSizeLimit = c.connFlow.ReceiveWindowSize()
	fcParams.SendWindowOffset = congestion.ByteCount(c.params.InitialMaxStreamDataBidiRemote)
	st.Flow = flowcontrol.NewControllerWithClock(fcParams, c.rttStats, &streamFlowNotifier{c, id}, c.connFlow, c.now)
	c.streams[id] = st
	return st
}

// Stream looks up a previously opened stream.
func (c *Connection) Stream(id int64) *Stream { return c.streams[id] }

// WriteStreamData buffers application data for streamID if flow control
// admits all of it. Otherwise it buffers nothing, queues a BLOCKED frame if
// the send window is fully consumed and not yet reported at this offset
// (spec.md §4.10 ShouldSendBlocked), and returns
// FLOW_CONTROL_SENT_TOO_MUCH_DATA.
func (c *Connection) WriteStreamData(streamID int64, data []byte) error {
	st := c.streams[streamID]
	if st == nil {
		return qerrors.Bug("WriteStreamData: unknown stream")
	}
	if !st.Flow.AddBytesSent(congestion.ByteCount(len(data))) {
		if st.Flow.ShouldSendBlocked() {
			c.WriteControlFrame(blockedFrame{StreamID: streamID, Offset: st.Flow.SendWindowSize() + st.Flow.BytesSent()})
		}
		return qerrors.New(qerrors.CodeFlowControlSentTooMuchData, "stream send window exhausted")
	}
	st.Send.SaveStreamData(data)
	return nil
}

// OnStreamDataReceived delivers an incoming STREAM frame to streamID's
// receive buffer, enforcing both the stream- and connection-level receive
// windows before the bytes are ever copied (spec.md §2 "Data flow on
// receive").
func (c *Connection) OnStreamDataReceived(streamID, offset int64, data []byte) error {
	st := c.streams[streamID]
	if st == nil {
		return qerrors.Bug("OnStreamDataReceived: unknown stream")
	}
	end := congestion.ByteCount(offset + int64(len(data)))
	if st.Flow.UpdateHighestReceivedOffset(end) {
		delta := end - c.streamHighestOffset[streamID]
		c.streamHighestOffset[streamID] = end
		c.aggregateReceived += delta
		c.connFlow.UpdateHighestReceivedOffset(c.aggregateReceived)
	}
	if st.Flow.FlowControlViolation() || c.connFlow.FlowControlViolation() {
		return qerrors.New(qerrors.CodeFlowControlReceivedTooMuchData, "flow control violation")
	}
	if _, err := st.Recv.OnStreamData(offset, data); err != nil {
		return err
	}
	return nil
}

// ConsumeStreamData marks n readable bytes of streamID's receive buffer
// consumed and tells both the stream- and connection-level flow controllers,
// possibly triggering a WINDOW_UPDATE (spec.md §4.10 AddBytesConsumed). It
// does nothing if fewer than n bytes are readable.
func (c *Connection) ConsumeStreamData(streamID int64, n int64) {
	st := c.streams[streamID]
	if st == nil {
		return
	}
	if !st.Recv.MarkConsumed(n) {
		return
	}
	st.Flow.AddBytesConsumed(congestion.ByteCount(n))
	c.connFlow.AddBytesConsumed(congestion.ByteCount(n))
}

// OnPacketSent records a freshly sent packet with both the pacer (which
// forwards accounting to the congestion controller) and the unacked packet
// map (spec.md §2 "Data flow on send").
func (c *Connection) OnPacketSent(space ackhandler.Space, pn congestion.PacketNumber, sentTime time.Time, bytes congestion.ByteCount, isRetransmittable bool, frames []ackhandler.Frame) error {
	bytesInFlight := c.unacked.BytesInFlight(space)
	c.pacer.OnPacketSent(sentTime, bytesInFlight, pn, bytes, isRetransmittable)
	info := &ackhandler.TransmissionInfo{
		PacketNumber:          pn,
		SentTime:              sentTime,
		BytesSent:             bytes,
		RetransmittableFrames: frames,
	}
	return c.unacked.AddSentPacket(space, info, isRetransmittable, isRetransmittable)
}

// TimeUntilSend reports how long the caller should wait before its next
// send, per the pacer's burst/lumpy/rate-limited state.
func (c *Connection) TimeUntilSend(space ackhandler.Space) time.Duration {
	return c.pacer.TimeUntilSend(c.now(), c.unacked.BytesInFlight(space))
}

// OnAckReceived processes one incoming ACK frame's range of newly-acked
// packet numbers (ascending, already deduplicated by the caller) against
// space, implementing spec.md §5's fixed ordering: (1) the bandwidth
// sampler (embedded in the congestion controller) consumes acks ascending,
// by packet-number order, as this function walks ackedPNs; (2) the loss
// detector runs against the now-updated unacked map; (3) the congestion
// controller receives one bundled CongestionEvent; (4) pacing/cwnd are
// refreshed; (5) control-frame fan-outs flush last.
func (c *Connection) OnAckReceived(space ackhandler.Space, ackedPNs []congestion.PacketNumber, ackDelay time.Duration, now time.Time) error {
	if len(ackedPNs) == 0 {
		return nil
	}
	priorInFlight := c.unacked.BytesInFlight(space)

	largestNewlyAcked := ackedPNs[len(ackedPNs)-1]
	ackedInfos := make([]congestion.AckedPacketInfo, 0, len(ackedPNs))
	for _, pn := range ackedPNs {
		info := c.unacked.GetTransmissionInfo(space, pn)
		if info == nil {
			continue
		}
		bytesSent, sentTime := info.BytesSent, info.SentTime
		measureRTT := pn == largestNewlyAcked && info.State != ackhandler.StateNotContributingRTT
		c.unacked.OnPacketAcked(space, pn, ackDelay)
		ackedInfos = append(ackedInfos, congestion.AckedPacketInfo{
			PacketNumber: pn,
			BytesAcked:   bytesSent,
			ReceivedTime: now,
		})
		if measureRTT {
			c.rttStats.UpdateRtt(now.Sub(sentTime), ackDelay, now)
		}
	}
	if largestNewlyAcked > c.largestAcked[space] || c.largestAcked[space] == congestion.InvalidPacketNumber {
		c.largestAcked[space] = largestNewlyAcked
	}

	lost := c.detector.DetectLosses(c.unacked, space, now, largestNewlyAcked, ackedPNs)
	lostInfos := make([]congestion.LostPacketInfo, 0, len(lost))
	for _, lp := range lost {
		c.unacked.NotifyFramesLost(space, lp.PacketNumber)
		lostInfos = append(lostInfos, congestion.LostPacketInfo{PacketNumber: lp.PacketNumber, BytesLost: lp.BytesSent})
	}

	c.cong.OnCongestionEvent(priorInFlight, now, ackedInfos, lostInfos)
	c.pacer.TimeUntilSend(now, c.unacked.BytesInFlight(space))

	c.unacked.FlushPendingAggregates()
	return c.ctrl.OnCanWrite()
}

// DequeueRetransmission signals that packetNumber's retransmittable frames
// are being re-sent right now, clearing them from the entry so a later
// loss declaration for the same packet number never double-retransmits
// (spec.md §4.1 RetransmitFrames).
func (c *Connection) DequeueRetransmission(space ackhandler.Space, pn congestion.PacketNumber) {
	c.unacked.RetransmitFrames(space, pn)
}

// OnLossDetectionTimeout fires when space's loss-detection timer expires.
// If no ack has ever been received for this space, there is nothing for
// the time-threshold detector to re-scan against, so this is a probe
// timeout instead (spec.md §4.4 OnRetransmissionTimeout).
func (c *Connection) OnLossDetectionTimeout(space ackhandler.Space, now time.Time) error {
	la := c.largestAcked[space]
	if la == congestion.InvalidPacketNumber {
		return c.onProbeTimeout(space)
	}

	priorInFlight := c.unacked.BytesInFlight(space)
	lost := c.detector.DetectLosses(c.unacked, space, now, la, nil)
	lostInfos := make([]congestion.LostPacketInfo, 0, len(lost))
	for _, lp := range lost {
		c.unacked.NotifyFramesLost(space, lp.PacketNumber)
		lostInfos = append(lostInfos, congestion.LostPacketInfo{PacketNumber: lp.PacketNumber, BytesLost: lp.BytesSent})
	}
	if len(lostInfos) > 0 {
		c.cong.OnCongestionEvent(priorInFlight, now, nil, lostInfos)
	}
	return c.ctrl.OnCanWrite()
}

func (c *Connection) onProbeTimeout(space ackhandler.Space) error {
	pn := c.unacked.LeastUnacked(space)
	info := c.unacked.GetTransmissionInfo(space, pn)
	retransmitted := info != nil
	if info != nil {
		c.unacked.RetransmitFrames(space, pn)
	}
	c.cong.OnRetransmissionTimeout(retransmitted)
	return c.ctrl.OnCanWrite()
}

// LossTimeout exposes the detector's next armed timer for space, or the
// zero Time if none is armed.
func (c *Connection) LossTimeout(space ackhandler.Space) time.Time {
	return c.detector.LossTimeout(space)
}

// OnFrameAcked implements ackhandler.Notifier: an acked STREAM frame
// advances its SendBuffer's bytes_acked interval set.
func (c *Connection) OnFrameAcked(f ackhandler.Frame, ackDelay time.Duration, sentTime time.Time) {
	sf, ok := f.(StreamFrame)
	if !ok {
		return
	}
	st := c.streams[sf.StreamID()]
	if st == nil {
		return
	}
	st.Send.OnStreamDataAcked(sf.Offset(), sf.Length())
}

// OnFrameLost implements ackhandler.Notifier: a lost STREAM frame's range
// is added to its SendBuffer's pending_retransmissions.
func (c *Connection) OnFrameLost(f ackhandler.Frame) {
	sf, ok := f.(StreamFrame)
	if !ok {
		return
	}
	st := c.streams[sf.StreamID()]
	if st == nil {
		return
	}
	st.Send.OnStreamDataLost(sf.Offset(), sf.Length())
}

// RetransmitFrames implements ackhandler.Notifier, fanning frames a
// DequeueRetransmission call is actively re-sending out to their streams'
// SendBuffers.
func (c *Connection) RetransmitFrames(fs []ackhandler.Frame) {
	for _, f := range fs {
		sf, ok := f.(StreamFrame)
		if !ok {
			continue
		}
		st := c.streams[sf.StreamID()]
		if st == nil {
			continue
		}
		st.Send.OnStreamDataRetransmitted(sf.Offset(), sf.Length())
	}
}

// streamFlowNotifier adapts one stream's flowcontrol.Controller to the
// control frame queue, since flowcontrol.SessionNotifier's callbacks carry
// only an offset, not a stream ID.
type streamFlowNotifier struct {
	conn     *Connection
	streamID int64
}

func (n *streamFlowNotifier) SendWindowUpdate(newOffset congestion.ByteCount) {
	n.conn.ctrl.WriteOrBufferWindowUpdate(n.streamID, int64(newOffset))
}

func (n *streamFlowNotifier) SendBlocked(sentOffset congestion.ByteCount) {
	n.conn.WriteControlFrame(blockedFrame{StreamID: n.streamID, Offset: sentOffset})
}

// connFlowNotifier is streamFlowNotifier's connection-level counterpart.
type connFlowNotifier struct{ conn *Connection }

func (n *connFlowNotifier) SendWindowUpdate(newOffset congestion.ByteCount) {
	n.conn.WriteControlFrame(connectionWindowUpdateFrame{Offset: newOffset})
}

func (n *connFlowNotifier) SendBlocked(sentOffset congestion.ByteCount) {
	n.conn.WriteControlFrame(connectionBlockedFrame{Offset: sentOffset})
}
