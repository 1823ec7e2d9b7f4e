// Package ackhandler implements the unacked packet map (spec.md §4.1) and
// the adaptive packet+time threshold loss detector (spec.md §4.2),
// adapted from the quic-go ackhandler forks retrieved for this pack
// (_examples/other_examples/*sent_packet_handler.go) and from
// original_source/quic_unacked_packet_map.cc and
// original_source/general_loss_algorithm.cc for the exact detection
// semantics the distillation leaves implicit.
package ackhandler

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
)

// Space names one of the three packet-number spaces a connection tracks
// independently (spec.md §3 "Packet numbers and spaces").
type Space int

const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceApplication
	numSpaces
)

func (s Space) String() string {
	switch s {
	case SpaceInitial:
		return "INITIAL"
	case SpaceHandshake:
		return "HANDSHAKE"
	case SpaceApplication:
		return "APPLICATION"
	default:
		return "UNKNOWN"
	}
}

// TransmissionType records why a packet was sent, distinguishing original
// data from the various retransmission paths (spec.md §3).
type TransmissionType int

const (
	TransmissionOriginal TransmissionType = iota
	TransmissionPTO
	TransmissionLoss
	TransmissionProbing
)

// PacketState is a TransmissionInfo's lifecycle state (spec.md §3).
type PacketState int

const (
	StateNeverSent PacketState = iota
	StateOutstanding
	StateAcked
	StateLost
	StateNeutered
	StateNotContributingRTT
)

// Frame is an opaque retransmittable payload. Frame encoding/decoding is
// explicitly out of scope (spec.md §1 "OUT OF SCOPE: framing/wire
// encoding of packets"); the unacked map only needs to carry frames
// through to NotifyFramesLost/RetransmitFrames without interpreting them.
type Frame any

// TransmissionInfo is the per-unacked-packet metadata the map keeps from
// AddSentPacket until the packet is acked, declared lost, or neutered
// (spec.md §3).
type TransmissionInfo struct {
	PacketNumber      congestion.PacketNumber
	EncryptionLevel   Space
	TransmissionType  TransmissionType
	SentTime          time.Time
	BytesSent         congestion.ByteCount
	InFlight          bool
	State             PacketState
	RetransmittableFrames []Frame
	LargestAcked      congestion.PacketNumber
	FirstSentAfterLoss congestion.PacketNumber
	HasCryptoHandshake bool
	HasAckFrequency    bool
	ECNCodepoint       uint8
}

// useful reports whether an entry could still inform RTT, is still in
// flight, or may still need retransmitting — the predicate
// RemoveObsoletePackets prunes the front of the deque against (spec.md
// §3 "A packet is 'useful' iff ...").
func (t *TransmissionInfo) useful() bool {
	if t.InFlight {
		return true
	}
	if t.State == StateOutstanding {
		return true
	}
	return len(t.RetransmittableFrames) > 0 && t.State != StateAcked && t.State != StateNeutered
}
