// Package transportparams implements the wire-exact transport parameter
// semantics exchanged during the TLS handshake (spec.md §6 "External
// interfaces"), grounded on
// original_source/quic_config.cc and the constant catalogue in
// other_examples/...server_parameters.go.
package transportparams

import (
	"time"

	"github.com/google/uuid"
	"github.com/xtls/quic-sender/internal/qerrors"
)

// Defaults mirror the teacher pack's server_parameters.go constant
// catalogue, scaled to this module's byte-count/duration types.
const (
	DefaultInitialMaxData                  = 1 * (1 << 20) // 1 MB
	DefaultInitialMaxStreamDataBidiLocal    = 32 * (1 << 10)
	DefaultInitialMaxStreamDataBidiRemote   = 32 * (1 << 10)
	DefaultInitialMaxStreamDataUni          = 32 * (1 << 10)
	DefaultInitialMaxStreamsBidi            = 100
	DefaultInitialMaxStreamsUni             = 100
	DefaultMaxIdleTimeout                   = 30 * time.Second
	DefaultAckDelayExponent                 = 3
	DefaultMaxAckDelay                      = 25 * time.Millisecond
	DefaultActiveConnectionIDLimit          = 2
	ConnectionFlowControlMultiplier float64 = 1.5
)

// StatelessResetToken is the 16-byte reset token (spec.md §6).
type StatelessResetToken [16]byte

// PreferredAddress carries the server's preferred alternate address
// (spec.md §6 "preferred_address").
type PreferredAddress struct {
	IPv4       [4]byte
	IPv4Port   uint16
	IPv6       [16]byte
	IPv6Port   uint16
	ConnID     []byte
	ResetToken StatelessResetToken
}

// ConnectionID is a raw QUIC connection identifier (up to 20 bytes on the
// wire); DebugID mints a uuid.UUID handle for host-application logging
// correlation, never placed on the wire itself.
type ConnectionID []byte

// DebugID mints an opaque correlation identifier for a connection ID, for
// a host application's own tracing/logging — not a wire format.
func DebugID() uuid.UUID { return uuid.New() }

// Parameters is the abstract TransportParameters record spec.md §6 reads
// and writes fields from during the handshake.
type Parameters struct {
	OriginalDestinationConnectionID ConnectionID
	InitialSourceConnectionID       ConnectionID
	RetrySourceConnectionID         ConnectionID

	MaxIdleTimeout      time.Duration
	StatelessResetToken *StatelessResetToken
	MaxUDPPayloadSize   int64

	InitialMaxData                     int64
	InitialMaxStreamDataBidiLocal      int64
	InitialMaxStreamDataBidiRemote     int64
	InitialMaxStreamDataUni            int64
	InitialMaxStreamsBidi              int64
	InitialMaxStreamsUni                int64

	AckDelayExponent uint8
	MaxAckDelay      time.Duration
	MinAckDelay      time.Duration

	DisableActiveMigration  bool
	PreferredAddress        *PreferredAddress
	ActiveConnectionIDLimit int64

	GoogleConnectionOptions ConnectionOptions
	GoogleHandshakeMessage  []byte
	CustomParameters        map[uint64][]byte
}

// DefaultParameters returns the teacher-pack-derived defaults (spec.md §6
// table), suitable as the local side of a handshake before negotiation.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIdleTimeout:                  DefaultMaxIdleTimeout,
		InitialMaxData:                  DefaultInitialMaxData,
		InitialMaxStreamDataBidiLocal:   DefaultInitialMaxStreamDataBidiLocal,
		InitialMaxStreamDataBidiRemote:  DefaultInitialMaxStreamDataBidiRemote,
		InitialMaxStreamDataUni:         DefaultInitialMaxStreamDataUni,
		InitialMaxStreamsBidi:           DefaultInitialMaxStreamsBidi,
		InitialMaxStreamsUni:            DefaultInitialMaxStreamsUni,
		AckDelayExponent:                DefaultAckDelayExponent,
		MaxAckDelay:                     DefaultMaxAckDelay,
		ActiveConnectionIDLimit:         DefaultActiveConnectionIDLimit,
	}
}

// EffectiveIdleTimeout implements spec.md §6's
// "effective value is min(local, remote); 0 disables": if either side is
// zero, the other side's value governs outright; 0 only results when
// both sides are zero.
func EffectiveIdleTimeout(local, remote time.Duration) time.Duration {
	if local == 0 {
		return remote
	}
	if remote == 0 {
		return local
	}
	if local < remote {
		return local
	}
	return remote
}

// ValidateMinAckDelay enforces spec.md §6's
// "min_ack_delay_us must be <= max_ack_delay x 1000; else PROTOCOL_VIOLATION".
func ValidateMinAckDelay(minAckDelay, maxAckDelay time.Duration) error {
	if minAckDelay > maxAckDelay {
		return qerrors.New(qerrors.CodeProtocolViolation,
			"min_ack_delay exceeds max_ack_delay")
	}
	return nil
}

// ZeroRTTRegression checks a freshly received initial_max_stream_data_*
// value against the value a previous 0-RTT attempt provided, per spec.md
// §6: a strictly smaller value is fatal, with the specific code
// depending on whether the 0-RTT attempt was ultimately rejected.
func ZeroRTTRegression(previouslyProvided, nowReceived int64, zeroRTTRejected bool) error {
	if nowReceived >= previouslyProvided {
		return nil
	}
	if zeroRTTRejected {
		return qerrors.New(qerrors.CodeZeroRTTRejectionLimitReduced,
			"initial_max_stream_data reduced below 0-RTT value on a rejected attempt")
	}
	return qerrors.New(qerrors.CodeZeroRTTResumptionLimitReduced,
		"initial_max_stream_data reduced below 0-RTT value on an accepted attempt")
}

// ConnectionLevelWindow returns the connection-level receive window that
// should accompany a stream-level window of streamWindow, per spec.md
// §4.10's kSessionFlowControlMultiplier.
func ConnectionLevelWindow(streamWindow int64) int64 {
	return int64(float64(streamWindow) * ConnectionFlowControlMultiplier)
}
