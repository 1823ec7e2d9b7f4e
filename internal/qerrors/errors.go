// Package qerrors is a drop-in-flavored error builder for the sending
// pipeline, adapted from xray-core's common/errors package. Unlike the
// original it never logs: this core is a library, not an application, so it
// only builds chainable, severity-tagged errors for a caller to inspect or
// log itself.
package qerrors

import (
	"strings"
)

// Severity mirrors xray-core's log.Severity levels without depending on its
// logging stack.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// Code is the error taxonomy from spec.md §7. A Code is always wrapped in an
// *Error so callers can attach context with Base/AtSeverity.
type Code string

const (
	// Peer-protocol violations: immediately close the connection.
	CodeFlowControlReceivedTooMuchData Code = "FLOW_CONTROL_RECEIVED_TOO_MUCH_DATA"
	CodeFlowControlSentTooMuchData     Code = "FLOW_CONTROL_SENT_TOO_MUCH_DATA"
	CodeStreamLengthOverflow           Code = "STREAM_LENGTH_OVERFLOW"
	CodeStreamDataBeyondCloseOffset    Code = "STREAM_DATA_BEYOND_CLOSE_OFFSET"
	CodeStreamMultipleOffset           Code = "STREAM_MULTIPLE_OFFSET"
	CodeTooManyStreamDataIntervals     Code = "TOO_MANY_STREAM_DATA_INTERVALS"
	CodeEmptyStreamFrameNoFin          Code = "EMPTY_STREAM_FRAME_NO_FIN"
	CodeProtocolViolation              Code = "PROTOCOL_VIOLATION"

	// Local invariant violations: instrumented bugs, also close the connection.
	CodeInternalError Code = "INTERNAL_ERROR"

	// Resource exhaustion.
	CodeTooManyBufferedControlFrames Code = "TOO_MANY_BUFFERED_CONTROL_FRAMES"

	// 0-RTT transport-parameter regressions (see spec.md §6).
	CodeZeroRTTRejectionLimitReduced  Code = "ZERO_RTT_REJECTION_LIMIT_REDUCED"
	CodeZeroRTTResumptionLimitReduced Code = "ZERO_RTT_RESUMPTION_LIMIT_REDUCED"
)

// Error is a chainable error carrying a taxonomy Code, a short reason, an
// optional inner cause, and a severity. It is always produced through New or
// Bug so the Code is never left unset.
type Error struct {
	code     Code
	reason   []string
	inner    error
	severity Severity
}

func New(code Code, reason ...string) *Error {
	return &Error{code: code, reason: reason, severity: SeverityError}
}

// Bug builds a CodeInternalError at AtError severity, matching the taxonomy's
// "instrumented bugs" category (spec.md §7 item 2): local invariant
// violations that unit tests must catch before release.
func Bug(reason ...string) *Error {
	return New(CodeInternalError, reason...)
}

func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

func (e *Error) AtSeverity(s Severity) *Error {
	e.severity = s
	return e
}

func (e *Error) Severity() Severity {
	return e.severity
}

func (e *Error) Code() Code {
	return e.code
}

func (e *Error) Error() string {
	b := strings.Builder{}
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteByte(']')
	if len(e.reason) > 0 {
		b.WriteByte(' ')
		b.WriteString(strings.Join(e.reason, " "))
	}
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.inner
}

// Is lets callers write errors.Is(err, qerrors.New(qerrors.CodeInternalError))
// to test only the taxonomy code, ignoring reason/inner.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.code == e.code
}
