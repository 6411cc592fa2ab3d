// Package proto defines the wire-level vocabulary shared by the daemon,
// session server, arbiter and participant runtime: message tags, the
// session identifier type, and the protocol-violation error used when a
// frame arrives out of the step a component expects.
package proto

import (
	"fmt"

	liberr "github.com/nabbar/dsm/errors"
)

// SessionID is the opaque, fixed-size session identifier exchanged
// between the daemon, session server and arbiter.
type SessionID [32]byte

// NewSessionID builds a SessionID from a string, truncating or
// zero-padding to the fixed width.
func NewSessionID(s string) SessionID {
	var id SessionID
	copy(id[:], s)
	return id
}

func (s SessionID) String() string {
	n := 0
	for n < len(s) && s[n] != 0 {
		n++
	}
	return string(s[:n])
}

// MarshalText implements encoding.TextMarshaler so a SessionID can be
// used directly as a structured log field or config value.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tag identifies the kind of a wire frame. Values mirror the message
// table: one tag per request/reply kind of the session protocol.
type Tag uint8

const (
	TagUnknown Tag = iota
	TagGetSession
	TagSetSession
	TagDelSession
	TagAddProc
	TagSetGid
	TagStopAll
	TagStopDone
	TagWriteOkay
	TagSyncReq
	TagSyncInfo
	TagSyncDone
	TagContAll
	TagWaitBarr
	TagWaitDone
	TagPrgmDone
)

func (t Tag) String() string {
	switch t {
	case TagGetSession:
		return "GET_SESSION"
	case TagSetSession:
		return "SET_SESSION"
	case TagDelSession:
		return "DEL_SESSION"
	case TagAddProc:
		return "ADD_PROC"
	case TagSetGid:
		return "SET_GID"
	case TagStopAll:
		return "STOP_ALL"
	case TagStopDone:
		return "STOP_DONE"
	case TagWriteOkay:
		return "WRITE_OKAY"
	case TagSyncReq:
		return "SYNC_REQ"
	case TagSyncInfo:
		return "SYNC_INFO"
	case TagSyncDone:
		return "SYNC_DONE"
	case TagContAll:
		return "CONT_ALL"
	case TagWaitBarr:
		return "WAIT_BARR"
	case TagWaitDone:
		return "WAIT_DONE"
	case TagPrgmDone:
		return "PRGM_DONE"
	default:
		return "UNKNOWN"
	}
}

// Error codes, one block per component, following the kept errors
// package convention of a registered CodeError per failure kind.
const (
	CodeDaemonBlock    liberr.CodeError = 1000
	CodeSessionBlock   liberr.CodeError = 2000
	CodeArbiterBlock   liberr.CodeError = 3000
	CodeParticipantBlock liberr.CodeError = 4000
)

const (
	CodeUnknownTag liberr.CodeError = CodeArbiterBlock + iota
	CodeUnauthorizedSender
	CodeOutOfStepMessage
	CodeCountMismatch
)

const (
	CodeWriteTooWide liberr.CodeError = CodeParticipantBlock + iota
)

func init() {
	liberr.RegisterIdFctMessage(CodeUnknownTag, func(code liberr.CodeError) string {
		return "received frame with unrecognized message tag"
	})
	liberr.RegisterIdFctMessage(CodeUnauthorizedSender, func(code liberr.CodeError) string {
		return "received a protocol-restricted message from an unauthorized sender"
	})
	liberr.RegisterIdFctMessage(CodeOutOfStepMessage, func(code liberr.CodeError) string {
		return "received message not matching the current protocol step"
	})
	liberr.RegisterIdFctMessage(CodeCountMismatch, func(code liberr.CodeError) string {
		return "acknowledgement count does not match expected participant count"
	})
	liberr.RegisterIdFctMessage(CodeWriteTooWide, func(code liberr.CodeError) string {
		return "write exceeds the inline synchronization payload window"
	})
}

// ViolationError wraps a kept errors.Error to flag a protocol violation
// distinctly from a plain operational failure, so callers can branch
// on the kind without string matching.
type ViolationError struct {
	Cause liberr.Error
	Tag   Tag
	Step  string
}

func NewViolation(code liberr.CodeError, tag Tag, step string) *ViolationError {
	return &ViolationError{
		Cause: code.Error(),
		Tag:   tag,
		Step:  step,
	}
}

func (v *ViolationError) Error() string {
	if v.Cause == nil {
		return fmt.Sprintf("protocol violation: tag=%s step=%s", v.Tag, v.Step)
	}
	return v.Cause.Error()
}

func (v *ViolationError) Unwrap() error {
	return v.Cause
}
