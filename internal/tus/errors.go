// Package tus implements a client for the TUS 1.0.0 resumable upload
// protocol: session creation, sequential chunk transmission with
// server-acknowledged offsets, cooperative cancellation, and resume of an
// interrupted session from the offset the server reports.
package tus

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the upload error taxonomy.
// Use errors.Is(err, tus.ErrChunkTransfer) to check.
var (
	ErrPrecondition  = errors.New("tus: precondition failed")
	ErrCreation      = errors.New("tus: upload creation failed")
	ErrResume        = errors.New("tus: cannot resume upload")
	ErrChunkTransfer = errors.New("tus: chunk transfer failed")
	ErrCanceled      = errors.New("tus: upload canceled")
	ErrSessionUsed   = errors.New("tus: session already started")

	// ErrSessionGone is the ErrResume case where the server definitively no
	// longer holds a matching upload (404/410, or a length or offset the
	// local file cannot continue). Transport failures and 5xx on the probe
	// match ErrResume only.
	ErrSessionGone = fmt.Errorf("%w: upload session gone", ErrResume)
)

// Op names the protocol step an UploadError came from.
type Op string

// Protocol steps.
const (
	OpCreate Op = "create"
	OpChunk  Op = "chunk"
	OpProbe  Op = "probe"
)

// maxErrorBody caps how much of a failed response body is kept in an
// UploadError message.
const maxErrorBody = 512

// UploadError wraps a sentinel error with the protocol step, HTTP status
// (0 when no response was received), the server request ID, and a short
// excerpt of the response body for debugging.
type UploadError struct {
	Op         Op
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *UploadError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("%s (%s): %s", e.Err, e.Op, e.Message)
	case e.RequestID != "":
		return fmt.Sprintf("%s (%s): HTTP %d (request-id: %s): %s", e.Err, e.Op, e.StatusCode, e.RequestID, e.Message)
	default:
		return fmt.Sprintf("%s (%s): HTTP %d: %s", e.Err, e.Op, e.StatusCode, e.Message)
	}
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// sentinelFor maps a protocol step to its fatal error kind.
func sentinelFor(op Op) error {
	switch op {
	case OpCreate:
		return ErrCreation
	case OpProbe:
		return ErrResume
	default:
		return ErrChunkTransfer
	}
}

// sentinelForStatus refines sentinelFor with the HTTP status of a rejected
// request.
func sentinelForStatus(op Op, status int) error {
	if op == OpProbe && (status == http.StatusNotFound || status == http.StatusGone) {
		return ErrSessionGone
	}

	return sentinelFor(op)
}

// protocolError builds an UploadError for a response that succeeded at the
// HTTP level but violated the protocol (missing or malformed headers).
func protocolError(op Op, status int, format string, args ...any) *UploadError {
	return &UploadError{
		Op:         op,
		StatusCode: status,
		Message:    fmt.Sprintf(format, args...),
		Err:        sentinelFor(op),
	}
}

// IsCanceled reports whether err represents caller-initiated cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
