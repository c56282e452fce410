package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrTooManyBuckets is returned when a message is asked to join more than one bucket.
	ErrTooManyBuckets = errors.New("a message can be in at most one bucket")
	// ErrInvalidBucket is returned when a bucket id cannot be encoded as a keyword.
	ErrInvalidBucket = errors.New("invalid bucket id")
)

// ConnectionError means the session is unusable. The next operation reconnects.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("imap connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError means a message or folder is absent. It is terminal for the call.
type NotFoundError struct {
	Kind string // "message" or "folder"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TimeoutError means a bounded operation exceeded its deadline.
type TimeoutError struct {
	Op    string
	After string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("imap %s timed out after %s", e.Op, e.After)
}

// ProtocolError means the server answered with something unexpected, usually
// a NO or BAD response. It is never retried blindly.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imap protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// classify wraps a raw transport error into the taxonomy. Errors that are
// already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ce *ConnectionError
		nf *NotFoundError
		te *TimeoutError
		pe *ProtocolError
	)
	if errors.As(err, &ce) || errors.As(err, &nf) || errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
		return &ConnectionError{Op: op, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection closed") || strings.Contains(msg, "not logged in") || strings.Contains(msg, "broken pipe") {
		return &ConnectionError{Op: op, Err: err}
	}
	return &ProtocolError{Op: op, Err: err}
}
