// Package apperror normalises failures from the transport and storage layers into a
// small closed set of kinds so callers can branch on kind instead of inspecting
// transport-specific errors.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork  Kind = "NetworkError"
	KindParse    Kind = "ParseError"
	KindStorage  Kind = "StorageError"
	KindNotFound Kind = "NotFoundError"
	KindUnknown  Kind = "UnknownError"
)

// ErrNoCurrentLocation is returned by a refresh when nothing has been fetched yet.
var ErrNoCurrentLocation = errors.New("no current location to refresh")

// Error wraps an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. Returns nil for a nil err. An error that already carries
// a kind keeps its innermost kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Network, Parse, Storage and NotFound are shorthands for Wrap.
func Network(err error) error  { return Wrap(KindNetwork, err) }
func Parse(err error) error    { return Wrap(KindParse, err) }
func Storage(err error) error  { return Wrap(KindStorage, err) }
func NotFound(err error) error { return Wrap(KindNotFound, err) }

// KindOf returns the kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
