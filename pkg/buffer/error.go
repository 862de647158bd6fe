package buffer

import (
	"errors"
	"fmt"
)

// ErrMessageSizeExceeded is the sentinel wrapped by NewMessageSizeExceeded.
// Callers should use errors.Is against this value rather than comparing the
// concrete *messageSizeExceeded type.
var ErrMessageSizeExceeded = errors.New("message size exceeded")

// ErrMissingNulTerminator is thrown when no NUL terminator is found when
// interpreting a message property as a string.
var ErrMissingNulTerminator = errors.New("NUL terminator not found")

// ErrInsufficientData is thrown when there is insufficient data available
// inside the given message to unmarshal into a given type.
var ErrInsufficientData = errors.New("insufficient data")

// messageSizeExceeded carries the declared and permitted message sizes so the
// caller (the command loop) can slurp and discard the oversize payload before
// responding with an error.
type messageSizeExceeded struct {
	Max  int
	Size int
}

func (e *messageSizeExceeded) Error() string {
	return fmt.Sprintf("message size %d exceeds maximum allowed size %d", e.Size, e.Max)
}

func (e *messageSizeExceeded) Unwrap() error {
	return ErrMessageSizeExceeded
}

// NewMessageSizeExceeded constructs an error reporting that a frame declared
// a length larger than max.
func NewMessageSizeExceeded(max, size int) error {
	return &messageSizeExceeded{Max: max, Size: size}
}

// UnwrapMessageSizeExceeded extracts the *messageSizeExceeded details from
// err, if present anywhere in its chain.
func UnwrapMessageSizeExceeded(err error) (*messageSizeExceeded, bool) {
	var exceeded *messageSizeExceeded
	if errors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}

// NewMissingNulTerminator constructs an error reporting that a null
// terminated string ran past the end of the available message bytes.
func NewMissingNulTerminator() error {
	return ErrMissingNulTerminator
}

// NewInsufficientData constructs an error reporting that fewer than the
// required number of bytes remain inside the message being decoded.
func NewInsufficientData(available int) error {
	return fmt.Errorf("only %d bytes remaining: %w", available, ErrInsufficientData)
}
