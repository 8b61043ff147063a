package types

import "errors"

// Error kinds shared by every layer. Wrap with fmt.Errorf("...: %w", Err...)
// and test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNoControlChannel  = errors.New("no control channel")
	ErrProtocol          = errors.New("protocol error")
	ErrTimeout           = errors.New("timeout")
	ErrImageNotFound     = errors.New("image not found")
	ErrProcess           = errors.New("process error")
)
