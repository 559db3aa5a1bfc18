// Package binding defines the device handle boundary that sessions are built on
// and provides the go.bug.st/serial implementation of it.
package binding

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCanceled is returned by Read when the read was aborted because the
	// handle was closed while the read was outstanding.
	ErrCanceled = errors.New("read canceled")

	// ErrPortClosed is returned by operations on a handle that is not open.
	ErrPortClosed = errors.New("port is not open")

	// ErrAlreadyOpen is returned by Open on a handle that is already open.
	ErrAlreadyOpen = errors.New("port is already open")

	// ErrWriteFailed is returned by Write when the device accepted fewer bytes
	// than it was given.
	ErrWriteFailed = errors.New("failed to write to serial port")
)

// Handle is one serial connection. Implementations must report IsOpen
// synchronously and must return ErrCanceled (possibly wrapped) from a Read that
// was unblocked by Close.
type Handle interface {
	// Open opens the device described by opts.
	Open(ctx context.Context, opts OpenOptions) error
	// Read reads up to len(p) bytes into p.
	Read(ctx context.Context, p []byte) (int, error)
	// Write writes all of p or fails.
	Write(ctx context.Context, p []byte) error
	Close(ctx context.Context) error
	// Update changes the configuration of the open device.
	Update(ctx context.Context, opts UpdateOptions) error
	// Set changes control line state.
	Set(ctx context.Context, opts SetOptions) error
	// Get reports modem status lines.
	Get(ctx context.Context) (Status, error)
	// Flush discards unsent and unread buffered data.
	Flush(ctx context.Context) error
	// Drain waits until all written data has been transmitted.
	Drain(ctx context.Context) error
	IsOpen() bool
}

// Factory constructs a new, unopened Handle.
type Factory func() Handle

// UpdateOptions describes configuration that can change on an open port.
type UpdateOptions struct {
	BaudRate int `json:"baud_rate"`
}

// SetOptions describes control line changes. Nil fields are left unchanged and
// a zero Break sends no break.
type SetOptions struct {
	DTR   *bool         `json:"dtr,omitempty"`
	RTS   *bool         `json:"rts,omitempty"`
	Break time.Duration `json:"break,omitempty"`
}

// Status reports the modem status lines of an open port.
type Status struct {
	CTS bool `json:"cts"`
	DSR bool `json:"dsr"`
	DCD bool `json:"dcd"`
	RI  bool `json:"ri"`
}
