package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/portstream/internal/monitoring"
)

// PortOpener opens a go.bug.st/serial port. It is replaced in tests.
type PortOpener func(path string, mode *serial.Mode) (serial.Port, error)

// SerialHandle implements Handle on top of go.bug.st/serial.
//
// Close marks the handle closed before closing the underlying port so that a
// Read unblocked by the close reports ErrCanceled instead of an I/O error.
// A context only guards the start of each operation; an in-progress Read is
// interrupted by Close alone.
type SerialHandle struct {
	mu     sync.Mutex
	port   serial.Port
	mode   serial.Mode
	path   string
	open   atomic.Bool
	opener PortOpener
}

// NewSerialHandle is the default Factory.
func NewSerialHandle() Handle {
	return NewSerialHandleWithOpener(serial.Open)
}

// NewSerialHandleWithOpener returns a SerialHandle that opens ports with the
// given opener.
func NewSerialHandleWithOpener(opener PortOpener) *SerialHandle {
	return &SerialHandle{opener: opener}
}

func (h *SerialHandle) Open(ctx context.Context, opts OpenOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Path == "" {
		return errors.New("serial port path is required")
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open.Load() {
		return ErrAlreadyOpen
	}

	port, err := h.opener(opts.Path, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", opts.Path, err)
	}

	h.port = port
	h.mode = *mode
	h.path = opts.Path
	h.open.Store(true)
	monitoring.Logf("opened serial port %s", opts.Path)
	return nil
}

// current returns the underlying port, or an error if the handle is not open.
func (h *SerialHandle) current(ctx context.Context) (serial.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open.Load() || h.port == nil {
		return nil, ErrPortClosed
	}
	return h.port, nil
}

func (h *SerialHandle) Read(ctx context.Context, p []byte) (int, error) {
	port, err := h.current(ctx)
	if errors.Is(err, ErrPortClosed) {
		return 0, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if err != nil {
		return 0, err
	}

	n, err := port.Read(p)
	if err != nil {
		if !h.open.Load() || isPortClosed(err) {
			return n, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return n, err
	}
	if n == 0 && !h.open.Load() {
		return 0, ErrCanceled
	}
	return n, nil
}

// isPortClosed reports whether err is the go.bug.st/serial error returned by a
// read that was interrupted by Close.
func isPortClosed(err error) bool {
	var portErr *serial.PortError
	return errors.As(err, &portErr) && portErr.Code() == serial.PortClosed
}

func (h *SerialHandle) Write(ctx context.Context, p []byte) error {
	port, err := h.current(ctx)
	if err != nil {
		return err
	}
	n, err := port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}
	return nil
}

func (h *SerialHandle) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if !h.open.Load() || h.port == nil {
		h.mu.Unlock()
		return ErrPortClosed
	}
	h.open.Store(false)
	port := h.port
	h.mu.Unlock()

	if err := port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", h.path, err)
	}
	monitoring.Logf("closed serial port %s", h.path)
	return nil
}

func (h *SerialHandle) Update(ctx context.Context, opts UpdateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", opts.BaudRate)
	}

	// held across SetMode so a concurrent Close cannot slip in between the
	// open check and the mode change
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open.Load() || h.port == nil {
		return ErrPortClosed
	}
	mode := h.mode
	mode.BaudRate = opts.BaudRate
	if err := h.port.SetMode(&mode); err != nil {
		return err
	}
	h.mode = mode
	return nil
}

func (h *SerialHandle) Set(ctx context.Context, opts SetOptions) error {
	port, err := h.current(ctx)
	if err != nil {
		return err
	}
	if opts.DTR != nil {
		if err := port.SetDTR(*opts.DTR); err != nil {
			return err
		}
	}
	if opts.RTS != nil {
		if err := port.SetRTS(*opts.RTS); err != nil {
			return err
		}
	}
	if opts.Break > 0 {
		if err := port.Break(opts.Break); err != nil {
			return err
		}
	}
	return nil
}

func (h *SerialHandle) Get(ctx context.Context) (Status, error) {
	port, err := h.current(ctx)
	if err != nil {
		return Status{}, err
	}
	bits, err := port.GetModemStatusBits()
	if err != nil {
		return Status{}, err
	}
	if bits == nil {
		return Status{}, nil
	}
	return Status{CTS: bits.CTS, DSR: bits.DSR, DCD: bits.DCD, RI: bits.RI}, nil
}

func (h *SerialHandle) Flush(ctx context.Context) error {
	port, err := h.current(ctx)
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}

func (h *SerialHandle) Drain(ctx context.Context) error {
	port, err := h.current(ctx)
	if err != nil {
		return err
	}
	return port.Drain()
}

func (h *SerialHandle) IsOpen() bool {
	return h.open.Load()
}

// Mode returns the serial mode currently applied to the port.
func (h *SerialHandle) Mode() serial.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}
