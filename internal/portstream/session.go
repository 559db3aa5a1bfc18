// Package portstream exposes an open serial device as a pull-based sequence of
// byte chunks.
//
// A Session wraps one binding.Handle. Callers pull chunks with Next or NextN,
// or range over All, until the session reports End. Closing the session while
// a pull is waiting on the device ends that pull with End rather than an
// error.
//
// At most one pull may be in flight per session. The session does not
// serialise overlapping Next calls; issuing one before the previous call has
// returned is a caller error.
package portstream

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/banshee-data/portstream/internal/binding"
	"github.com/banshee-data/portstream/internal/monitoring"
)

const (
	// DefaultReadSize is the chunk size used when Config.DefaultReadSize is zero.
	DefaultReadSize = 1024

	// MaxReadSize bounds the scratch buffer allocated for a single pull.
	MaxReadSize = 1 << 20
)

// ErrInvalidReadSize is returned for a read size outside 1..MaxReadSize.
var ErrInvalidReadSize = fmt.Errorf("read size must be between 1 and %d", MaxReadSize)

// Config describes how to open a session.
type Config struct {
	// HandleFactory constructs the device handle. Defaults to
	// binding.NewSerialHandle.
	HandleFactory binding.Factory

	// DefaultReadSize is the chunk size used by Next. Defaults to
	// DefaultReadSize.
	DefaultReadSize int

	// Options are passed to the handle's Open unchanged.
	Options binding.OpenOptions
}

// OpenError reports a device that failed to open.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a single pull. Either End is set and Chunk is nil,
// or End is false and Chunk holds the bytes read, possibly none.
type Result struct {
	Chunk []byte
	End   bool
}

// Sequence produces chunks from a device.
type Sequence interface {
	Next(ctx context.Context) (Result, error)
	NextN(ctx context.Context, n int) (Result, error)
	All(ctx context.Context) iter.Seq2[[]byte, error]
}

// Controller forwards control operations to a device.
type Controller interface {
	Write(ctx context.Context, data []byte) error
	Close(ctx context.Context) error
	Update(ctx context.Context, opts binding.UpdateOptions) error
	Set(ctx context.Context, opts binding.SetOptions) error
	Get(ctx context.Context) (binding.Status, error)
	Flush(ctx context.Context) error
	Drain(ctx context.Context) error
}

var (
	_ Sequence   = (*Session)(nil)
	_ Controller = (*Session)(nil)
)

// Session is an open device viewed as a sequence of chunks.
type Session struct {
	id       uuid.UUID
	handle   binding.Handle
	readSize int
}

// Open constructs a handle with cfg.HandleFactory, opens it with cfg.Options
// and returns a session bound to it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	factory := cfg.HandleFactory
	if factory == nil {
		factory = binding.NewSerialHandle
	}

	readSize := cfg.DefaultReadSize
	if readSize == 0 {
		readSize = DefaultReadSize
	}
	if err := checkReadSize(readSize); err != nil {
		return nil, err
	}

	handle := factory()
	if err := handle.Open(ctx, cfg.Options); err != nil {
		return nil, &OpenError{Path: cfg.Options.Path, Err: err}
	}

	s := &Session{
		id:       uuid.New(),
		handle:   handle,
		readSize: readSize,
	}
	monitoring.Debugf("session %s: opened %s, read size %d", s.id, cfg.Options.Path, readSize)
	return s, nil
}

func checkReadSize(n int) error {
	if n < 1 || n > MaxReadSize {
		return fmt.Errorf("%w: got %d", ErrInvalidReadSize, n)
	}
	return nil
}

// ID returns the random identifier assigned to the session at open.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// ReadSize returns the chunk size used by Next.
func (s *Session) ReadSize() int {
	return s.readSize
}

// IsOpen reports whether the underlying handle is open.
func (s *Session) IsOpen() bool {
	return s.handle.IsOpen()
}

// Next pulls the next chunk of at most ReadSize bytes.
func (s *Session) Next(ctx context.Context) (Result, error) {
	return s.NextN(ctx, s.readSize)
}

// NextN pulls the next chunk of at most n bytes. It makes exactly one read
// attempt. A closed handle or a read canceled by Close yields End; any other
// read failure is returned unchanged.
func (s *Session) NextN(ctx context.Context, n int) (Result, error) {
	if err := checkReadSize(n); err != nil {
		return Result{}, err
	}
	if !s.handle.IsOpen() {
		monitoring.Debugf("session %s: next: port is closed", s.id)
		return Result{End: true}, nil
	}

	buf := make([]byte, n)
	monitoring.Debugf("session %s: next: read starting", s.id)
	read, err := s.handle.Read(ctx, buf)
	if err != nil {
		if errors.Is(err, binding.ErrCanceled) {
			monitoring.Debugf("session %s: next: read canceled", s.id)
			return Result{End: true}, nil
		}
		monitoring.Debugf("session %s: next: read error %v", s.id, err)
		return Result{}, err
	}
	monitoring.Debugf("session %s: next: read %d bytes", s.id, read)
	return Result{Chunk: buf[:read]}, nil
}

// All returns the session as an iterator over chunks of ReadSize bytes. The
// iterator stops silently at End and yields a read error once before
// stopping. It is not restartable: every iterator obtained from the same
// session pulls from the same device.
func (s *Session) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			res, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if res.End {
				return
			}
			if !yield(res.Chunk, nil) {
				return
			}
		}
	}
}

// Write writes data to the device in a single handle write.
func (s *Session) Write(ctx context.Context, data []byte) error {
	return s.handle.Write(ctx, data)
}

// Close closes the device. Pending and later pulls report End.
func (s *Session) Close(ctx context.Context) error {
	monitoring.Debugf("session %s: close", s.id)
	return s.handle.Close(ctx)
}

// Update changes the configuration of the open device.
func (s *Session) Update(ctx context.Context, opts binding.UpdateOptions) error {
	return s.handle.Update(ctx, opts)
}

// Set changes control line state.
func (s *Session) Set(ctx context.Context, opts binding.SetOptions) error {
	return s.handle.Set(ctx, opts)
}

// Get reports the modem status lines.
func (s *Session) Get(ctx context.Context) (binding.Status, error) {
	return s.handle.Get(ctx)
}

// Flush discards unsent and unread buffered data.
func (s *Session) Flush(ctx context.Context) error {
	return s.handle.Flush(ctx)
}

// Drain blocks until all written data has been transmitted.
func (s *Session) Drain(ctx context.Context) error {
	return s.handle.Drain(ctx)
}
