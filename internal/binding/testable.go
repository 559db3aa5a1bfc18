package binding

import (
	"bytes"
	"context"
	"sync"
)

// TestableHandle implements Handle in memory with configurable behaviour for
// testing. Reads are served from ReadBuffer; with BlockReads set, a read on an
// empty buffer waits until data is added or the handle is closed.
type TestableHandle struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the handle
	WriteBuffer *bytes.Buffer

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// CloseWhenEmpty closes the handle once a read drains ReadBuffer
	CloseWhenEmpty bool

	// OpenError is returned by Open if set
	OpenError error

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// PassThroughError is returned by the next Update, Set, Get, Flush or
	// Drain call if set
	PassThroughError error

	// DrainGate, when non-nil, makes Drain wait until it is closed
	DrainGate chan struct{}

	// Status is reported by Get
	Status Status

	// Opened records the options passed to Open
	Opened OpenOptions

	Updates []UpdateOptions
	Sets    []SetOptions

	ReadCalls  int
	WriteCalls int
	FlushCalls int
	DrainCalls int

	// ReadSizes records len(p) of every Read call
	ReadSizes []int

	open     bool
	readCond *sync.Cond
	waiting  chan struct{}
}

// NewTestableHandle creates a new TestableHandle for testing.
func NewTestableHandle() *TestableHandle {
	th := &TestableHandle{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		waiting:     make(chan struct{}, 1),
	}
	th.readCond = sync.NewCond(&th.mu)
	return th
}

// Factory returns a Factory that always yields th.
func (th *TestableHandle) Factory() Factory {
	return func() Handle { return th }
}

func (th *TestableHandle) Open(ctx context.Context, opts OpenOptions) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.Opened = opts
	if th.OpenError != nil {
		return th.OpenError
	}
	if th.open {
		return ErrAlreadyOpen
	}
	th.open = true
	return nil
}

// Read copies buffered data into p. It returns ErrCanceled if the handle is
// closed before or while the read waits for data.
func (th *TestableHandle) Read(ctx context.Context, p []byte) (int, error) {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.ReadCalls++
	th.ReadSizes = append(th.ReadSizes, len(p))

	if !th.open {
		return 0, ErrCanceled
	}

	if th.ReadError != nil {
		err := th.ReadError
		th.ReadError = nil
		return 0, err
	}

	if th.BlockReads && th.ReadBuffer.Len() == 0 {
		select {
		case th.waiting <- struct{}{}:
		default:
		}
		for th.open && th.ReadBuffer.Len() == 0 {
			th.readCond.Wait()
		}
		if !th.open {
			return 0, ErrCanceled
		}
	}

	if th.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	n, _ := th.ReadBuffer.Read(p)
	if th.CloseWhenEmpty && th.ReadBuffer.Len() == 0 {
		th.open = false
	}
	return n, nil
}

// WaitForBlockedRead returns once a Read is waiting for data, or when ctx ends.
func (th *TestableHandle) WaitForBlockedRead(ctx context.Context) error {
	select {
	case <-th.waiting:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (th *TestableHandle) Write(ctx context.Context, p []byte) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.WriteCalls++
	if !th.open {
		return ErrPortClosed
	}
	if th.WriteError != nil {
		err := th.WriteError
		th.WriteError = nil
		return err
	}
	th.WriteBuffer.Write(p)
	return nil
}

// Close marks the handle closed and wakes any blocked reader.
func (th *TestableHandle) Close(ctx context.Context) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.CloseError != nil {
		return th.CloseError
	}
	if !th.open {
		return ErrPortClosed
	}
	th.open = false
	th.readCond.Broadcast()
	return nil
}

// passThrough checks the common preconditions of the control operations.
func (th *TestableHandle) passThrough() error {
	if !th.open {
		return ErrPortClosed
	}
	if th.PassThroughError != nil {
		err := th.PassThroughError
		th.PassThroughError = nil
		return err
	}
	return nil
}

func (th *TestableHandle) Update(ctx context.Context, opts UpdateOptions) error {
	th.mu.Lock()
	defer th.mu.Unlock()
	if err := th.passThrough(); err != nil {
		return err
	}
	th.Updates = append(th.Updates, opts)
	return nil
}

func (th *TestableHandle) Set(ctx context.Context, opts SetOptions) error {
	th.mu.Lock()
	defer th.mu.Unlock()
	if err := th.passThrough(); err != nil {
		return err
	}
	th.Sets = append(th.Sets, opts)
	return nil
}

func (th *TestableHandle) Get(ctx context.Context) (Status, error) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if err := th.passThrough(); err != nil {
		return Status{}, err
	}
	return th.Status, nil
}

func (th *TestableHandle) Flush(ctx context.Context) error {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.FlushCalls++
	if err := th.passThrough(); err != nil {
		return err
	}
	th.ReadBuffer.Reset()
	return nil
}

// Drain waits for DrainGate to be closed when it is set.
func (th *TestableHandle) Drain(ctx context.Context) error {
	th.mu.Lock()
	th.DrainCalls++
	if err := th.passThrough(); err != nil {
		th.mu.Unlock()
		return err
	}
	gate := th.DrainGate
	th.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (th *TestableHandle) IsOpen() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.open
}

// AddReadData adds data to be returned by subsequent Read calls.
func (th *TestableHandle) AddReadData(data []byte) {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.ReadBuffer.Write(data)
	th.readCond.Signal()
}

// GetWrittenData returns all data written to the handle.
func (th *TestableHandle) GetWrittenData() []byte {
	th.mu.Lock()
	defer th.mu.Unlock()

	return append([]byte(nil), th.WriteBuffer.Bytes()...)
}

// ReadCount returns the number of Read calls so far.
func (th *TestableHandle) ReadCount() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.ReadCalls
}
