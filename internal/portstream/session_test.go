package portstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/portstream/internal/binding"
)

func openTestSession(t *testing.T, th *binding.TestableHandle, readSize int) *Session {
	t.Helper()
	s, err := Open(context.Background(), Config{
		HandleFactory:   th.Factory(),
		DefaultReadSize: readSize,
		Options:         binding.OpenOptions{Path: "/dev/ttyTEST0", BaudRate: 115200},
	})
	require.NoError(t, err)
	return s
}

func TestOpen_ForwardsOptions(t *testing.T) {
	th := binding.NewTestableHandle()
	s := openTestSession(t, th, 0)

	assert.True(t, s.IsOpen())
	assert.Equal(t, DefaultReadSize, s.ReadSize())
	assert.Equal(t, binding.OpenOptions{Path: "/dev/ttyTEST0", BaudRate: 115200}, th.Opened)
	assert.NotEqual(t, uuid.Nil, s.ID())
}

func TestOpen_Error(t *testing.T) {
	th := binding.NewTestableHandle()
	cause := errors.New("permission denied")
	th.OpenError = cause

	s, err := Open(context.Background(), Config{
		HandleFactory: th.Factory(),
		Options:       binding.OpenOptions{Path: "/dev/ttyTEST0"},
	})
	require.Error(t, err)
	assert.Nil(t, s)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/dev/ttyTEST0", openErr.Path)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "open /dev/ttyTEST0: permission denied", err.Error())
}

func TestOpen_InvalidReadSize(t *testing.T) {
	for _, size := range []int{-1, MaxReadSize + 1} {
		th := binding.NewTestableHandle()
		_, err := Open(context.Background(), Config{HandleFactory: th.Factory(), DefaultReadSize: size})
		assert.ErrorIs(t, err, ErrInvalidReadSize, "size %d", size)
		assert.False(t, th.IsOpen(), "handle should not be opened for size %d", size)
	}
}

func TestNextN_ReturnsBytesRead(t *testing.T) {
	th := binding.NewTestableHandle()
	th.AddReadData([]byte("hello"))
	s := openTestSession(t, th, 0)

	res, err := s.NextN(context.Background(), 12)
	require.NoError(t, err)
	assert.False(t, res.End)
	assert.Equal(t, []byte("hello"), res.Chunk)
	assert.Equal(t, []int{12}, th.ReadSizes)
}

func TestNextN_ChunkNeverExceedsRequest(t *testing.T) {
	th := binding.NewTestableHandle()
	payload := []byte("0123456789abcdef")
	th.AddReadData(payload)
	s := openTestSession(t, th, 0)

	var got []byte
	for _, n := range []int{1, 3, 5, 7} {
		res, err := s.NextN(context.Background(), n)
		require.NoError(t, err)
		require.False(t, res.End)
		assert.LessOrEqual(t, len(res.Chunk), n)
		got = append(got, res.Chunk...)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestNextN_ZeroLengthChunkIsNotEnd(t *testing.T) {
	th := binding.NewTestableHandle()
	s := openTestSession(t, th, 8)

	res, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, res.End)
	assert.NotNil(t, res.Chunk)
	assert.Empty(t, res.Chunk)
}

func TestNextN_InvalidSize(t *testing.T) {
	th := binding.NewTestableHandle()
	s := openTestSession(t, th, 0)

	for _, n := range []int{0, -4, MaxReadSize + 1} {
		_, err := s.NextN(context.Background(), n)
		assert.ErrorIs(t, err, ErrInvalidReadSize)
	}
	assert.Zero(t, th.ReadCount(), "no read should be attempted")
}

func TestNext_ClosedHandleReturnsEndWithoutRead(t *testing.T) {
	th := binding.NewTestableHandle()
	th.AddReadData([]byte("unread"))
	s := openTestSession(t, th, 0)

	require.NoError(t, s.Close(context.Background()))

	res, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, res.End)
	assert.Nil(t, res.Chunk)
	assert.Zero(t, th.ReadCount())
}

func TestNext_CloseDuringReadReturnsEnd(t *testing.T) {
	th := binding.NewTestableHandle()
	th.BlockReads = true
	s := openTestSession(t, th, 0)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Next(context.Background())
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, th.WaitForBlockedRead(ctx))
	require.NoError(t, s.Close(context.Background()))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.res.End)
		assert.Nil(t, out.res.Chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestNext_ReadErrorPropagates(t *testing.T) {
	th := binding.NewTestableHandle()
	readErr := errors.New("framing error")
	th.ReadError = readErr
	th.AddReadData([]byte("ok"))
	s := openTestSession(t, th, 0)

	res, err := s.Next(context.Background())
	require.ErrorIs(t, err, readErr)
	assert.False(t, res.End)
	assert.True(t, s.IsOpen(), "read error must not close the session")

	// the session remains usable
	res, err = s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Chunk)
}

func TestNext_WrappedCancelIsEnd(t *testing.T) {
	th := binding.NewTestableHandle()
	th.ReadError = errors.Join(errors.New("interrupted"), binding.ErrCanceled)
	s := openTestSession(t, th, 0)

	res, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, res.End)
}

func TestNext_ChunksOfDefaultSize(t *testing.T) {
	th := binding.NewTestableHandle()
	th.AddReadData([]byte("0123456789"))
	th.CloseWhenEmpty = true
	s := openTestSession(t, th, 4)

	var lengths []int
	for {
		res, err := s.Next(context.Background())
		require.NoError(t, err)
		if res.End {
			break
		}
		lengths = append(lengths, len(res.Chunk))
	}
	assert.Equal(t, []int{4, 4, 2}, lengths)
	assert.Equal(t, 3, th.ReadCount())
}

func TestAll_MatchesManualNext(t *testing.T) {
	payload := []byte("0123456789")

	th := binding.NewTestableHandle()
	th.AddReadData(payload)
	th.CloseWhenEmpty = true
	s := openTestSession(t, th, 0)

	var chunks [][]byte
	for chunk, err := range s.All(context.Background()) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, [][]byte{payload}, chunks)

	manual := binding.NewTestableHandle()
	manual.AddReadData(payload)
	manual.CloseWhenEmpty = true
	m := openTestSession(t, manual, 0)

	first, err := m.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Chunk: payload}, first)
	second, err := m.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{End: true}, second)
}

func TestAll_StopsOnReadError(t *testing.T) {
	th := binding.NewTestableHandle()
	readErr := errors.New("overrun")
	th.ReadError = readErr
	s := openTestSession(t, th, 0)

	var errs []error
	for chunk, err := range s.All(context.Background()) {
		assert.Nil(t, chunk)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], readErr)
}

func TestAll_IsNotRestartable(t *testing.T) {
	th := binding.NewTestableHandle()
	th.AddReadData([]byte("abcdef"))
	th.CloseWhenEmpty = true
	s := openTestSession(t, th, 2)

	first := s.All(context.Background())
	second := s.All(context.Background())

	var got []string
	for chunk := range first {
		got = append(got, string(chunk))
		break
	}
	for chunk := range second {
		got = append(got, string(chunk))
	}
	for chunk := range first {
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"ab", "cd", "ef"}, got)
}

func TestPassThrough_Forwarded(t *testing.T) {
	th := binding.NewTestableHandle()
	th.Status = binding.Status{CTS: true, DCD: true}
	s := openTestSession(t, th, 0)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []byte("hello!")))
	assert.Equal(t, []byte("hello!"), th.GetWrittenData())

	require.NoError(t, s.Update(ctx, binding.UpdateOptions{BaudRate: 9600}))
	assert.Equal(t, []binding.UpdateOptions{{BaudRate: 9600}}, th.Updates)

	dtr := true
	require.NoError(t, s.Set(ctx, binding.SetOptions{DTR: &dtr}))
	require.Len(t, th.Sets, 1)
	assert.True(t, *th.Sets[0].DTR)

	status, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, binding.Status{CTS: true, DCD: true}, status)

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, th.FlushCalls)

	require.NoError(t, s.Drain(ctx))
	assert.Equal(t, 1, th.DrainCalls)
}

func TestPassThrough_ErrorsUnchanged(t *testing.T) {
	th := binding.NewTestableHandle()
	s := openTestSession(t, th, 0)
	ctx := context.Background()
	cause := errors.New("ioctl failed")

	calls := map[string]func() error{
		"update": func() error { return s.Update(ctx, binding.UpdateOptions{BaudRate: 1}) },
		"set":    func() error { return s.Set(ctx, binding.SetOptions{}) },
		"get":    func() error { _, err := s.Get(ctx); return err },
		"flush":  func() error { return s.Flush(ctx) },
		"drain":  func() error { return s.Drain(ctx) },
	}
	for name, call := range calls {
		th.PassThroughError = cause
		assert.Same(t, cause, call(), name)
	}

	th.WriteError = cause
	assert.Same(t, cause, s.Write(ctx, []byte("x")))

	th.CloseError = cause
	assert.Same(t, cause, s.Close(ctx))
}

func TestDrain_WaitsForHandle(t *testing.T) {
	th := binding.NewTestableHandle()
	th.DrainGate = make(chan struct{})
	s := openTestSession(t, th, 0)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []byte("payload")))

	done := make(chan error, 1)
	go func() { done <- s.Drain(ctx) }()

	select {
	case <-done:
		t.Fatal("Drain returned before the handle finished transmitting")
	case <-time.After(50 * time.Millisecond):
	}

	close(th.DrainGate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after the handle drained")
	}
}
