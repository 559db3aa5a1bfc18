// Serialmux fans the chunks read from a single port session out to multiple
// subscribers and serialises commands written back to the device.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/portstream/internal/portstream"
)

// Source is the session a SerialMux reads from and writes to.
type Source interface {
	portstream.Sequence
	portstream.Controller
}

// SerialMux delivers every chunk read from its source to all subscribers.
type SerialMux struct {
	src          Source
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving chunks read from the
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the port.
	SendCommand(context.Context, string) error
	// Monitor pulls chunks from the port and sends them to subscribers.
	Monitor(context.Context) error
	// MonitorWriter is Monitor that also writes every chunk to a writer
	// without dropping any.
	MonitorWriter(context.Context, io.Writer) error
	// Close closes all subscribed channels and closes the port.
	Close(context.Context) error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

var _ SerialMuxInterface = (*SerialMux)(nil)

// NewSerialMux creates a SerialMux reading from src.
func NewSerialMux(src Source) *SerialMux {
	return &SerialMux{
		src:         src,
		subscribers: make(map[string]chan []byte),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. Subscribing after Close returns a
// closed channel.
func (s *SerialMux) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, 16)

	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		close(ch)
		return id, ch
	}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes a newline terminated command and waits for it to be
// transmitted.
func (s *SerialMux) SendCommand(ctx context.Context, command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	if err := s.src.Write(ctx, []byte(command)); err != nil {
		return err
	}
	return s.src.Drain(ctx)
}

// Monitor pulls chunks until the session ends and delivers them to
// subscribers. It returns nil when the port is closed, the read error if a
// read fails, or the context error if ctx ends first.
//
// Subscribers whose buffer is full miss the chunk.
func (s *SerialMux) Monitor(ctx context.Context) error {
	return s.MonitorWriter(ctx, nil)
}

// MonitorWriter is Monitor with a lossless consumer: every chunk is written to
// w before it is offered to subscribers, and the next read is not delivered
// until the write returns. A write error ends monitoring and is returned.
func (s *SerialMux) MonitorWriter(ctx context.Context, w io.Writer) error {
	chunks := make(chan []byte)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// the blocking pull runs in its own goroutine so the loop below can
	// observe context cancellation
	go func() {
		defer close(chunks)
		for chunk, err := range s.src.All(ctx) {
			if err != nil {
				errCh <- err
				return
			}
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			return err

		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			if w != nil {
				if _, err := w.Write(chunk); err != nil {
					return fmt.Errorf("failed to deliver chunk: %w", err)
				}
			}
			s.publish(chunk)
		}
	}
}

// publish offers a copy of chunk to every subscriber.
func (s *SerialMux) publish(chunk []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- append([]byte(nil), chunk...):
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
		}
	}
}

// Close closes every subscriber channel and then the session, which ends a
// running Monitor.
func (s *SerialMux) Close(ctx context.Context) error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.src.Close(ctx)
}

func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write command to the serial port
	debug.HandleFunc("send-command-api", "send a command to the serial port (POST command=...)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(r.Context(), command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for each chunk read from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				if _, err := fmt.Fprintf(w, "data: %q\n\n", chunk); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
