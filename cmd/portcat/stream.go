package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/portstream/internal/binding"
	"github.com/banshee-data/portstream/internal/capture"
	"github.com/banshee-data/portstream/internal/monitoring"
	"github.com/banshee-data/portstream/internal/portstream"
	"github.com/banshee-data/portstream/internal/serialmux"
)

func runStream(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	var pf portFlags
	pf.register(fs)
	record := fs.String("record", "", "Record chunks to this sqlite capture database")
	listen := fs.String("listen", "", "Serve admin debug routes on this address, e.g. localhost:8080")
	debug := fs.Bool("debug", false, "Log every read")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := pf.resolve(fs)
	if err != nil {
		return err
	}
	if *debug {
		monitoring.SetDebugLogger(log.Printf)
	}

	session, err := portstream.Open(ctx, portstream.Config{
		HandleFactory:   newHandle,
		DefaultReadSize: cfg.GetReadSize(),
		Options:         cfg.OpenOptions(),
	})
	if err != nil {
		return err
	}
	m := serialmux.NewSerialMux(session)

	// stdout and the capture store are fed from the read loop itself so a
	// slow consumer slows reading instead of losing chunks
	sink := stdout
	var recorder *capture.Recorder
	if *record != "" {
		store, err := capture.Open(*record)
		if err != nil {
			m.Close(context.Background())
			return err
		}
		defer store.Close()
		if err := store.BeginSession(session.ID(), cfg.OpenOptions(), session.ReadSize()); err != nil {
			m.Close(context.Background())
			return err
		}
		defer func() {
			if err := store.EndSession(session.ID()); err != nil {
				monitoring.Logf("failed to end capture session: %v", err)
			}
			monitoring.Logf("recorded %d chunks for session %s", recorder.Count(), session.ID())
		}()
		recorder = store.NewRecorder(session.ID())
		sink = io.MultiWriter(stdout, recorder)
	}

	// Create a wait group for the HTTP server
	var wg sync.WaitGroup

	var server *http.Server
	if *listen != "" {
		mux := http.NewServeMux()
		m.AttachAdminRoutes(mux)
		server = &http.Server{Addr: *listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				monitoring.Logf("admin server error: %v", err)
			}
		}()
	}

	// already validated by resolve
	opts, _ := cfg.OpenOptions().Normalize()
	monitoring.Logf("streaming %s (session %s)", opts, session.ID())
	monitorErr := m.MonitorWriter(ctx, sink)
	if errors.Is(monitorErr, context.Canceled) {
		monitorErr = nil
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("admin server shutdown error: %v", err)
		}
		cancel()
	}

	// the port may already be closed if the device went away
	if err := m.Close(context.Background()); err != nil && !errors.Is(err, binding.ErrPortClosed) {
		monitoring.Logf("failed to close port: %v", err)
	}
	wg.Wait()

	if monitorErr != nil {
		return fmt.Errorf("stream %s: %w", cfg.OpenOptions().Path, monitorErr)
	}
	return nil
}
