package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/banshee-data/portstream/internal/capture"
	"github.com/banshee-data/portstream/internal/portstream"
)

func runWrite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	var pf portFlags
	pf.register(fs)
	data := fs.String("data", "", "Data to write")
	isHex := fs.Bool("hex", false, "Treat -data as hex encoded bytes")
	newline := fs.Bool("newline", false, "Append a newline to -data")
	record := fs.String("record", "", "Record the write to this sqlite capture database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload, err := writePayload(*data, *isHex, *newline)
	if err != nil {
		return err
	}

	cfg, err := pf.resolve(fs)
	if err != nil {
		return err
	}

	session, err := portstream.Open(ctx, portstream.Config{
		HandleFactory:   newHandle,
		DefaultReadSize: cfg.GetReadSize(),
		Options:         cfg.OpenOptions(),
	})
	if err != nil {
		return err
	}

	writeErr := session.Write(ctx, payload)
	if writeErr == nil {
		writeErr = session.Drain(ctx)
	}
	if err := session.Close(ctx); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return writeErr
	}

	if *record != "" {
		store, err := capture.Open(*record)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.BeginSession(session.ID(), cfg.OpenOptions(), session.ReadSize()); err != nil {
			return err
		}
		if err := store.RecordCommand(session.ID(), string(payload)); err != nil {
			return err
		}
		if err := store.EndSession(session.ID()); err != nil {
			return err
		}
	}
	return nil
}

// writePayload decodes the -data flag.
func writePayload(data string, isHex, newline bool) ([]byte, error) {
	if data == "" {
		return nil, errors.New("-data is required")
	}
	var payload []byte
	if isHex {
		decoded, err := hex.DecodeString(strings.ReplaceAll(data, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		payload = decoded
	} else {
		payload = []byte(data)
	}
	if newline {
		payload = append(payload, '\n')
	}
	return payload, nil
}
