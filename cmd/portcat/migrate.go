package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/banshee-data/portstream/internal/capture"
)

func migrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: portcat migrate -db <capture.db> <up|down|version>

Actions:
  up        apply all pending migrations
  down      roll back the most recent migration
  version   print the current schema version`)
}

// runMigrate manages the schema of a capture database.
func runMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Capture database to migrate")
	fs.Usage = func() { migrateUsage(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return errors.New("a capture database is required (-db)")
	}
	if fs.NArg() != 1 {
		migrateUsage(stdout)
		return errors.New("expected exactly one migrate action")
	}

	// migrations manage the schema, so connect without applying them
	store, err := capture.Connect(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	switch action := fs.Arg(0); action {
	case "up":
		log.Printf("Running migrations...")
		if err := store.MigrateUp(); err != nil {
			return err
		}
	case "down":
		log.Printf("Rolling back one migration...")
		if err := store.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		migrateUsage(stdout)
		return fmt.Errorf("unknown migrate action %q", action)
	}

	version, dirty, err := store.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	fmt.Fprintf(stdout, "version %d (dirty: %v)\n", version, dirty)
	if dirty {
		log.Printf("WARNING: database is in a dirty state, a migration failed mid-execution")
	}
	return nil
}
