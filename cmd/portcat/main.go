// Command portcat streams bytes from a serial port to stdout, writes to it,
// and lists the ports present on the system.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/portstream/internal/binding"
	"github.com/banshee-data/portstream/internal/version"
)

// newHandle is the handle factory used by the stream and write commands.
var newHandle binding.Factory = binding.NewSerialHandle

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: portcat <command> [flags]

Commands:
  list      list serial ports
  stream    copy bytes read from a port to stdout
  write     write data to a port and wait for it to be sent
  migrate   manage the schema of a capture database
  version   print version information

Run "portcat <command> -h" for command flags.`)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("portcat %s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "list":
		return runList(ctx, stdout)
	case "stream":
		return runStream(ctx, args, stdout)
	case "write":
		return runWrite(ctx, args)
	case "migrate":
		return runMigrate(args, stdout)
	case "version":
		fmt.Fprintf(stdout, "portcat %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}
