package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/banshee-data/portstream/internal/binding"
)

func runList(ctx context.Context, stdout io.Writer) error {
	ports, err := binding.List(ctx)
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(stdout, "no serial ports found")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		ids := "-"
		if p.IsUSB {
			ids = p.VendorID + ":" + p.ProductID
		}
		serial := p.SerialNumber
		if serial == "" {
			serial = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Path, ids, serial, p.Product)
	}
	return tw.Flush()
}
