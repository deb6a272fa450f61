package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/internal/tui"
)

var (
	scanPlain   bool
	scanTimeout time.Duration
)

// scan: find printers nearby and pick one to pair with.
func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "scan",
		Short:       "Find printers nearby",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{interactive: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if scanPlain {
				return scanPlainText(cmd.Context(), a)
			}

			screen := tui.NewScanner(a)
			if err := screen.Run(); err != nil {
				return err
			}
			if p, ok := screen.Printer(); ok {
				fmt.Printf("Printer: %s (%s)\n", p.Name, p.Address)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&scanPlain, "plain", false, "print devices as they are found instead of opening the picker")
	cmd.Flags().DurationVar(&scanTimeout, "timeout", 12*time.Second, "how long a plain scan runs")
	return cmd
}

func scanPlainText(parent context.Context, a *app.App) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	w := subscribe(a)
	defer w.close()

	if err := a.Engine.StartScan(); err != nil {
		return err
	}
	fmt.Printf("Scanning for %s...\n", scanTimeout)

	found := make(map[string]bool)
	for {
		ev, err := w.discovery(ctx, isType(discovery.EventDeviceFound, discovery.EventDiscoveryFinished, discovery.EventError))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return err
			}
			if err := a.Engine.StopScan(); err != nil {
				return err
			}
			break
		}
		if ev.Type == discovery.EventDiscoveryFinished {
			break
		}
		if ev.Type == discovery.EventError {
			return ev.Err
		}
		if !found[ev.Device.Address] {
			found[ev.Device.Address] = true
			printDevice(ev.Device)
		}
	}

	fmt.Printf("\nFound %d printer(s)\n", len(found))
	return nil
}

func printDevice(d transport.DeviceRecord) {
	status := ""
	if d.BondState == transport.BondPaired {
		status = " (paired)"
	}
	fmt.Printf("  %s: %s%s\n", d.Address, d.Name, status)
}
