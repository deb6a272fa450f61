package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/discovery"
)

var pairTimeout time.Duration

// pair <address>: bond with a printer and remember it.
func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <address>",
		Short: "Pair with a printer and make it the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, pairTimeout)
			defer cancel()

			ev, err := pair(ctx, a, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Paired with %s (%s)\n", ev.Device.Name, ev.Device.Address)
			return nil
		},
	}
	cmd.Flags().DurationVar(&pairTimeout, "timeout", 30*time.Second, "how long to look for the printer and wait for the bond")
	return cmd
}

// pair bonds with address, scanning for it first when it is neither in the
// session nor already bonded
func pair(ctx context.Context, a *app.App, address string) (discovery.Event, error) {
	w := subscribe(a)
	defer w.close()

	err := a.Engine.RequestPair(address)
	if _, busy := a.Engine.Pairing(); errors.Is(err, discovery.ErrInvalidPairState) && !busy {
		fmt.Printf("Looking for %s...\n", address)
		if err := a.Engine.StartScan(); err != nil {
			return discovery.Event{}, err
		}

		var found discovery.Event
		found, err = w.discovery(ctx, func(ev discovery.Event) bool {
			return ev.Type == discovery.EventDeviceFound && strings.EqualFold(ev.Device.Address, address)
		})
		a.Engine.StopScan()
		if err != nil {
			return discovery.Event{}, fmt.Errorf("%s not found: %w", address, err)
		}
		address = found.Device.Address
		err = a.Engine.RequestPair(address)
	}
	if err != nil {
		return discovery.Event{}, err
	}

	ev, err := w.discovery(ctx, func(ev discovery.Event) bool {
		return (ev.Type == discovery.EventDevicePaired || ev.Type == discovery.EventPairFailed) &&
			strings.EqualFold(ev.Device.Address, address)
	})
	if err != nil {
		return discovery.Event{}, err
	}
	if ev.Type == discovery.EventPairFailed {
		return ev, fmt.Errorf("pairing failed: %w", ev.Err)
	}
	return ev, nil
}

// unpair [address]: drop the bond, defaulting to the remembered printer.
func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair [address]",
		Short: "Remove the bond with a printer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}

			var address string
			if len(args) == 1 {
				address = args[0]
			} else if p, ok := a.Registry.GetPrinter(); ok {
				address = p.Address
			} else {
				return fmt.Errorf("no printer paired, pass an address")
			}

			w := subscribe(a)
			defer w.close()

			if err := a.Engine.RequestUnpair(address); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ev, err := w.discovery(ctx, isType(discovery.EventDeviceUnpaired, discovery.EventError))
			if err != nil {
				return err
			}
			if ev.Type == discovery.EventError {
				return ev.Err
			}
			fmt.Printf("Unpaired %s\n", address)
			return nil
		},
	}
}
