package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thereceipt/btprint/internal/registry"
)

// printer: show the remembered printer; printer clear: forget it.
func printerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "printer",
		Short: "Show the paired printer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(cfg.ResolveRegistryPath(), logger.Named("registry"))
			p, ok := reg.GetPrinter()
			if !ok {
				fmt.Println("No printer paired")
				return nil
			}
			fmt.Printf("Printer: %s\n", p.Name)
			fmt.Printf("Address: %s\n", p.Address)
			fmt.Printf("Paired:  %s\n", p.PairedAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the paired printer without unbonding it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(cfg.ResolveRegistryPath(), logger.Named("registry"))
			if err := reg.ClearPrinter(); err != nil {
				return err
			}
			fmt.Println("Printer cleared")
			return nil
		},
	})
	return cmd
}
