package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/logging"
)

// Version is set during build via ldflags
var Version = "dev"

var (
	configPath    string
	transportName string
	registryPath  string
	paperWidth    string
	debug         bool

	cfg    config.Config
	logger *zap.Logger
	appCtx *app.App
)

// interactive marks commands that take over the terminal
const interactive = "interactive"

func Execute() error {
	root := &cobra.Command{
		Use:           "btprint",
		Short:         "Find, pair and print to Bluetooth receipt printers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = loadConfig(cmd); err != nil {
				return err
			}

			opts := logging.Options{Debug: cfg.Debug, File: cfg.LogFile}
			if opts.File == "" && cmd.Annotations[interactive] == "true" && !scanPlain {
				opts.File = filepath.Join(os.TempDir(), "btprint.log")
			}
			logger, err = logging.New(opts)
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVarP(&transportName, "transport", "t", "", "transport: bluez, ble, serial, usb or sim")
	root.PersistentFlags().StringVar(&registryPath, "registry", "", "paired printer file")
	root.PersistentFlags().StringVar(&paperWidth, "paper-width", "", "paper width: 58mm, 80mm or 112mm")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")

	root.AddCommand(scanCmd(), pairCmd(), unpairCmd(), printerCmd(), printCmd(), previewCmd())

	err := root.Execute()
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig applies flags over the file and environment
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		c.Transport = transportName
	}
	if flags.Changed("registry") {
		c.RegistryPath = registryPath
	}
	if flags.Changed("paper-width") {
		c.PaperWidth = paperWidth
	}
	if flags.Changed("debug") {
		c.Debug = debug
	}
	return c, nil
}

// openApp builds the transport stack for commands that need a printer
func openApp() (*app.App, error) {
	if appCtx != nil {
		return appCtx, nil
	}
	a, err := app.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if !a.Transport.IsEnabled() {
		a.Close()
		return nil, fmt.Errorf("%s transport is not available, is the adapter powered on?", cfg.Transport)
	}
	appCtx = a
	return a, nil
}

func cleanup() {
	if appCtx != nil {
		appCtx.Close()
		appCtx = nil
	}
	if logger != nil {
		logger.Sync()
	}
}
