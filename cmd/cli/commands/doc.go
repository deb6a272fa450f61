// Package commands defines the btprint CLI.
//
// Commands
//
//   - scan           Find printers, interactively or with --plain
//   - pair           Pair with a printer and remember it
//   - unpair         Remove the bond with a printer
//   - printer        Show or clear the remembered printer
//   - print          Print a sample, images, a job file or composed commands
//   - preview        Render a job to PNG without a printer
//
// # Implementation
//
// The root command loads config and builds a logger before any subcommand
// runs. Commands that talk to hardware open the app themselves, so preview
// works without a Bluetooth adapter.
package commands
