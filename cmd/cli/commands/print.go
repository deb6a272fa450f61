package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/preview"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// jobSource collects the ways a command can be told what to print
type jobSource struct {
	jobPath  string
	dataPath string
	caption  string
}

func (s *jobSource) flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.jobPath, "job", "", "print job JSON file")
	cmd.Flags().StringVar(&s.dataPath, "data", "", "receipt data JSON file (header, rows, summary)")
	cmd.Flags().StringVar(&s.caption, "caption", builder.GalleryCaption, "caption under printed images")
}

// resolve builds the job named by the flags or by args:
// sample | images <file>... | compose <command>...
func (s *jobSource) resolve(args []string) (printjob.Job, error) {
	switch {
	case s.jobPath != "":
		if len(args) > 0 {
			return printjob.Job{}, errors.New("--job cannot be combined with arguments")
		}
		job, err := printjob.ParseFile(s.jobPath)
		if err != nil {
			return printjob.Job{}, err
		}
		return *job, nil
	case s.dataPath != "":
		if len(args) > 0 {
			return printjob.Job{}, errors.New("--data cannot be combined with arguments")
		}
		return loadSource(s.dataPath)
	case len(args) == 0:
		return printjob.Job{}, errors.New("nothing to print: use sample, images, compose, --job or --data")
	}

	switch args[0] {
	case "sample":
		if len(args) > 1 {
			return printjob.Job{}, errors.New("sample takes no arguments")
		}
		return builder.Build(builder.Sample()), nil
	case "images":
		if len(args) < 2 {
			return printjob.Job{}, errors.New("images needs at least one file")
		}
		sources := make([]printjob.RasterSource, 0, len(args)-1)
		for _, path := range args[1:] {
			sources = append(sources, printjob.RasterSource{Kind: printjob.SourceFile, Value: path})
		}
		return builder.Gallery(sources, s.caption), nil
	case "compose":
		return compose(args[1:])
	default:
		return printjob.Job{}, fmt.Errorf("unknown job %q (want sample, images or compose)", args[0])
	}
}

func loadSource(path string) (printjob.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return printjob.Job{}, fmt.Errorf("failed to read file: %w", err)
	}
	var src builder.Source
	if err := json.Unmarshal(data, &src); err != nil {
		return printjob.Job{}, fmt.Errorf("failed to parse receipt data: %w", err)
	}
	if len(src.Rows) == 0 && src.Header == "" && src.Summary == "" {
		return printjob.Job{}, errors.New("receipt data has no header, rows or summary")
	}
	return builder.Build(src), nil
}

// print: send a job to the paired printer and report progress.
func printCmd() *cobra.Command {
	src := &jobSource{}
	cmd := &cobra.Command{
		Use:   "print [sample | images <file>... | compose <command>...]",
		Short: "Print to the paired printer",
		Example: `  btprint print sample
  btprint print images logo.png ticket.jpg --caption "See you soon"
  btprint print --job receipt.json
  btprint print compose text:"Hello" align:center bold:true feed:2 qrcode:"https://example.com"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := src.resolve(args)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			w := subscribe(a)
			defer w.close()

			results, err := a.Dispatcher.Print(ctx, job)
			if err != nil {
				return err
			}
			for {
				select {
				case ev := <-w.events:
					if ev.Print != nil {
						reportPrint(*ev.Print)
					}
				case r := <-results:
					w.drain(reportPrint)
					if r.Err != nil {
						return r.Err
					}
					fmt.Printf("Printed %d command(s)\n", r.Sent)
					return nil
				}
			}
		},
	}
	src.flags(cmd)
	return cmd
}

func reportPrint(ev dispatch.Event) {
	switch ev.Type {
	case dispatch.EventConnecting:
		fmt.Printf("Connecting to %s...\n", ev.Address)
	case dispatch.EventOrderSent:
		fmt.Printf("Sent %d/%d\n", ev.Sent, ev.Total)
	}
}

// preview: render a job to PNG the way the printer would lay it out.
func previewCmd() *cobra.Command {
	src := &jobSource{}
	var out string
	cmd := &cobra.Command{
		Use:   "preview [sample | images <file>... | compose <command>...]",
		Short: "Render a job to a PNG file",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := src.resolve(args)
			if err != nil {
				return err
			}
			width := job.PaperWidth
			if width == "" {
				width = cfg.PaperWidth
			}

			r, err := preview.New(width)
			if err != nil {
				return err
			}
			img, err := r.Render(job)
			if err != nil {
				return fmt.Errorf("failed to render preview: %w", err)
			}
			if err := preview.SavePNG(img, out); err != nil {
				return err
			}
			b := img.Bounds()
			fmt.Printf("Wrote %s (%dx%d)\n", out, b.Dx(), b.Dy())
			return nil
		},
	}
	src.flags(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "preview.png", "output file")
	return cmd
}
