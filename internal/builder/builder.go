// Package builder turns application data into print jobs. It is pure: the
// same input always yields an identical job.
package builder

import (
	"strings"

	"github.com/thereceipt/btprint/pkg/printjob"
)

// DefaultDividerWidth matches a 58mm printer's default font
const DefaultDividerWidth = 32

// Line spacing used by every block the builder emits, in dots
const lineSpacing = 30

// Field is one "Label: Value" line of a record
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Row is one record on the receipt
type Row struct {
	Fields []Field `json:"fields"`
	// Code, when set, is printed as a barcode below the record
	Code string `json:"code,omitempty"`
}

// Source is the application data for a receipt
type Source struct {
	Name         string `json:"name,omitempty"`
	Header       string `json:"header,omitempty"`
	Rows         []Row  `json:"rows"`
	Summary      string `json:"summary,omitempty"`
	DividerWidth int    `json:"divider_width,omitempty"`
	// Barcode symbology for row codes, defaults to CODE128
	CodeFormat string `json:"code_format,omitempty"`
}

// Build lays out a header, one record and divider per row, and a summary
func Build(src Source) printjob.Job {
	job := printjob.Job{
		Version:  printjob.Version,
		Name:     src.Name,
		Commands: []printjob.Command{},
	}

	if src.Header != "" {
		job.Commands = append(job.Commands, Header(src.Header))
	}

	width := src.DividerWidth
	if width <= 0 {
		width = DefaultDividerWidth
	}

	for _, row := range src.Rows {
		job.Commands = append(job.Commands, Record(row.Fields))
		if row.Code != "" {
			job.Commands = append(job.Commands, Barcode(row.Code, src.CodeFormat))
		}
		job.Commands = append(job.Commands, Divider(width))
	}

	if src.Summary != "" {
		job.Commands = append(job.Commands, Closing(src.Summary))
	}

	return job
}

// Gallery prints each image in order followed by a caption
func Gallery(images []printjob.RasterSource, caption string) printjob.Job {
	job := printjob.Job{
		Version:  printjob.Version,
		Name:     "gallery",
		Commands: make([]printjob.Command, 0, len(images)+1),
	}
	for _, img := range images {
		job.Commands = append(job.Commands, printjob.Image(img))
	}
	if caption != "" {
		job.Commands = append(job.Commands, Closing(caption))
	}
	return job
}

// Header is a large, bold, centered title
func Header(text string) printjob.Command {
	return printjob.Text(printjob.TextBlock{
		Text:               text,
		Alignment:          printjob.AlignCenter,
		LineSpacing:        lineSpacing,
		Emphasis:           printjob.EmphasisBold,
		FontScale:          2,
		TrailingBlankLines: 2,
	})
}

// Record renders fields as left-aligned "Label: Value" lines
func Record(fields []Field) printjob.Command {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, f.Label+": "+f.Value)
	}
	return printjob.Text(printjob.TextBlock{
		Text:               strings.Join(lines, "\n"),
		Alignment:          printjob.AlignLeft,
		LineSpacing:        lineSpacing,
		Emphasis:           printjob.EmphasisNormal,
		FontScale:          1,
		TrailingBlankLines: 1,
	})
}

// Divider is a centered line of dashes
func Divider(width int) printjob.Command {
	return printjob.Text(printjob.TextBlock{
		Text:               strings.Repeat("-", width),
		Alignment:          printjob.AlignCenter,
		LineSpacing:        lineSpacing,
		Emphasis:           printjob.EmphasisNormal,
		FontScale:          1,
		TrailingBlankLines: 1,
	})
}

// Closing is a centered message followed by enough feed to tear the paper
func Closing(text string) printjob.Command {
	return printjob.Text(printjob.TextBlock{
		Text:               text,
		Alignment:          printjob.AlignCenter,
		LineSpacing:        lineSpacing,
		Emphasis:           printjob.EmphasisNormal,
		FontScale:          1,
		TrailingBlankLines: 4,
	})
}

// Barcode prints code as a barcode image
func Barcode(code, format string) printjob.Command {
	if format == "" {
		format = "CODE128"
	}
	return printjob.Image(printjob.RasterSource{
		Kind:   printjob.SourceBarcode,
		Value:  code,
		Format: format,
	})
}
