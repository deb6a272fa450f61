package printjob

import (
	"fmt"
)

// Validate checks a job before it is encoded
func Validate(j *Job) error {
	if j.Version != "" && j.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected %s)", j.Version, Version)
	}

	if j.PaperWidth != "" {
		if _, ok := PaperWidthDots(j.PaperWidth); !ok {
			return fmt.Errorf("invalid paper_width: %s (must be 58mm, 80mm, or 112mm)", j.PaperWidth)
		}
	}

	if len(j.Commands) == 0 {
		return fmt.Errorf("at least one command is required")
	}

	for i := range j.Commands {
		if err := ValidateCommand(&j.Commands[i]); err != nil {
			return fmt.Errorf("command[%d]: %w", i, err)
		}
	}

	return nil
}

// ValidateCommand checks a single command
func ValidateCommand(cmd *Command) error {
	switch cmd.Type {
	case TypeText:
		if cmd.Text == nil {
			return fmt.Errorf("text command requires a text block")
		}
		if cmd.Image != nil {
			return fmt.Errorf("text command cannot carry an image block")
		}
		return validateText(cmd.Text)
	case TypeImage:
		if cmd.Image == nil {
			return fmt.Errorf("image command requires an image block")
		}
		if cmd.Text != nil {
			return fmt.Errorf("image command cannot carry a text block")
		}
		return validateSource(&cmd.Image.Source)
	case "":
		return fmt.Errorf("command type is required")
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func validateText(b *TextBlock) error {
	switch b.Alignment {
	case "", AlignLeft, AlignCenter, AlignRight:
	default:
		return fmt.Errorf("invalid alignment '%s' (must be left, center, or right)", b.Alignment)
	}

	switch b.Emphasis {
	case "", EmphasisNormal, EmphasisBold:
	default:
		return fmt.Errorf("invalid emphasis '%s' (must be normal or bold)", b.Emphasis)
	}

	if b.FontScale < 0 || b.FontScale > 8 {
		return fmt.Errorf("font_scale %d out of range 1..8", b.FontScale)
	}
	if b.LineSpacing < 0 || b.LineSpacing > 255 {
		return fmt.Errorf("line_spacing %d out of range 0..255", b.LineSpacing)
	}
	if b.TrailingBlankLines < 0 || b.TrailingBlankLines > 255 {
		return fmt.Errorf("trailing_blank_lines %d out of range 0..255", b.TrailingBlankLines)
	}
	return nil
}

// Barcode symbologies the raster resolver can draw
var barcodeFormats = []string{"CODE128", "CODE39", "EAN13", "EAN8"}

func validateSource(src *RasterSource) error {
	switch src.Kind {
	case SourceFile, SourceBase64, SourceQRCode:
	case SourceBarcode:
		if src.Format != "" && !contains(barcodeFormats, src.Format) {
			return fmt.Errorf("invalid barcode format '%s'", src.Format)
		}
	case "":
		return fmt.Errorf("image source kind is required")
	default:
		return fmt.Errorf("unknown image source kind: %s", src.Kind)
	}

	if src.Value == "" {
		return fmt.Errorf("%s image source requires value", src.Kind)
	}
	if src.Threshold < 0 || src.Threshold > 255 {
		return fmt.Errorf("threshold %d out of range 0..255", src.Threshold)
	}
	if src.Height < 0 {
		return fmt.Errorf("negative height %d", src.Height)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
