// Package printjob defines print jobs: ordered text blocks and raster images
// sent to a receipt printer as one unit.
package printjob

// Version is the only supported job file version
const Version = "1.0"

// CommandType tags a Command variant
type CommandType string

const (
	TypeText  CommandType = "text"
	TypeImage CommandType = "image"
)

// Alignment of a text block
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// Emphasis of a text block
type Emphasis string

const (
	EmphasisNormal Emphasis = "normal"
	EmphasisBold   Emphasis = "bold"
)

// SourceKind says where raster pixels come from
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceBase64  SourceKind = "base64"
	SourceQRCode  SourceKind = "qrcode"
	SourceBarcode SourceKind = "barcode"
)

// Job is an ordered list of commands printed as a unit
type Job struct {
	Version    string    `json:"version,omitempty"`
	Name       string    `json:"name,omitempty"`
	PaperWidth string    `json:"paper_width,omitempty"` // "58mm", "80mm", "112mm"
	Commands   []Command `json:"commands"`
}

// Command is either a text block or an image block
type Command struct {
	Type  CommandType `json:"type"`
	Text  *TextBlock  `json:"text,omitempty"`
	Image *ImageBlock `json:"image,omitempty"`
}

// TextBlock is a run of text with its formatting
type TextBlock struct {
	Text               string    `json:"text"`
	Alignment          Alignment `json:"alignment,omitempty"`
	LineSpacing        int       `json:"line_spacing,omitempty"` // dots, 0 = printer default
	Emphasis           Emphasis  `json:"emphasis,omitempty"`
	FontScale          int       `json:"font_scale,omitempty"` // 1..8, 0 = 1
	TrailingBlankLines int       `json:"trailing_blank_lines,omitempty"`
}

// ImageBlock prints a raster
type ImageBlock struct {
	Source RasterSource `json:"source"`
}

// RasterSource describes a raster to resolve at print time
type RasterSource struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"` // path, base64 data or the encoded content

	// Barcode symbology: CODE128, CODE39, EAN13, EAN8. Defaults to CODE128.
	Format string `json:"format,omitempty"`
	// Gray level below which a pixel prints black, 0 = 128
	Threshold int `json:"threshold,omitempty"`
	// Target height in dots for barcodes, 0 = default
	Height int `json:"height,omitempty"`
}

// Text wraps a text block in a Command
func Text(b TextBlock) Command {
	return Command{Type: TypeText, Text: &b}
}

// Image wraps a raster source in a Command
func Image(src RasterSource) Command {
	return Command{Type: TypeImage, Image: &ImageBlock{Source: src}}
}

// Normalized returns the block with defaults filled in
func (b TextBlock) Normalized() TextBlock {
	if b.Alignment == "" {
		b.Alignment = AlignLeft
	}
	if b.Emphasis == "" {
		b.Emphasis = EmphasisNormal
	}
	if b.FontScale == 0 {
		b.FontScale = 1
	}
	return b
}

// Clone returns a deep copy of the command
func (c Command) Clone() Command {
	out := Command{Type: c.Type}
	if c.Text != nil {
		t := *c.Text
		out.Text = &t
	}
	if c.Image != nil {
		i := *c.Image
		out.Image = &i
	}
	return out
}

// Paper widths in printer dots
var paperWidths = map[string]int{
	"58mm":  384,
	"80mm":  576,
	"112mm": 832,
}

// DefaultPaperWidth is used when a job does not name one
const DefaultPaperWidth = "58mm"

// PaperWidthDots converts a paper width name to printable dots
func PaperWidthDots(width string) (int, bool) {
	if width == "" {
		width = DefaultPaperWidth
	}
	dots, ok := paperWidths[width]
	return dots, ok
}
