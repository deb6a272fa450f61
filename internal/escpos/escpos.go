// Package escpos encodes print commands into ESC/POS bytes
package escpos

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/thereceipt/btprint/internal/raster"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// ESC/POS control bytes
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// MaxBandRows is the tallest raster sent in one GS v 0 command
const MaxBandRows = 256

// Encoder generates ESC/POS for a given paper width
type Encoder struct {
	widthDots int
}

// New creates an encoder for a paper width in dots
func New(widthDots int) *Encoder {
	return &Encoder{widthDots: widthDots}
}

// ForPaper creates an encoder for a named paper width ("58mm", "80mm", "112mm")
func ForPaper(width string) (*Encoder, error) {
	dots, ok := printjob.PaperWidthDots(width)
	if !ok {
		return nil, fmt.Errorf("invalid paper width: %s", width)
	}
	return New(dots), nil
}

// WidthDots returns the printable width
func (e *Encoder) WidthDots() int {
	return e.widthDots
}

// Begin resets the printer
func (e *Encoder) Begin() []byte {
	return []byte{ESC, '@'}
}

// Encode converts one command
func (e *Encoder) Encode(cmd printjob.Command) ([]byte, error) {
	if err := printjob.ValidateCommand(&cmd); err != nil {
		return nil, err
	}

	switch cmd.Type {
	case printjob.TypeText:
		return e.encodeText(cmd.Text.Normalized()), nil
	case printjob.TypeImage:
		return e.encodeImage(cmd.Image.Source)
	default:
		return nil, fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (e *Encoder) encodeText(b printjob.TextBlock) []byte {
	var buf bytes.Buffer

	buf.Write(alignment(b.Alignment))
	if b.LineSpacing > 0 {
		buf.Write([]byte{ESC, '3', byte(b.LineSpacing)})
	} else {
		buf.Write([]byte{ESC, '2'})
	}
	buf.Write(bold(b.Emphasis == printjob.EmphasisBold))
	buf.Write(textSize(b.FontScale, b.FontScale))

	buf.Write(EncodeText(b.Text))
	buf.WriteByte(LF)

	if b.TrailingBlankLines > 0 {
		buf.Write([]byte{ESC, 'd', byte(b.TrailingBlankLines)})
	}
	return buf.Bytes()
}

func (e *Encoder) encodeImage(src printjob.RasterSource) ([]byte, error) {
	bm, err := raster.Resolve(src, e.widthDots)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(alignment(printjob.AlignCenter))
	buf.Write(Raster(bm))
	return buf.Bytes(), nil
}

// Raster emits GS v 0 commands for a bitmap, split into bands
func Raster(bm *raster.Bitmap) []byte {
	var buf bytes.Buffer
	for _, band := range bm.Bands(MaxBandRows) {
		buf.Write([]byte{
			GS, 'v', '0', 0,
			byte(band.Stride & 0xFF), byte(band.Stride >> 8),
			byte(band.Height & 0xFF), byte(band.Height >> 8),
		})
		buf.Write(band.Data)
	}
	return buf.Bytes()
}

func alignment(a printjob.Alignment) []byte {
	switch a {
	case printjob.AlignCenter:
		return []byte{ESC, 'a', 1}
	case printjob.AlignRight:
		return []byte{ESC, 'a', 2}
	default:
		return []byte{ESC, 'a', 0}
	}
}

func bold(enabled bool) []byte {
	if enabled {
		return []byte{ESC, 'E', 1}
	}
	return []byte{ESC, 'E', 0}
}

// textSize clamps width and height multipliers to 1..8
func textSize(width, height int) []byte {
	clamp := func(v int) int {
		if v < 1 {
			return 1
		}
		if v > 8 {
			return 8
		}
		return v
	}
	size := byte(((clamp(width) - 1) << 4) | (clamp(height) - 1))
	return []byte{GS, '!', size}
}

// EncodeText converts text to code page 437. Runes outside the code page
// print as '?'; line breaks are normalized to LF. Control characters never
// reach the printer as commands: tabs become spaces and the rest print as '?'.
func EncodeText(text string) []byte {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	out := make([]byte, 0, len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			out = append(out, LF)
			continue
		case r == '\t':
			out = append(out, ' ')
			continue
		case r < 0x20 || r == 0x7F:
			out = append(out, '?')
			continue
		}
		if b, ok := charmap.CodePage437.EncodeRune(r); ok {
			out = append(out, b)
		} else {
			out = append(out, '?')
		}
	}
	return out
}
