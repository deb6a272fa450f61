// Package preview draws a job the way the printer would lay it out, for
// checking jobs without paper.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/fogleman/gg"

	"github.com/thereceipt/btprint/internal/raster"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// margin is kept below the last block
const margin = 24

// Renderer converts jobs to images
type Renderer struct {
	width    int
	fontPath string
	fontSize float64
}

// Option configures a Renderer
type Option func(*Renderer)

// WithFont draws text with a TrueType font instead of the built-in bitmap face
func WithFont(path string, points float64) Option {
	return func(r *Renderer) {
		r.fontPath = path
		r.fontSize = points
	}
}

// New creates a renderer for a named paper width
func New(paperWidth string, opts ...Option) (*Renderer, error) {
	width, ok := printjob.PaperWidthDots(paperWidth)
	if !ok {
		return nil, fmt.Errorf("invalid paper width: %s", paperWidth)
	}
	r := &Renderer{width: width}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render draws a job on paper of the job's own width
func Render(job printjob.Job) (image.Image, error) {
	r, err := New(job.PaperWidth)
	if err != nil {
		return nil, err
	}
	return r.Render(job)
}

// SavePNG writes img to path
func SavePNG(img image.Image, path string) error {
	if err := gg.SavePNG(path, img); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}
	return nil
}

// EncodePNG writes img to w as a PNG
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// Width returns the paper width in dots
func (r *Renderer) Width() int {
	return r.width
}

// Render draws every command top to bottom and crops to the content
func (r *Renderer) Render(job printjob.Job) (image.Image, error) {
	c, err := r.newCanvas()
	if err != nil {
		return nil, err
	}

	for i, cmd := range job.Commands {
		if err := printjob.ValidateCommand(&cmd); err != nil {
			return nil, fmt.Errorf("command[%d]: %w", i, err)
		}
		switch cmd.Type {
		case printjob.TypeText:
			c.text(cmd.Text.Normalized())
		case printjob.TypeImage:
			if err := c.image(cmd.Image.Source); err != nil {
				return nil, fmt.Errorf("command[%d]: %w", i, err)
			}
		}
	}
	return c.crop(), nil
}

type canvas struct {
	ctx    *gg.Context
	width  int
	height int
	y      float64
	r      *Renderer
}

func (r *Renderer) newCanvas() (*canvas, error) {
	c := &canvas{width: r.width, height: 1000, r: r}
	c.ctx = c.blank(c.height)
	if r.fontPath != "" {
		if err := c.ctx.LoadFontFace(r.fontPath, r.fontSize); err != nil {
			return nil, fmt.Errorf("failed to load font %s: %w", r.fontPath, err)
		}
	}
	return c, nil
}

func (c *canvas) blank(height int) *gg.Context {
	ctx := gg.NewContext(c.width, height)
	ctx.SetColor(color.White)
	ctx.Clear()
	ctx.SetColor(color.Black)
	return ctx
}

func (c *canvas) ensureHeight(needed int) {
	if int(c.y)+needed <= c.height {
		return
	}
	height := c.height * 2
	if height < int(c.y)+needed {
		height = int(c.y) + needed + 1000
	}

	next := c.blank(height)
	if face := c.r.fontPath; face != "" {
		// fonts were checked when the canvas was created
		next.LoadFontFace(face, c.r.fontSize)
	}
	next.DrawImage(c.ctx.Image(), 0, 0)
	c.ctx = next
	c.height = height
}

func (c *canvas) text(b printjob.TextBlock) {
	scale := float64(b.FontScale)
	glyph := c.ctx.FontHeight() * scale
	lineHeight := glyph * 1.4
	if spacing := float64(b.LineSpacing); spacing > lineHeight {
		lineHeight = spacing
	}

	for _, para := range strings.Split(b.Text, "\n") {
		lines := c.ctx.WordWrap(para, float64(c.width)/scale)
		if len(lines) == 0 {
			lines = []string{""}
		}
		for _, line := range lines {
			c.ensureHeight(int(lineHeight) + 1)

			w, _ := c.ctx.MeasureString(line)
			w *= scale
			var x float64
			switch b.Alignment {
			case printjob.AlignCenter:
				x = (float64(c.width) - w) / 2
			case printjob.AlignRight:
				x = float64(c.width) - w
			}

			c.ctx.Push()
			c.ctx.Translate(x, c.y+glyph)
			c.ctx.Scale(scale, scale)
			c.ctx.DrawString(line, 0, 0)
			if b.Emphasis == printjob.EmphasisBold {
				c.ctx.DrawString(line, 0.7, 0)
			}
			c.ctx.Pop()

			c.y += lineHeight
		}
	}
	c.y += lineHeight * float64(b.TrailingBlankLines)
}

// image draws the thresholded raster centred, as the printer would
func (c *canvas) image(src printjob.RasterSource) error {
	bm, err := raster.Resolve(src, c.width)
	if err != nil {
		return err
	}
	c.ensureHeight(bm.Height)
	c.ctx.DrawImage(bm.Image(), (c.width-bm.Width)/2, int(c.y))
	c.y += float64(bm.Height)
	return nil
}

func (c *canvas) crop() image.Image {
	height := int(c.y) + margin
	if height > c.height {
		height = c.height
	}
	img := c.ctx.Image()
	return img.(interface {
		SubImage(r image.Rectangle) image.Image
	}).SubImage(image.Rect(0, 0, c.width, height))
}
