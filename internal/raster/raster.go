// Package raster resolves image sources (files, base64, QR codes, barcodes)
// into 1-bit bitmaps sized for a printer.
package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/thereceipt/btprint/pkg/printjob"
)

// DefaultThreshold is the gray level below which a pixel prints black
const DefaultThreshold = 128

// ErrTooWide is returned when a symbol cannot fit the paper
var ErrTooWide = errors.New("raster wider than paper")

// Bitmap is a packed 1-bit image, most significant bit first, 1 = black
type Bitmap struct {
	Width  int
	Height int
	Stride int // bytes per row
	Data   []byte
}

// NewBitmap allocates a blank bitmap
func NewBitmap(width, height int) *Bitmap {
	stride := (width + 7) / 8
	return &Bitmap{
		Width:  width,
		Height: height,
		Stride: stride,
		Data:   make([]byte, stride*height),
	}
}

// Set marks a pixel black
func (b *Bitmap) Set(x, y int) {
	b.Data[y*b.Stride+x/8] |= 0x80 >> (x % 8)
}

// Black reports whether a pixel is black
func (b *Bitmap) Black(x, y int) bool {
	return b.Data[y*b.Stride+x/8]&(0x80>>(x%8)) != 0
}

// Band returns rows [y, y+rows) sharing the underlying data
func (b *Bitmap) Band(y, rows int) *Bitmap {
	if y+rows > b.Height {
		rows = b.Height - y
	}
	return &Bitmap{
		Width:  b.Width,
		Height: rows,
		Stride: b.Stride,
		Data:   b.Data[y*b.Stride : (y+rows)*b.Stride],
	}
}

// Bands splits the bitmap into chunks of at most maxRows rows
func (b *Bitmap) Bands(maxRows int) []*Bitmap {
	var bands []*Bitmap
	for y := 0; y < b.Height; y += maxRows {
		bands = append(bands, b.Band(y, maxRows))
	}
	return bands
}

// Image converts the bitmap back to a grayscale image
func (b *Bitmap) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if b.Black(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// Resolve loads src and converts it to a bitmap no wider than widthDots
func Resolve(src printjob.RasterSource, widthDots int) (*Bitmap, error) {
	img, err := Load(src, widthDots)
	if err != nil {
		return nil, err
	}

	threshold := src.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return Threshold(img, uint8(threshold)), nil
}

// Load produces the source image scaled to fit widthDots
func Load(src printjob.RasterSource, widthDots int) (image.Image, error) {
	var img image.Image
	var err error

	switch src.Kind {
	case printjob.SourceFile:
		img, err = imaging.Open(src.Value, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("failed to open image %s: %w", src.Value, err)
		}
	case printjob.SourceBase64:
		img, err = decodeBase64(src.Value)
		if err != nil {
			return nil, err
		}
	case printjob.SourceQRCode:
		return QRCode(src.Value, widthDots)
	case printjob.SourceBarcode:
		return Barcode(src.Value, src.Format, widthDots, src.Height)
	default:
		return nil, fmt.Errorf("unknown image source kind: %s", src.Kind)
	}

	return Fit(img, widthDots), nil
}

// Fit scales img down to widthDots, keeping the aspect ratio. Narrower images
// are left alone.
func Fit(img image.Image, widthDots int) image.Image {
	if widthDots > 0 && img.Bounds().Dx() > widthDots {
		return imaging.Resize(img, widthDots, 0, imaging.Lanczos)
	}
	return img
}

func decodeBase64(value string) (image.Image, error) {
	// Accept data URLs as well as bare base64
	if i := strings.Index(value, ";base64,"); i >= 0 && strings.HasPrefix(value, "data:") {
		value = value[i+len(";base64,"):]
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 image: %w", err)
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Threshold converts img to a bitmap. Transparent pixels count as paper.
func Threshold(img image.Image, threshold uint8) *Bitmap {
	bounds := img.Bounds()
	bm := NewBitmap(bounds.Dx(), bounds.Dy())
	limit := uint32(threshold) * 0x101

	for y := 0; y < bm.Height; y++ {
		for x := 0; x < bm.Width; x++ {
			r, g, b, a := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			// Rec. 601 luma, then composite over white paper
			lum := (19595*r + 38470*g + 7471*b + 1<<15) >> 16
			gray := lum + (0xffff - a)
			if gray < limit {
				bm.Set(x, y)
			}
		}
	}

	return bm
}
