package raster

import (
	"fmt"
	"image"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/code39"
	"github.com/boombuler/barcode/ean"
	"github.com/skip2/go-qrcode"
)

// DefaultBarcodeHeight in dots
const DefaultBarcodeHeight = 80

// Largest QR code drawn, in dots
const maxQRSize = 400

// QRCode draws content as a QR code about two thirds of the paper wide
func QRCode(content string, widthDots int) (image.Image, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}

	size := widthDots * 2 / 3
	if size > maxQRSize {
		size = maxQRSize
	}
	if size <= 0 {
		size = 256
	}
	return qr.Image(size), nil
}

// Barcode draws a 1D barcode. Bars are widened by a whole factor so module
// widths stay even, up to the paper width.
func Barcode(content, format string, widthDots, height int) (image.Image, error) {
	if height <= 0 {
		height = DefaultBarcodeHeight
	}

	var code barcode.Barcode
	var err error

	switch format {
	case "", "CODE128":
		code, err = code128.Encode(content)
	case "CODE39":
		code, err = code39.Encode(content, false, true)
	case "EAN13", "EAN8":
		code, err = ean.Encode(content)
	default:
		return nil, fmt.Errorf("unsupported barcode format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s barcode: %w", format, err)
	}

	natural := code.Bounds().Dx()
	if widthDots > 0 && natural > widthDots {
		return nil, fmt.Errorf("%s barcode for %q needs %d dots: %w", format, content, natural, ErrTooWide)
	}

	factor := 3
	if widthDots > 0 && natural*factor > widthDots {
		factor = widthDots / natural
	}

	scaled, err := barcode.Scale(code, natural*factor, height)
	if err != nil {
		return nil, fmt.Errorf("failed to scale barcode: %w", err)
	}
	return scaled, nil
}
