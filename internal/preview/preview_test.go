package preview

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/pkg/printjob"
)

func dark(img image.Image) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r < 0x8000 {
				n++
			}
		}
	}
	return n
}

func TestRenderSample(t *testing.T) {
	img, err := Render(builder.Build(builder.Sample()))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if img.Bounds().Dx() != 384 {
		t.Errorf("Expected 58mm width, got %d", img.Bounds().Dx())
	}
	if img.Bounds().Dy() < 200 {
		t.Errorf("Expected a tall receipt, got %d", img.Bounds().Dy())
	}
	if dark(img) == 0 {
		t.Error("Expected ink on the preview")
	}
}

func TestRenderGrowsCanvas(t *testing.T) {
	job := printjob.Job{PaperWidth: "80mm"}
	for i := 0; i < 80; i++ {
		job.Commands = append(job.Commands, printjob.Text(printjob.TextBlock{Text: "row", TrailingBlankLines: 1}))
	}

	img, err := Render(job)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if img.Bounds().Dx() != 576 {
		t.Errorf("Expected 80mm width, got %d", img.Bounds().Dx())
	}
	if img.Bounds().Dy() <= 1000 {
		t.Errorf("Expected canvas to grow past its initial height, got %d", img.Bounds().Dy())
	}
}

func TestRenderQRCode(t *testing.T) {
	job := printjob.Job{Commands: []printjob.Command{
		printjob.Image(printjob.RasterSource{Kind: printjob.SourceQRCode, Value: "https://example.com"}),
	}}
	img, err := Render(job)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if dark(img) == 0 {
		t.Error("Expected QR modules on the preview")
	}
}

func TestRenderInvalidCommand(t *testing.T) {
	job := printjob.Job{Commands: []printjob.Command{{Type: "cut"}}}
	if _, err := Render(job); err == nil {
		t.Fatal("Expected error for unknown command")
	}
}

func TestInvalidPaperWidth(t *testing.T) {
	if _, err := New("90mm"); err == nil {
		t.Fatal("Expected error for unknown paper width")
	}
}

func TestSavePNG(t *testing.T) {
	img, err := Render(builder.Gallery(nil, builder.GalleryCaption))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	path := filepath.Join(t.TempDir(), "preview.png")
	if err := SavePNG(img, path); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("Expected a PNG on disk, got %v", err)
	}
}

func TestEncodePNG(t *testing.T) {
	img, err := Render(builder.Build(builder.Sample()))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("Expected PNG signature")
	}
}
