package commands

import (
	"strings"
	"testing"

	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/pkg/printjob"
)

func TestCompose(t *testing.T) {
	job, err := compose([]string{
		`text:"Hello World"`, "align:center", "bold:true", "scale:2",
		"feed:2",
		"divider",
		"text:Bye", "feed:1",
		"qrcode:https://example.com",
		"barcode:12345670", "format:ean8", "height:60",
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if len(job.Commands) != 5 {
		t.Fatalf("Expected 5 commands, got %d", len(job.Commands))
	}

	title := job.Commands[0].Text
	if title == nil || title.Text != "Hello World" {
		t.Fatalf("Expected first command to be the title, got %+v", job.Commands[0])
	}
	if title.Alignment != printjob.AlignCenter || title.Emphasis != printjob.EmphasisBold || title.FontScale != 2 {
		t.Errorf("Expected title properties to apply, got %+v", title)
	}
	if title.TrailingBlankLines != 2 {
		t.Errorf("Expected feed to extend the title, got %d blank lines", title.TrailingBlankLines)
	}

	if divider := job.Commands[1].Text; divider == nil || divider.Text != strings.Repeat("-", builder.DefaultDividerWidth) {
		t.Errorf("Expected default divider, got %+v", job.Commands[1])
	}
	if bye := job.Commands[2].Text; bye == nil || bye.TrailingBlankLines != 1 {
		t.Errorf("Expected feed property on second text, got %+v", job.Commands[2])
	}

	qr := job.Commands[3].Image
	if qr == nil || qr.Source.Kind != printjob.SourceQRCode || qr.Source.Value != "https://example.com" {
		t.Errorf("Expected QR code, got %+v", job.Commands[3])
	}
	bar := job.Commands[4].Image
	if bar == nil || bar.Source.Kind != printjob.SourceBarcode || bar.Source.Format != "EAN8" || bar.Source.Height != 60 {
		t.Errorf("Expected EAN8 barcode, got %+v", job.Commands[4])
	}
}

func TestComposeFeedFirst(t *testing.T) {
	job, err := compose([]string{"feed:3"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(job.Commands) != 1 || job.Commands[0].Text.TrailingBlankLines != 3 {
		t.Errorf("Expected a blank text block, got %+v", job.Commands)
	}
}

func TestComposeErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"empty", nil, "no compose arguments"},
		{"property first", []string{"align:center"}, "expected command start"},
		{"bad feed", []string{"feed:many"}, "invalid feed"},
		{"bad divider", []string{"divider:0"}, "invalid divider width"},
		{"bad property", []string{"text:hi", "center"}, "name:value"},
		{"unknown text property", []string{"text:hi", "color:red"}, "unknown text property"},
		{"unknown image property", []string{"qrcode:hi", "bold:true"}, "unknown image property"},
		{"invalid alignment", []string{"text:hi", "align:middle"}, "invalid alignment"},
		{"scale out of range", []string{"text:hi", "scale:9"}, "font_scale"},
		{"bad barcode format", []string{"barcode:123", "format:upc"}, "invalid barcode format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compose(tt.args)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
