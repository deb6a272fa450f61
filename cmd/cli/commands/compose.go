package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// compose builds a job from command-line arguments. Each command starts with
// its type (text:"Hello", feed:2, divider, image:logo.png, qrcode:..., barcode:...)
// and may be followed by name:value properties for that command
// (align:center, bold:true, scale:2, spacing:30, threshold:100, height:80,
// format:EAN13).
func compose(args []string) (printjob.Job, error) {
	if len(args) == 0 {
		return printjob.Job{}, fmt.Errorf("no compose arguments provided")
	}

	job := printjob.Job{Version: printjob.Version, Name: "composed"}
	for _, arg := range args {
		if isCommandStart(arg) {
			cmd, err := parseComposeCommandStart(arg, &job)
			if err != nil {
				return printjob.Job{}, fmt.Errorf("failed to parse command '%s': %w", arg, err)
			}
			if cmd != nil {
				job.Commands = append(job.Commands, *cmd)
			}
			continue
		}
		if len(job.Commands) == 0 {
			return printjob.Job{}, fmt.Errorf("unexpected argument '%s' (expected command start)", arg)
		}
		if err := parseCommandProperty(&job.Commands[len(job.Commands)-1], arg); err != nil {
			return printjob.Job{}, fmt.Errorf("failed to parse property '%s': %w", arg, err)
		}
	}

	if err := printjob.Validate(&job); err != nil {
		return printjob.Job{}, err
	}
	return job, nil
}

var knownCommands = []string{"text:", "feed:", "divider", "image:", "barcode:", "qrcode:"}

// isCommandStart checks if an argument starts a new command
func isCommandStart(arg string) bool {
	for _, cmd := range knownCommands {
		if strings.HasPrefix(arg, cmd) || arg == strings.TrimSuffix(cmd, ":") {
			return true
		}
	}
	return false
}

// parseComposeCommandStart returns the command an argument starts. feed adds
// blank lines to the previous text block, so it returns nil when there is one.
func parseComposeCommandStart(arg string, job *printjob.Job) (*printjob.Command, error) {
	cmdType, value, _ := strings.Cut(arg, ":")
	value = unquote(value)

	switch cmdType {
	case "text":
		cmd := printjob.Text(printjob.TextBlock{Text: value})
		return &cmd, nil
	case "divider":
		width := builder.DefaultDividerWidth
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid divider width: %s", value)
			}
			width = n
		}
		cmd := builder.Divider(width)
		return &cmd, nil
	case "feed":
		lines, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid feed lines value: %s", value)
		}
		if n := len(job.Commands); n > 0 && job.Commands[n-1].Text != nil {
			job.Commands[n-1].Text.TrailingBlankLines += lines
			return nil, nil
		}
		cmd := printjob.Text(printjob.TextBlock{TrailingBlankLines: lines})
		return &cmd, nil
	case "image":
		cmd := printjob.Image(printjob.RasterSource{Kind: printjob.SourceFile, Value: value})
		return &cmd, nil
	case "qrcode":
		cmd := printjob.Image(printjob.RasterSource{Kind: printjob.SourceQRCode, Value: value})
		return &cmd, nil
	case "barcode":
		cmd := printjob.Image(printjob.RasterSource{Kind: printjob.SourceBarcode, Value: value})
		return &cmd, nil
	}
	return nil, fmt.Errorf("unknown command: %s", cmdType)
}

// parseCommandProperty sets a name:value property on cmd
func parseCommandProperty(cmd *printjob.Command, arg string) error {
	name, value, ok := strings.Cut(arg, ":")
	if !ok {
		return fmt.Errorf("property must be in format 'name:value', got: %s", arg)
	}
	value = unquote(value)

	if cmd.Text != nil {
		return setTextProperty(cmd.Text, name, value)
	}
	return setSourceProperty(&cmd.Image.Source, name, value)
}

func setTextProperty(b *printjob.TextBlock, name, value string) error {
	switch name {
	case "align":
		b.Alignment = printjob.Alignment(value)
	case "bold":
		bold, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bold value: %s", value)
		}
		b.Emphasis = printjob.EmphasisNormal
		if bold {
			b.Emphasis = printjob.EmphasisBold
		}
	case "scale", "size":
		return setInt(&b.FontScale, name, value)
	case "spacing":
		return setInt(&b.LineSpacing, name, value)
	default:
		return fmt.Errorf("unknown text property: %s", name)
	}
	return nil
}

func setSourceProperty(src *printjob.RasterSource, name, value string) error {
	switch name {
	case "threshold":
		return setInt(&src.Threshold, name, value)
	case "height":
		return setInt(&src.Height, name, value)
	case "format":
		src.Format = strings.ToUpper(value)
	default:
		return fmt.Errorf("unknown image property: %s", name)
	}
	return nil
}

func setInt(dst *int, name, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value: %s", name, value)
	}
	*dst = n
	return nil
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}
