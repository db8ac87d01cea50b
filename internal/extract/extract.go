// Package extract turns raw document bytes into clean text for
// segmentation. Extraction failures abort the load; they never touch
// playback state.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-shellwords"
	"github.com/voxread-labs/voxread-core/internal/config"
)

// ErrExtraction wraps every failure to produce text from an input.
var ErrExtraction = errors.New("extraction failed")

// Extractor produces speakable text from raw input bytes.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader) (string, error)
}

// New builds the extractor selected by config.
func New(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.Mode {
	case "plaintext", "":
		return Plaintext{}, nil
	case "exec":
		return NewExecExtractor(cfg.Command)
	}
	return nil, fmt.Errorf("unknown extractor mode %q", cfg.Mode)
}

// Plaintext treats the input as UTF-8 text and normalizes it.
type Plaintext struct{}

func (Plaintext) Extract(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: read input: %v", ErrExtraction, err)
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: input is not valid UTF-8", ErrExtraction)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text, nil
}

// ExecExtractor shells out to an external converter (a pdf-to-text tool,
// for example). The raw bytes go to the command's stdin; stdout is the
// extracted text.
type ExecExtractor struct {
	cmd []string
}

func NewExecExtractor(command string) (*ExecExtractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extractor command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extractor command empty")
	}
	return &ExecExtractor{cmd: args}, nil
}

func (e *ExecExtractor) Extract(ctx context.Context, r io.Reader) (string, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = r

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%w: %s: %s", ErrExtraction, base, detail)
	}
	if !utf8.Valid(out.Bytes()) {
		return "", fmt.Errorf("%w: converter output is not valid UTF-8", ErrExtraction)
	}
	return out.String(), nil
}
