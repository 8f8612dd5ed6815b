// Package convert bridges the conversion service to an external document
// engine. The default implementation shells out to a headless LibreOffice,
// which keeps the transformation itself outside this process.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/server/services"
)

const defaultBinary = "soffice"

// runCommand is a test seam for exec.CommandContext(...).Run.
var runCommand = func(cmd *exec.Cmd) error { return cmd.Run() }

type Option func(*SofficeConverter)

func WithBinary(path string) Option {
	return func(c *SofficeConverter) { c.binary = path }
}

// SofficeConverter converts documents by invoking LibreOffice in headless
// mode. Quality and formatting hints are accepted for interface parity but
// the engine decides how to honor them.
type SofficeConverter struct {
	binary string
	logger logging.Logger
}

func NewSoffice(logger logging.Logger, opts ...Option) *SofficeConverter {
	c := &SofficeConverter{binary: defaultBinary, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SofficeConverter) Convert(ctx context.Context, inputPath, outputPath string, quality string, preserveFormatting bool) (*services.ConvertResult, error) {
	targetExt := strings.TrimPrefix(filepath.Ext(outputPath), ".")
	if targetExt == "" {
		return nil, fmt.Errorf("%w: output path has no extension", common.ErrValidation)
	}

	outDir := filepath.Dir(outputPath)
	cmd := exec.CommandContext(ctx, c.binary,
		"--headless", "--convert-to", targetExt, "--outdir", outDir, inputPath)
	if err := runCommand(cmd); err != nil {
		return nil, fmt.Errorf("conversion engine: %w", err)
	}

	// the engine names its output after the input; move it where asked
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	produced := filepath.Join(outDir, base+"."+targetExt)
	if produced != outputPath {
		if err := os.Rename(produced, outputPath); err != nil {
			return nil, fmt.Errorf("%w: collecting engine output: %v", common.ErrStorageIO, err)
		}
	}

	c.logger.Debug(ctx, "document converted", "target", targetExt)
	return &services.ConvertResult{}, nil
}
