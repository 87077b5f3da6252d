package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// TarArchiver produces gzipped tar archives of directory trees via the tar
// CLI. Archives hold the directory contents, not the directory itself, so
// extraction lands directly in the target tree.
type TarArchiver struct {
	logger zerolog.Logger
}

// NewTarArchiver creates a TarArchiver.
func NewTarArchiver(logger zerolog.Logger) *TarArchiver {
	return &TarArchiver{logger: logger.With().Str("component", "archiver").Logger()}
}

// Archive recursively archives srcDir into destPath.
func (a *TarArchiver) Archive(ctx context.Context, srcDir, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("create archive directory for %s: %w", destPath, err)
	}

	a.logger.Info().Str("src", srcDir).Str("dest", destPath).Msg("archiving directory")

	cmd := exec.CommandContext(ctx, "tar", "-czf", destPath, "-C", srcDir, ".")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tar %s failed: %s: %w", srcDir, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Extract unpacks a gzipped tar archive into destDir.
func (a *TarArchiver) Extract(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create target directory %s: %w", destDir, err)
	}

	a.logger.Info().Str("archive", archivePath).Str("dest", destDir).Msg("extracting archive")

	cmd := exec.CommandContext(ctx, "tar", "-xzf", archivePath, "-C", destDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("untar %s failed: %s: %w", archivePath, strings.TrimSpace(string(output)), err)
	}
	return nil
}
