// Package project lays out the folders and files of a scan on disk.
package project

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/scheduler"
)

// ErrAlreadyExists is returned by Setup when the project folders exist.
var ErrAlreadyExists = errors.New("project folders already exist")

// Script builds the submit script settings of a project.
func Script(p *config.Project, binary string) *scheduler.Script {
	return &scheduler.Script{
		Name:        p.RunTag(),
		Hours:       p.HoursPerJob(),
		MemoryGB:    p.MaxMemoryGB(),
		LogDir:      p.LogDir(),
		OutDir:      p.OutDir(),
		Binary:      binary,
		ProjectFile: p.ProjectCopy(),
	}
}

// Setup creates the log and output folders, copies the project file next to
// them and writes the submit script. It refuses to touch an existing
// project so results of an earlier scan are never mixed with a new one.
func Setup(p *config.Project, binary string, logger *logging.Logger) error {
	logger = logging.OrNop(logger)

	for _, dir := range []string{p.LogDir(), p.OutDir()} {
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("%w: %s, delete old files first", ErrAlreadyExists, dir)
		}
	}
	for _, dir := range []string{p.LogDir(), p.OutDir()} {
		logger.Info().Str("path", dir).Msg("Creating folder")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := copyFile(p.Path(), p.ProjectCopy()); err != nil {
		return err
	}
	return writeScript(p, binary, logger)
}

// SetupFit prepares a fit-only rerun on an existing project. Existing
// folders and an existing project copy are kept; the fit submit script is
// always rewritten.
func SetupFit(p *config.Project, binary string, logger *logging.Logger) error {
	logger = logging.OrNop(logger)
	if !p.FitOnly() {
		return fmt.Errorf("project %s is not a fit-only project", p.Tag())
	}

	for _, dir := range []string{p.LogDir(), p.OutDir()} {
		logger.Info().Str("path", dir).Msg("Creating folder")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := copyFile(p.Path(), p.ProjectCopy()); err != nil {
		if _, statErr := os.Stat(p.ProjectCopy()); statErr != nil {
			return err
		}
		logger.Warn().Err(err).Str("path", p.ProjectCopy()).Msg("Keeping existing project copy")
	}
	return writeScript(p, binary, logger)
}

func writeScript(p *config.Project, binary string, logger *logging.Logger) error {
	logger.Info().Str("path", p.SubmitScript()).Msg("Writing submit script")
	return Script(p, binary).Write(p.SubmitScript())
}

// CleanLogs removes the log files of the given jobs so a resubmission
// starts with fresh logs. Missing logs are ignored.
func CleanLogs(p *config.Project, jobids []int) (int, error) {
	removed := 0
	for _, id := range jobids {
		err := os.Remove(p.LogFile(id))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			return removed, fmt.Errorf("failed to remove log of job %d: %w", id, err)
		}
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	if same, _ := samePath(src, dst); same {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open project file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create project copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy project file: %w", err)
	}
	return out.Close()
}

func samePath(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ia, ib), nil
}
