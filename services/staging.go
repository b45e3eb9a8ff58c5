package services

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
)

// StagedFile is an upload written to the staging area.
type StagedFile struct {
	Filename string
	SourceID string
	Path     string
}

// StagingArea is a per-batch directory holding uploaded bytes while they are
// processed. Callers must defer Cleanup as soon as Stage returns.
type StagingArea struct {
	Dir   string
	Files []StagedFile
}

// Stage writes uploads into a fresh directory under root. If any write fails
// the directory is removed before returning.
func Stage(root string, uploads []models.Upload) (*StagingArea, error) {
	dir := filepath.Join(root, "staging", uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	area := &StagingArea{Dir: dir}
	for _, u := range uploads {
		path := filepath.Join(dir, filepath.Base(u.Filename))
		if err := os.WriteFile(path, u.Content, 0o600); err != nil {
			area.Cleanup()
			return nil, fmt.Errorf("failed to stage %s: %w", u.Filename, err)
		}
		area.Files = append(area.Files, StagedFile{
			Filename: u.Filename,
			SourceID: SourceIDFor(u.Filename),
			Path:     path,
		})
	}
	return area, nil
}

// Read loads a staged file back as an Upload.
func (f StagedFile) Read() (models.Upload, error) {
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return models.Upload{}, err
	}
	return models.Upload{Filename: f.Filename, Content: content}, nil
}

// Cleanup removes the staging directory. It is safe to call more than once.
func (s *StagingArea) Cleanup() {
	if s == nil || s.Dir == "" {
		return
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		logger.Error("Failed to remove staging directory", "dir", s.Dir, "error", err)
	}
}
