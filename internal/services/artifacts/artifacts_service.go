package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
)

// Service writes per-stage JSON artifacts under a shared root. Every write
// is make-parent + write-temp + rename so readers never observe a torn blob.
type Service struct {
	root   string
	logger arbor.ILogger
}

// NewService resolves the artifact root to an absolute path and ensures it
// exists.
func NewService(cfg *common.Config, logger arbor.ILogger) (*Service, error) {
	root, err := filepath.Abs(cfg.Artifacts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Service{root: root, logger: logger}, nil
}

// Root returns the absolute artifact root directory.
func (s *Service) Root() string {
	return s.root
}

// WriteJSON persists v as {root}/{dir}/{jobID}.json and returns the absolute
// path. A retry attempt may overwrite the prior attempt's blob; the rename
// keeps the swap atomic.
func (s *Service) WriteJSON(dir, jobID string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact: %w", err)
	}

	parent := filepath.Join(s.root, dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	target := filepath.Join(parent, jobID+".json")

	tmp, err := os.CreateTemp(parent, jobID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}

	s.logger.Debug().Str("path", target).Int("bytes", len(data)).Msg("Artifact written")
	return target, nil
}

// ReadJSON loads an artifact into v.
func (s *Service) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadRaw returns an artifact's bytes verbatim.
func (s *Service) ReadRaw(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}
