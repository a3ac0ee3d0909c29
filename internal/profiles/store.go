package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Index is the index.yaml document listing the profiles below one search path.
type Index struct {
	Profiles []IndexEntry `yaml:"profiles"`
}

type IndexEntry struct {
	ID          string `yaml:"id" json:"id"`
	File        string `yaml:"file" json:"file,omitempty"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Store resolves probe profiles over a list of search paths. Every loaded
// document is validated against the embedded schema before it is trusted.
type Store struct {
	logger      *zap.Logger
	validator   *Validator
	searchPaths []string
	cache       sync.Map
}

func NewStore(logger *zap.Logger, searchPaths []string) (*Store, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Store{
		logger:      logger,
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// List collects the index entries of every search path. Paths without an
// index.yaml are skipped, a broken index is logged and skipped.
func (s *Store) List() []IndexEntry {
	entries := make([]IndexEntry, 0)
	seen := make(map[string]bool)

	for _, searchPath := range s.searchPaths {
		indexPath := filepath.Join(searchPath, "index.yaml")

		data, err := os.ReadFile(indexPath)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("Failed to read profile index",
					zap.String("path", indexPath),
					zap.Error(err))
			}
			continue
		}

		var index Index
		if err := yaml.Unmarshal(data, &index); err != nil {
			s.logger.Error("Failed to parse profile index",
				zap.String("path", indexPath),
				zap.Error(err))
			continue
		}

		for _, entry := range index.Profiles {
			// Bei doppelten IDs gewinnt der frühere Suchpfad
			if seen[entry.ID] {
				continue
			}
			seen[entry.ID] = true
			entries = append(entries, entry)
		}
	}

	return entries
}

// Load resolves a profile by ID, through the index of each search path first
// and then by the <id>.json file convention.
func (s *Store) Load(id string) (*Profile, error) {
	// Cache-Check
	if cached, ok := s.cache.Load(id); ok {
		return cached.(*Profile), nil
	}

	path, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	if err := s.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile %s: %w", path, err)
	}

	s.cache.Store(id, &profile)

	return &profile, nil
}

func (s *Store) resolve(id string) (string, error) {
	for _, searchPath := range s.searchPaths {
		indexPath := filepath.Join(searchPath, "index.yaml")
		if data, err := os.ReadFile(indexPath); err == nil {
			var index Index
			if err := yaml.Unmarshal(data, &index); err == nil {
				for _, entry := range index.Profiles {
					if entry.ID == id && entry.File != "" {
						return filepath.Join(searchPath, entry.File), nil
					}
				}
			}
		}

		// Dateikonvention als Fallback für Pfade ohne Index
		fullPath := filepath.Join(searchPath, id+".json")
		if _, err := os.Stat(fullPath); err == nil {
			return fullPath, nil
		}
	}

	return "", fmt.Errorf("profile not found: %s (searched in: %v)", id, s.searchPaths)
}
