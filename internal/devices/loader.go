package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds profileName in the search paths, validates and caches it.
// The ".json" suffix is optional; absolute paths are read as is.
func (l *ProfileLoader) Load(profileName string) (*types.InstrumentProfile, error) {
	if cached, ok := l.cache.Load(profileName); ok {
		return cached.(*types.InstrumentProfile), nil
	}

	file := profileName
	if !strings.HasSuffix(file, ".json") {
		file += ".json"
	}

	candidates := make([]string, 0, len(l.searchPaths)+1)
	if filepath.IsAbs(file) {
		candidates = append(candidates, file)
	} else {
		for _, searchPath := range l.searchPaths {
			candidates = append(candidates, filepath.Join(searchPath, file))
		}
	}

	var data []byte
	var foundPath string
	for _, path := range candidates {
		b, err := os.ReadFile(path)
		if err == nil {
			data, foundPath = b, path
			break
		}
	}

	if data == nil {
		return nil, fmt.Errorf("profile not found: %s (searched in: %v)", profileName, l.searchPaths)
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	var profile types.InstrumentProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if err := checkReferences(&profile); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", foundPath, err)
	}

	// Relative table paths are resolved against the profile's directory.
	if tp := profile.Calibration.TablePath; tp != "" && !filepath.IsAbs(tp) {
		profile.Calibration.TablePath = filepath.Join(filepath.Dir(foundPath), tp)
	}

	l.cache.Store(profileName, &profile)

	return &profile, nil
}
