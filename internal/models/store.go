package models

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/northwind-analytics/custintel/internal/fsutil"
)

// Metadata is the sidecar document persisted next to every model artifact.
type Metadata struct {
	ModelName          string             `json:"model_name"`
	Version            int                `json:"version"`
	DatasetFingerprint string             `json:"dataset_fingerprint"`
	Metrics            map[string]float64 `json:"metrics"`
	TrainingConfig     map[string]any     `json:"training_config,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Store persists immutable versioned model artifacts for one family under
// a single directory: <family>_v<N>.model.json plus <family>_v<N>.json.
type Store struct {
	dir    string
	family string
}

// NewStore opens (creating if needed) the artifact directory for a family.
func NewStore(dir, family string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model registry %s: %w", dir, err)
	}
	return &Store{dir: dir, family: family}, nil
}

func (s *Store) modelPath(version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_v%d.model.json", s.family, version))
}

func (s *Store) metadataPath(version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_v%d.json", s.family, version))
}

var versionPattern = regexp.MustCompile(`_v(\d+)\.model\.json$`)

// LatestVersion returns the highest persisted version, or 0 when the store
// is empty.
func (s *Store) LatestVersion() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read model registry: %w", err)
	}
	latest := 0
	for _, e := range entries {
		m := versionPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err == nil && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// Save persists a new artifact at the next version and returns its
// metadata. Versions are append-only; an existing version is never
// rewritten.
func (s *Store) Save(model any, meta Metadata) (Metadata, error) {
	latest, err := s.LatestVersion()
	if err != nil {
		return Metadata{}, err
	}
	meta.ModelName = s.family
	meta.Version = latest + 1
	meta.CreatedAt = time.Now().UTC()

	if _, err := os.Stat(s.modelPath(meta.Version)); err == nil {
		return Metadata{}, fmt.Errorf("model artifact %s v%d already exists", s.family, meta.Version)
	}
	if err := fsutil.WriteJSONAtomic(s.modelPath(meta.Version), model); err != nil {
		return Metadata{}, fmt.Errorf("persist model %s v%d: %w", s.family, meta.Version, err)
	}
	if err := fsutil.WriteJSONAtomic(s.metadataPath(meta.Version), meta); err != nil {
		return Metadata{}, fmt.Errorf("persist metadata %s v%d: %w", s.family, meta.Version, err)
	}
	return meta, nil
}

// Load reads the model payload for a version into out.
func (s *Store) Load(version int, out any) error {
	if err := fsutil.ReadJSON(s.modelPath(version), out); err != nil {
		return fmt.Errorf("load model %s v%d: %w", s.family, version, err)
	}
	return nil
}

// LoadMetadata reads the metadata sidecar for a version.
func (s *Store) LoadMetadata(version int) (Metadata, error) {
	var meta Metadata
	if err := fsutil.ReadJSON(s.metadataPath(version), &meta); err != nil {
		return Metadata{}, fmt.Errorf("load metadata %s v%d: %w", s.family, version, err)
	}
	return meta, nil
}
