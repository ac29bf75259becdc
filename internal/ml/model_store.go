package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cnc-twin/internal/features"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ErrModelNotFound is wrapped by ModelStore loads of absent artifacts.
var ErrModelNotFound = errors.New("model not found")

const artifactSuffix = "_model.json.zst"

// ModelStore persists named models as zstd-compressed JSON files in one directory.
type ModelStore struct {
	dir string
}

// ArtifactInfo describes a stored model without loading its trees.
type ArtifactInfo struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	SavedAt   time.Time `json:"saved_at"`
	Trees     int       `json:"trees"`
	SizeBytes int64     `json:"size_bytes"`
	Path      string    `json:"path"`
}

type artifact struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	SavedAt time.Time `json:"saved_at"`
	Forest  Forest    `json:"forest"`
}

func (a *artifact) validate() error {
	switch a.Kind {
	case KindRegressor:
		return a.Forest.validate(1)
	case KindClassifier:
		return a.Forest.validate(a.Forest.NClasses)
	}
	return fmt.Errorf("unknown model kind %q", a.Kind)
}

// NewModelStore creates a store rooted at dir. The directory is created on first save.
func NewModelStore(dir string) *ModelStore {
	return &ModelStore{dir: dir}
}

// Dir returns the store directory.
func (s *ModelStore) Dir() string {
	return s.dir
}

// Path returns the artifact path for name.
func (s *ModelStore) Path(name string) string {
	return filepath.Join(s.dir, name+artifactSuffix)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid model name %q", name)
	}
	return nil
}

// Save writes m under name, replacing any previous artifact atomically.
func (s *ModelStore) Save(name string, m Model) error {
	if err := validName(name); err != nil {
		return err
	}

	a := artifact{Name: name, SavedAt: time.Now().UTC()}
	switch model := m.(type) {
	case *RandomForestRegressor:
		a.Kind, a.Forest = KindRegressor, model.Forest
	case *RandomForestClassifier:
		a.Kind, a.Forest = KindClassifier, model.Forest
	default:
		return fmt.Errorf("save %s: unsupported model type %T", name, m)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create models directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeArtifact(tmp, a); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s model: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return fmt.Errorf("replace %s model: %w", name, err)
	}

	log.Info().Str("model", name).Str("kind", a.Kind).Int("trees", len(a.Forest.Trees)).
		Str("path", s.Path(name)).Msg("Saved model")
	return nil
}

func writeArtifact(f *os.File, a artifact) error {
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(enc).Encode(a); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func (s *ModelStore) read(name string) (*artifact, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}

	path := s.Path(name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, 0, fmt.Errorf("open %s model: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s model: %w", name, err)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s model stream: %w", name, err)
	}
	defer dec.Close()

	var a artifact
	if err := json.NewDecoder(dec).Decode(&a); err != nil {
		return nil, 0, fmt.Errorf("decode %s model: %w", name, err)
	}
	if err := a.validate(); err != nil {
		return nil, 0, fmt.Errorf("corrupt %s model: %w", name, err)
	}
	return &a, info.Size(), nil
}

// Load reads the model stored under name.
func (s *ModelStore) Load(name string) (Model, error) {
	a, _, err := s.read(name)
	if err != nil {
		return nil, err
	}
	switch a.Kind {
	case KindRegressor:
		return &RandomForestRegressor{Forest: a.Forest}, nil
	case KindClassifier:
		return &RandomForestClassifier{Forest: a.Forest}, nil
	}
	return nil, fmt.Errorf("load %s: unknown model kind %q", name, a.Kind)
}

// LoadRegressor loads name and checks that it is a regressor.
func (s *ModelStore) LoadRegressor(name string) (*RandomForestRegressor, error) {
	m, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	r, ok := m.(*RandomForestRegressor)
	if !ok {
		return nil, fmt.Errorf("model %s is a %s, not a regressor", name, m.Kind())
	}
	if r.NFeatures != features.NumFeatures {
		return nil, fmt.Errorf("model %s expects %d features, schema has %d", name, r.NFeatures, features.NumFeatures)
	}
	return r, nil
}

// LoadClassifier loads name and checks that it is a classifier.
func (s *ModelStore) LoadClassifier(name string) (*RandomForestClassifier, error) {
	m, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	c, ok := m.(*RandomForestClassifier)
	if !ok {
		return nil, fmt.Errorf("model %s is a %s, not a classifier", name, m.Kind())
	}
	if c.NFeatures != features.NumFeatures {
		return nil, fmt.Errorf("model %s expects %d features, schema has %d", name, c.NFeatures, features.NumFeatures)
	}
	return c, nil
}

// Info describes the artifact stored under name.
func (s *ModelStore) Info(name string) (ArtifactInfo, error) {
	a, size, err := s.read(name)
	if err != nil {
		return ArtifactInfo{}, err
	}
	return ArtifactInfo{
		Name:      a.Name,
		Kind:      a.Kind,
		SavedAt:   a.SavedAt,
		Trees:     len(a.Forest.Trees),
		SizeBytes: size,
		Path:      s.Path(name),
	}, nil
}
