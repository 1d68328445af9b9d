package capability

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/transmute/errors"
)

// Manifest file names, in lookup order
var manifestNames = []string{"capability.toml", "capability.yaml", "capability.yml"}

// ErrNoManifest marks a directory that is not a capability package
var ErrNoManifest = errors.New("no capability manifest")

// Manifest declares a capability package
type Manifest struct {
	Name        string            `toml:"name" yaml:"name"`
	Description string            `toml:"description" yaml:"description"`
	Version     string            `toml:"version" yaml:"version"`
	Kind        Kind              `toml:"kind" yaml:"kind"`
	Entry       string            `toml:"entry" yaml:"entry"`               // executable or Go source, relative to Dir
	HostVersion string            `toml:"host_version" yaml:"host_version"` // semver constraint on the host
	Args        []string          `toml:"args" yaml:"args"`
	Env         map[string]string `toml:"env" yaml:"env"`

	// Dir is the package directory, set by ReadManifest
	Dir string `toml:"-" yaml:"-"`
}

// EntryPath returns the entry resolved against the package directory
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Entry) {
		return m.Entry
	}
	return filepath.Join(m.Dir, m.Entry)
}

// ReadManifest reads the manifest of the package in dir.
// Returns ErrNoManifest if dir has none.
func ReadManifest(dir string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}

		var m Manifest
		if strings.HasSuffix(name, ".toml") {
			err = toml.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		m.Dir = dir
		if err := m.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid manifest %s", path)
		}
		return &m, nil
	}
	return nil, ErrNoManifest
}

func (m *Manifest) validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Kind = Kind(strings.ToLower(strings.TrimSpace(string(m.Kind))))

	if m.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(m.Name, " \t\n/") {
		return errors.Newf("name %q must not contain whitespace or slashes", m.Name)
	}
	switch m.Kind {
	case KindProcess, KindScript:
	case "":
		return errors.New("kind is required (process or script)")
	default:
		return errors.Mark(errors.Newf("unknown kind %q", m.Kind), errors.ErrUnsupported)
	}
	if strings.TrimSpace(m.Entry) == "" {
		return errors.New("entry is required")
	}
	if _, err := os.Stat(m.EntryPath()); err != nil {
		return errors.Wrapf(err, "entry %s", m.Entry)
	}
	return nil
}
