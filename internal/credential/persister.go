package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Persister durably records the session credentials.
type Persister interface {
	Load() (Credentials, bool, error)
	Save(Credentials) error
	Remove() error
}

const fileFormatVersion = 1

type sessionFile struct {
	Version     int         `yaml:"version"`
	Credentials Credentials `yaml:"credentials"`
}

// FilePersister stores credentials in a YAML file readable only by the
// current user. Writes go through a temporary file and a rename so a crash
// never leaves a torn pair on disk.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Load() (Credentials, bool, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("reading session file: %w", err)
	}

	var file sessionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Credentials{}, false, fmt.Errorf("parsing session file: %w", err)
	}

	if file.Version != fileFormatVersion {
		return Credentials{}, false, fmt.Errorf("unsupported session file version %d", file.Version)
	}

	if err := file.Credentials.Validate(); err != nil {
		return Credentials{}, false, fmt.Errorf("session file: %w", err)
	}

	if file.Credentials.IsZero() {
		return Credentials{}, false, nil
	}

	return file.Credentials, true, nil
}

func (p *FilePersister) Save(creds Credentials) error {
	data, err := yaml.Marshal(sessionFile{Version: fileFormatVersion, Credentials: creds})
	if err != nil {
		return fmt.Errorf("encoding session file: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting session file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}

	return nil
}

func (p *FilePersister) Remove() error {
	err := os.Remove(p.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
