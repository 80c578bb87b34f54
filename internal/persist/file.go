// Package persist mirrors the oven state to a JSON file that survives
// restarts.
package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

var _ oven.StateMirror = (*File)(nil)

// File is a StateMirror backed by a JSON document. Writes go to a temporary
// file that is renamed over the target, so a crash leaves either the old or
// the new state.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Load reads the mirror. A missing file is reported as fs.ErrNotExist.
func (f *File) Load() (oven.PersistedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ps oven.PersistedState
	if _, err := os.Stat(f.path); err != nil {
		return ps, fmt.Errorf("state file %s: %w", f.path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(f.path), json.Parser()); err != nil {
		return ps, fmt.Errorf("load state %s: %w", f.path, err)
	}
	if err := k.UnmarshalWithConf("", &ps, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return ps, fmt.Errorf("decode state %s: %w", f.path, err)
	}
	return ps, nil
}

func (f *File) Save(ps oven.PersistedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(ps, "koanf"), nil); err != nil {
		return fmt.Errorf("flatten state: %w", err)
	}
	data, err := k.Marshal(json.Parser())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Exists reports whether a state file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return !errors.Is(err, fs.ErrNotExist)
}
