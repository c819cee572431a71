package preset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/astromechza/cuemix/pkg/console"
)

// FileStore keeps all presets in one JSON object keyed by name, the presets.json layout used by earlier versions of
// the console. Writes go through a temp file and a rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create preset directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) read() (map[string]console.State, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]console.State{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}
	presets := make(map[string]console.State)
	if len(raw) == 0 {
		return presets, nil
	}
	if err := json.Unmarshal(raw, &presets); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}
	return presets, nil
}

func (f *FileStore) write(presets map[string]console.State) error {
	raw, err := json.MarshalIndent(presets, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode presets: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".presets-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write presets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write presets: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace presets: %w", err)
	}
	return nil
}

func (f *FileStore) Save(ctx context.Context, name string, state console.State) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	presets, err := f.read()
	if err != nil {
		return err
	}
	presets[name] = state.Clone()
	return f.write(presets)
}

func (f *FileStore) Load(ctx context.Context, name string) (console.State, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	presets, err := f.read()
	if err != nil {
		return nil, err
	}
	st, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return st, nil
}

func (f *FileStore) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	presets, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := presets[name]; !ok {
		return nil
	}
	delete(presets, name)
	return f.write(presets)
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	presets, err := f.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
