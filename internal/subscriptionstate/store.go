package subscriptionstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore owns a single subscription.json on disk. Writers hold an
// advisory lock on a sibling file, so separate FileStore values and separate
// processes pointed at the same path do not lose each other's updates.
type FileStore struct {
	mu   sync.Mutex
	path string
}

const lockSuffix = ".lock"

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileStore) load() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("read subscription state: %w", err)
	}
	return Parse(data)
}

// lock takes the in-process mutex and then the file lock.
func (f *FileStore) lock() (func(), error) {
	f.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	release, err := lockFile(f.path + lockSuffix)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		f.mu.Unlock()
	}, nil
}

// Save validates and atomically replaces the file.
func (f *FileStore) Save(s State) error {
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return f.save(s)
}

func (f *FileStore) save(s State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".subscription-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Update loads, applies fn and saves while holding the store lock.
func (f *FileStore) Update(fn func(*State) error) (State, error) {
	unlock, err := f.lock()
	if err != nil {
		return State{}, err
	}
	defer unlock()

	s, err := f.load()
	if err != nil {
		return State{}, err
	}
	if err := fn(&s); err != nil {
		return State{}, err
	}
	if err := f.save(s); err != nil {
		return State{}, err
	}
	return s, nil
}

// Remove deletes the file. A missing file is not an error. The lock file
// stays behind since another holder may still have it open.
func (f *FileStore) Remove() error {
	if _, err := os.Stat(filepath.Dir(f.path)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MarkCancellation sets the cancel flag and timestamp, leaving the end date as is.
func (f *FileStore) MarkCancellation(at time.Time) (State, error) {
	return f.Update(func(s *State) error {
		s.RequestCancellation(at)
		return nil
	})
}

// Directory maps subdomains to their state files under the deploy data root.
type Directory struct {
	root string
}

func NewDirectory(root string) *Directory {
	return &Directory{root: root}
}

// InstanceDir is the host directory mounted into the customer's container.
func (d *Directory) InstanceDir(subdomain string) string {
	return filepath.Join(d.root, filepath.Base(strings.TrimSpace(subdomain)))
}

func (d *Directory) For(subdomain string) *FileStore {
	return NewFileStore(filepath.Join(d.InstanceDir(subdomain), FileName))
}
