package prefs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/TheMichaelB/recsync/internal/events"
)

// fileFormat is the on-disk layout of a JSONStore.
type fileFormat struct {
	Version  int               `json:"version"`
	Values   map[string]string `json:"values"`
	Checksum string            `json:"checksum,omitempty"`
}

// JSONStore implements file-based prefs storage. Every write rewrites the
// file atomically and keeps the previous file as a backup.
type JSONStore struct {
	path   string
	logger *events.Logger

	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewJSONStore opens or creates the prefs file at path.
func NewJSONStore(path string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create prefs directory: %w", err)
	}

	s := &JSONStore{
		path:   path,
		logger: logger.WithField("component", "json_prefs_store"),
		values: make(map[string]string),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	s.logger.WithField("path", s.path).Debug("Loading prefs")

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read prefs file: %w", err)
	}

	file, err := decodeFile(data)
	if err != nil {
		s.logger.WithError(err).Warn("Prefs file unreadable, trying backup")
		backup, berr := os.ReadFile(s.backupPath())
		if berr != nil {
			return ErrCorrupt
		}
		if file, err = decodeFile(backup); err != nil {
			return ErrCorrupt
		}
	}

	if err := checkVersion(file.Version); err != nil {
		return err
	}

	if file.Values != nil {
		s.values = file.Values
	}
	return nil
}

func decodeFile(data []byte) (*fileFormat, error) {
	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if file.Checksum != "" {
		expected := file.Checksum
		file.Checksum = ""
		if actual := checksum(&file); actual != expected {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
		}
		file.Checksum = expected
	}
	return &file, nil
}

func checksum(file *fileFormat) string {
	data, _ := json.Marshal(file)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (s *JSONStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *JSONStore) Put(key, value string) error {
	return s.PutAll(map[string]string{key: value})
}

func (s *JSONStore) PutAll(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	next := s.copyValues()
	for k, v := range values {
		next[k] = v
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *JSONStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	next := s.copyValues()
	for _, k := range keys {
		delete(next, k)
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *JSONStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *JSONStore) copyValues() map[string]string {
	out := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// write persists values atomically. Caller holds s.mu.
func (s *JSONStore) write(values map[string]string) error {
	file := &fileFormat{Version: CurrentVersion, Values: values}
	file.Checksum = checksum(file)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if f, err := os.Open(tmpPath); err == nil {
		_ = f.Sync()
		f.Close()
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename prefs file: %w", err)
	}

	return nil
}

func (s *JSONStore) backupPath() string {
	return s.path + ".backup"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
