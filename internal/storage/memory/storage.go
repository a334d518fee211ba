// Package memory is an in-memory object store with the same contract as
// the MinIO-backed file storage.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aliskhannn/image-thumbnailer/internal/storage/file"
)

// Storage keeps objects in a map keyed by object name.
type Storage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{objects: make(map[string][]byte)}
}

// FailSave makes every following Save return err. Pass nil to restore.
func (s *Storage) FailSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveErr = err
}

// Put stores data under key directly.
func (s *Storage) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = append([]byte(nil), data...)
}

func (s *Storage) Save(_ context.Context, prefix, filename string, src io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return "", s.saveErr
	}

	key := file.ObjectName(prefix, filename)
	s.objects[key] = data

	return key, nil
}

func (s *Storage) Load(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", key, file.ErrObjectNotFound)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.objects)
}

// Has reports whether key exists.
func (s *Storage) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[key]
	return ok
}
