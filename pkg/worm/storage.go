package worm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrAlreadyStored is returned when a key is written twice. WORM storage is
// write-once; the existing object stays untouched. Put still returns the
// object's URL so callers can adopt the earlier write.
var ErrAlreadyStored = errors.New("evidence object already stored")

// Storage persists serialized evidence reports. Put returns the stable URL
// the stored object is retrievable under.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// DirStorage stores evidence objects as files under a root directory.
type DirStorage struct {
	Root string
}

func NewDirStorage(root string) *DirStorage {
	return &DirStorage{Root: root}
}

func (s *DirStorage) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

func (s *DirStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	p := s.path(key)
	if _, err := os.Stat(p); err == nil {
		return "file://" + p, ErrAlreadyStored
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o444); err != nil {
		return "", fmt.Errorf("write evidence object: %w", err)
	}
	return "file://" + p, nil
}

func (s *DirStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read evidence object %s: %w", key, err)
	}
	return data, nil
}

// MemoryStorage holds evidence objects in memory for tests.
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string][]byte

	// Tamper mutates stored bytes on retrieval when set, so integrity
	// verification paths can be exercised.
	Tamper func(key string, data []byte) []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

func (s *MemoryStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return "mem://" + key, ErrAlreadyStored
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.items[key] = cp
	return "mem://" + key, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("evidence object %s not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	if s.Tamper != nil {
		cp = s.Tamper(key, cp)
	}
	return cp, nil
}
