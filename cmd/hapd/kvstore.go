package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-hap/hapcore/capability"
)

// domainDirNames names the three capability.Domain values as
// subdirectories, per spec.md §6's three-domain KVStore capability.
var domainDirNames = map[capability.Domain]string{
	capability.DomainConfiguration:               "configuration",
	capability.DomainPairings:                    "pairings",
	capability.DomainCharacteristicConfiguration: "characteristic-configuration",
}

// FileKVStore is a concrete, CLI-scoped capability.KVStore backed by
// one file per (domain, key) pair under a root directory. The core
// module deliberately stops at the KVStore interface (capability.go's
// doc comment: "concrete drivers ... are explicitly out of this
// module's scope"); a binary that actually serves traffic still needs
// one, so hapd owns it the same way a real HAP accessory's firmware
// owns its flash layer.
type FileKVStore struct {
	mu   sync.Mutex
	root string
}

// NewFileKVStore creates (if needed) root and its three domain
// subdirectories and returns a store rooted there.
func NewFileKVStore(root string) (*FileKVStore, error) {
	for _, name := range domainDirNames {
		if err := os.MkdirAll(filepath.Join(root, name), 0700); err != nil {
			return nil, fmt.Errorf("hapd: create kv domain dir: %w", err)
		}
	}
	return &FileKVStore{root: root}, nil
}

func (s *FileKVStore) path(domain capability.Domain, key uint8) (string, error) {
	name, ok := domainDirNames[domain]
	if !ok {
		return "", fmt.Errorf("hapd: unknown kv domain %d", domain)
	}
	return filepath.Join(s.root, name, fmt.Sprintf("%d.bin", key)), nil
}

// Get implements capability.KVStore.
func (s *FileKVStore) Get(domain capability.Domain, key uint8) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(domain, key)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	return b, true, nil
}

// Set implements capability.KVStore.
func (s *FileKVStore) Set(domain capability.Domain, key uint8, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(domain, key)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	return nil
}

// Remove implements capability.KVStore.
func (s *FileKVStore) Remove(domain capability.Domain, key uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(domain, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	return nil
}

// Enumerate implements capability.KVStore.
func (s *FileKVStore) Enumerate(domain capability.Domain, fn func(key uint8, value []byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := domainDirNames[domain]
	if !ok {
		return fmt.Errorf("hapd: unknown kv domain %d", domain)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, name))
	if err != nil {
		return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	for _, entry := range entries {
		var key uint8
		if _, err := fmt.Sscanf(entry.Name(), "%d.bin", &key); err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.root, name, entry.Name()))
		if err != nil {
			return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
		}
		if !fn(key, b) {
			break
		}
	}
	return nil
}

// PurgeDomain implements capability.KVStore.
func (s *FileKVStore) PurgeDomain(domain capability.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := domainDirNames[domain]
	if !ok {
		return fmt.Errorf("hapd: unknown kv domain %d", domain)
	}
	dir := filepath.Join(s.root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("%w: %v", capability.ErrUnknown, err)
		}
	}
	return nil
}
