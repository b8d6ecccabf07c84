// Package storage provides the namespaced key-value files the gateway uses
// to persist session and domain state across restarts. One JSON object per
// namespace, stored under the user config directory.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const appDirName = "torii"

// KV is a durable string-to-string store backed by a single JSON file.
type KV struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// Open creates (or loads) the namespace file under dir.
func Open(dir, namespace string) (*KV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	kv := &KV{
		path: filepath.Join(dir, namespace+".json"),
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kv.path, err)
	}
	if err := json.Unmarshal(raw, &kv.data); err != nil {
		// Corrupt state files are not fatal; start fresh.
		kv.data = make(map[string]string)
	}
	return kv, nil
}

// DefaultDir is the state directory under the user config dir
// (~/.config/torii on Linux).
func DefaultDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(configDir, appDirName), nil
}

// Get returns the value for key and whether it was present.
func (kv *KV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	return v, ok
}

// Set stores key=value and rewrites the namespace file.
func (kv *KV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	return kv.flush()
}

// SetAll stores every pair in one write.
func (kv *KV) SetAll(pairs map[string]string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for k, v := range pairs {
		kv.data[k] = v
	}
	return kv.flush()
}

// Clear drops every key in the namespace.
func (kv *KV) Clear() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data = make(map[string]string)
	return kv.flush()
}

func (kv *KV) flush() error {
	jsonData, err := json.MarshalIndent(kv.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(kv.path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
