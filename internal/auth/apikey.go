// Package auth checks API keys presented to the HTTP API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const DefaultHeader = "X-API-Key"

// APIKeyAuth holds the accepted keys, stored as SHA-256 digests. Keys loaded
// from a file can be swapped at runtime with Reload.
type APIKeyAuth struct {
	headerName string
	keysFile   string
	clients    atomic.Pointer[map[[sha256.Size]byte]string] // digest -> client id
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// LoadAPIKeys reads a YAML list of {id, key, description} entries.
func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	keys, err := readKeysFile(keysFile)
	if err != nil {
		return nil, err
	}
	a, err := NewAPIKeyAuth(keys, headerName)
	if err != nil {
		return nil, err
	}
	a.keysFile = keysFile
	return a, nil
}

// KeysFile is the file Reload reads, empty for in-memory keys.
func (a *APIKeyAuth) KeysFile() string { return a.keysFile }

// Reload re-reads the keys file. On error the current keys stay in effect.
func (a *APIKeyAuth) Reload() error {
	if a.keysFile == "" {
		return fmt.Errorf("api keys were not loaded from a file")
	}
	keys, err := readKeysFile(a.keysFile)
	if err != nil {
		return err
	}
	clients := digestKeys(keys)
	if len(clients) == 0 {
		return fmt.Errorf("api keys file contains no keys")
	}
	a.clients.Store(&clients)
	return nil
}

func readKeysFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]string, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			id = fmt.Sprintf("key-%d", i+1)
		}
		keys[e.Key] = id
	}
	return keys, nil
}

func digestKeys(keys map[string]string) map[[sha256.Size]byte]string {
	clients := make(map[[sha256.Size]byte]string, len(keys))
	for key, id := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		clients[sha256.Sum256([]byte(key))] = id
	}
	return clients
}

// NewAPIKeyAuth builds an authenticator from key -> client id. Blank keys
// are skipped.
func NewAPIKeyAuth(keys map[string]string, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = DefaultHeader
	}
	clients := digestKeys(keys)
	if len(clients) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	a := &APIKeyAuth{headerName: headerName}
	a.clients.Store(&clients)
	return a, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

// ClientForKey returns the client id of key and whether it is accepted.
func (a *APIKeyAuth) ClientForKey(key string) (string, bool) {
	if a == nil || key == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(key))
	for digest, id := range *a.clients.Load() {
		if subtle.ConstantTimeCompare(digest[:], sum[:]) == 1 {
			return id, true
		}
	}
	return "", false
}

func (a *APIKeyAuth) IsAllowed(key string) bool {
	_, ok := a.ClientForKey(key)
	return ok
}
