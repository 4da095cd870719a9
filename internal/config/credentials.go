package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// CredentialsFile stores refreshed OAuth tokens outside the main
// config file, so token rotation survives restarts without rewriting
// a hand-edited config. The file maps provider name to token triple.
type CredentialsFile struct {
	mu   sync.Mutex
	path string
}

// NewCredentialsFile returns a store backed by path. The file is
// created on first Save.
func NewCredentialsFile(path string) *CredentialsFile {
	return &CredentialsFile{path: path}
}

// Path returns the backing file location.
func (f *CredentialsFile) Path() string { return f.path }

// Load reads every stored credential. A missing file is empty, not an
// error.
func (f *CredentialsFile) Load() (map[string]models.OAuthCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *CredentialsFile) read() (map[string]models.OAuthCredentials, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.OAuthCredentials{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]models.OAuthCredentials{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", f.path, err)
	}
	return out, nil
}

// Save persists the token triple for one provider, preserving every
// other entry. The write lands before Save returns: a refreshed token
// that is never persisted would be lost on crash and the old refresh
// token may already be invalid.
func (f *CredentialsFile) Save(providerName string, creds models.OAuthCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.read()
	if err != nil {
		return err
	}
	all[providerName] = creds

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	// 0600 because the file holds refresh tokens.
	return writeFileAtomic(f.path, data, 0o600)
}

// Apply overlays stored credentials onto matching providers. The
// stored triple wins over whatever the config file carries, since the
// store holds the most recently refreshed token.
func (f *CredentialsFile) Apply(cfg *Config) error {
	all, err := f.Load()
	if err != nil {
		return err
	}
	for name, creds := range all {
		p, ok := cfg.Providers[name]
		if !ok || p.OAuth == nil {
			continue
		}
		stored := creds
		p.OAuth = &stored
		cfg.Providers[name] = p
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
