// Package credstore implements the Credential Store and the Session
// Credential Record: CRUD keyed by
// (provider, auth_type, session_name), encrypted at rest with
// AES-256-GCM, adapted from internal/secrets' scrypt-derived-key
// scheme and internal/session/storage.go's one-file-per-record
// persistence idiom.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
	"github.com/jkimmerling/the-maestro-sub006/internal/secrets"
)

// AuthType discriminates the two credential shapes the store supports.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth  AuthType = "oauth"
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// NormalizeSessionName lowercases and maps spaces to underscores
// before validating against the session_name charset/length
// invariant.
func NormalizeSessionName(name string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	if !sessionNamePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: session_name must be 3-50 chars of [A-Za-z0-9_-]", canon.ErrValidation)
	}
	return normalized, nil
}

// Credentials is the stored credential payload.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Record is one Session Credential Record.
type Record struct {
	Provider    string       `json:"provider"`
	AuthType    AuthType     `json:"auth_type"`
	SessionName string       `json:"session_name"`
	Credentials Credentials  `json:"credentials"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate enforces the per-auth-type requirements.
func (r Record) Validate() error {
	switch r.AuthType {
	case AuthTypeOAuth:
		if r.ExpiresAt == nil {
			return fmt.Errorf("%w: oauth records require expires_at", canon.ErrValidation)
		}
	case AuthTypeAPIKey:
		if r.Credentials.APIKey == "" {
			return fmt.Errorf("%w: api_key records require a non-empty key", canon.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported auth_type %q", canon.ErrValidation, r.AuthType)
	}
	return nil
}

// Store is the filesystem-backed credential store. One JSON file per
// (provider, auth_type, session_name), encrypted with the operator-
// supplied password via internal/secrets. Writes for a given key are
// serialized by keyMu so concurrent rotations cannot interleave.
type Store struct {
	baseDir  string
	password string

	mu     sync.Mutex
	keyMu  map[string]*sync.Mutex
	watch  *fsnotify.Watcher
}

func Open(baseDir, password string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create base dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("credstore: file watcher unavailable: %v", err)
		watcher = nil
	} else if err := watcher.Add(baseDir); err != nil {
		logger.Warn("credstore: watch %s: %v", baseDir, err)
	}

	return &Store{
		baseDir:  baseDir,
		password: password,
		keyMu:    make(map[string]*sync.Mutex),
		watch:    watcher,
	}, nil
}

// Close releases the directory watcher, if any.
func (s *Store) Close() error {
	if s.watch != nil {
		return s.watch.Close()
	}
	return nil
}

func recordKey(provider string, authType AuthType, sessionName string) string {
	return provider + "|" + string(authType) + "|" + sessionName
}

func (s *Store) pathFor(provider string, authType AuthType, sessionName string) string {
	return filepath.Join(s.baseDir, provider, string(authType), sessionName+".json")
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.keyMu[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyMu[key] = m
	}
	return m
}

// Put creates or atomically replaces a record, enforcing the
// (provider, auth_type, name) uniqueness tuple implicitly via its
// deterministic file path.
func (s *Store) Put(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	normalized, err := NormalizeSessionName(rec.SessionName)
	if err != nil {
		return err
	}
	rec.SessionName = normalized

	k := recordKey(rec.Provider, rec.AuthType, rec.SessionName)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	if existing, err := s.readUnlocked(rec.Provider, rec.AuthType, rec.SessionName); err == nil {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	return s.writeUnlocked(rec)
}

// Get retrieves one record.
func (s *Store) Get(provider string, authType AuthType, sessionName string) (Record, error) {
	normalized, err := NormalizeSessionName(sessionName)
	if err != nil {
		return Record{}, err
	}
	k := recordKey(provider, authType, normalized)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()
	return s.readUnlocked(provider, authType, normalized)
}

// Delete removes a record; a missing record is not an error.
func (s *Store) Delete(provider string, authType AuthType, sessionName string) error {
	normalized, err := NormalizeSessionName(sessionName)
	if err != nil {
		return err
	}
	k := recordKey(provider, authType, normalized)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(provider, authType, normalized)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: delete %s: %w", path, err)
	}
	return nil
}

// RotateTokens applies an optimistic update: the latest successful
// refresh always wins, overwriting access/refresh tokens and
// expires_at without requiring the caller to re-supply the whole
// record.
func (s *Store) RotateTokens(provider string, authType AuthType, sessionName string, creds Credentials, expiresAt *time.Time) error {
	normalized, err := NormalizeSessionName(sessionName)
	if err != nil {
		return err
	}
	k := recordKey(provider, authType, normalized)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.readUnlocked(provider, authType, normalized)
	if err != nil {
		return err
	}
	rec.Credentials = creds
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = time.Now()
	return s.writeUnlocked(rec)
}

func (s *Store) readUnlocked(provider string, authType AuthType, sessionName string) (Record, error) {
	path := s.pathFor(provider, authType, sessionName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("credstore: read %s: %w", path, err)
	}

	var payload secrets.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Record{}, fmt.Errorf("credstore: decode payload: %w", err)
	}
	plaintext, err := secrets.DecryptBytes(&payload, s.password)
	if err != nil {
		return Record{}, fmt.Errorf("credstore: decrypt %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, fmt.Errorf("credstore: decode record: %w", err)
	}
	return rec, nil
}

func (s *Store) writeUnlocked(rec Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("credstore: encode record: %w", err)
	}
	payload, err := secrets.EncryptBytes(plaintext, s.password)
	if err != nil {
		return fmt.Errorf("credstore: encrypt record: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("credstore: encode payload: %w", err)
	}

	path := s.pathFor(rec.Provider, rec.AuthType, rec.SessionName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("credstore: create dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("credstore: rename %s: %w", tmp, err)
	}
	return nil
}
