package broker

import (
	"fmt"
	"os"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// Credential is one user's broker login material, as persisted by the
// operator-facing system. Tokens rotate during the day; the dispatcher
// re-reads them from the store whenever a session goes stale.
type Credential struct {
	User        string `yaml:"user"`
	Broker      string `yaml:"broker"`
	Active      bool   `yaml:"active"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	ConsumerKey string `yaml:"consumer_key"`
	SID         string `yaml:"sid"`
	Auth        string `yaml:"auth"`
	HSServerID  string `yaml:"hs_server_id"`
}

// CredentialStore resolves a user's active broker credential.
//
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Lookup returns the active credential for user, or
	// ErrNoActiveBroker when none exists.
	Lookup(user string) (*Credential, error)
	// Reload re-reads the backing store so refreshed tokens become
	// visible.
	Reload() error
}

// FileCredentialStore reads credentials from a YAML file.
type FileCredentialStore struct {
	mu    sync.RWMutex
	path  string
	creds []Credential
}

// Ensure FileCredentialStore implements CredentialStore at compile time.
var _ CredentialStore = (*FileCredentialStore)(nil)

// NewFileCredentialStore loads path and returns the store.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	s := &FileCredentialStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credential file.
func (s *FileCredentialStore) Reload() error {
	data, err := os.ReadFile(s.path) // #nosec G304 -- operator-provided path
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	var doc struct {
		Credentials []Credential `yaml:"credentials"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing credentials file: %w", err)
	}
	s.mu.Lock()
	s.creds = doc.Credentials
	s.mu.Unlock()
	return nil
}

// Lookup returns the active credential for user.
func (s *FileCredentialStore) Lookup(user string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.creds {
		if s.creds[i].User == user && s.creds[i].Active {
			c := s.creds[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoActiveBroker, user)
}

// StaticCredentialStore serves a fixed credential set; used by tests and
// the dummy deployment path.
type StaticCredentialStore struct {
	Credentials []Credential
}

var _ CredentialStore = (*StaticCredentialStore)(nil)

func (s *StaticCredentialStore) Lookup(user string) (*Credential, error) {
	for i := range s.Credentials {
		if s.Credentials[i].User == user && s.Credentials[i].Active {
			c := s.Credentials[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoActiveBroker, user)
}

func (s *StaticCredentialStore) Reload() error { return nil }
