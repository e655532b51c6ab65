package agentapi

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shellpod/shellpod/internal/registry"
)

// Binding is the session configuration pushed by the control plane before
// boot. It is persisted to disk so a restarted agent process keeps its
// identity without another push.
type Binding struct {
	Bucket      string               `yaml:"bucket" json:"bucket"`
	SessionID   string               `yaml:"session_id" json:"session_id"`
	Credentials map[string]string    `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Tabs        []registry.TabConfig `yaml:"tabs,omitempty" json:"tabs,omitempty"`
	SyncMode    string               `yaml:"sync_mode,omitempty" json:"sync_mode,omitempty"`
}

// bindingStore guards the current binding and its on-disk copy.
type bindingStore struct {
	mu      sync.Mutex
	path    string
	current *Binding
	bound   chan struct{} // closed once the first binding arrives
}

func newBindingStore(path string) (*bindingStore, error) {
	s := &bindingStore{path: path, bound: make(chan struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var b Binding
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if b.Bucket != "" {
		s.current = &b
		close(s.bound)
	}
	return s, nil
}

// Get returns the current binding, or nil before the first push.
func (s *bindingStore) Get() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Bound is closed once a binding is known; the sync pipeline waits on it.
func (s *bindingStore) Bound() <-chan struct{} {
	return s.bound
}

// Set installs a binding. Rebinding to a different bucket is refused: the
// instance's workspace already belongs to the first bucket, and the
// control plane destroys mismatched instances instead of rebinding them.
func (s *bindingStore) Set(b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Bucket != b.Bucket {
		return errBucketMismatch
	}
	first := s.current == nil
	s.current = &b

	if err := s.persist(b); err != nil {
		return err
	}
	if first {
		close(s.bound)
	}
	return nil
}

// SetSessionID updates only the session identity, keeping the bucket.
func (s *bindingStore) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return errNotBound
	}
	s.current.SessionID = id
	return s.persist(*s.current)
}

func (s *bindingStore) persist(b Binding) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
