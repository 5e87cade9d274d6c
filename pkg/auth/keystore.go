package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// AccessKey is a stored credential. The token presented by clients is
// "<id>.<secret>"; only the bcrypt hash of the secret is stored.
type AccessKey struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Role        Role         `yaml:"role" json:"role"`
	SecretHash  string       `yaml:"secret_hash" json:"secretHash"`
	DeviceID    string       `yaml:"device_id,omitempty" json:"deviceId,omitempty"`
	Permissions []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	ExpiresAt   *time.Time   `yaml:"expires_at,omitempty" json:"expiresAt,omitempty"`
}

// Validate checks the key's static fields.
func (k *AccessKey) Validate() error {
	if k.ID == "" {
		return errors.New("key id is required")
	}
	if strings.Contains(k.ID, ".") {
		return fmt.Errorf("key %s: id must not contain '.'", k.ID)
	}
	if !k.Role.Valid() {
		return fmt.Errorf("key %s: invalid role %q", k.ID, k.Role)
	}
	if k.SecretHash == "" {
		return fmt.Errorf("key %s: secret_hash is required", k.ID)
	}
	if k.Role == RoleDevice && k.DeviceID == "" {
		return fmt.Errorf("key %s: device keys need device_id", k.ID)
	}
	return nil
}

type keyFile struct {
	Keys []AccessKey `yaml:"keys"`
}

// LoadKeyFile reads access keys from a YAML file.
func LoadKeyFile(path string) ([]AccessKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var file keyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	for i := range file.Keys {
		if err := file.Keys[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Keys, nil
}

// HashSecret returns a bcrypt hash of secret at the default cost.
func HashSecret(secret string) (string, error) {
	return HashSecretWithCost(secret, bcrypt.DefaultCost)
}

// HashSecretWithCost returns a bcrypt hash of secret at the given cost.
func HashSecretWithCost(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Credentials are presented by a connecting client.
type Credentials struct {
	// Token is "<key id>.<secret>".
	Token string

	// RemoteAddr is the client address, used for subnet restrictions.
	RemoteAddr netip.Addr

	// Origin is the HTTP Origin header, if any.
	Origin string
}

// Authenticator turns credentials into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// KeyStore authenticates access keys held in memory.
type KeyStore struct {
	mu        sync.RWMutex
	keys      map[string]AccessKey
	directory DeviceDirectory
	logger    *slog.Logger
	now       func() time.Time
}

// NewKeyStore returns a key store. The directory resolves network-scoped
// permissions and may be nil when no key uses them.
func NewKeyStore(keys []AccessKey, directory DeviceDirectory, logger *slog.Logger) (*KeyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &KeyStore{
		keys:      make(map[string]AccessKey, len(keys)),
		directory: directory,
		logger:    logger.With("component", "KeyStore"),
		now:       time.Now,
	}
	if err := s.Replace(keys); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the full key set.
func (s *KeyStore) Replace(keys []AccessKey) error {
	next := make(map[string]AccessKey, len(keys))
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return err
		}
		if _, dup := next[k.ID]; dup {
			return fmt.Errorf("duplicate key id %q", k.ID)
		}
		next[k.ID] = k
	}
	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
	return nil
}

// Len returns the number of keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Authenticate verifies the token and returns the principal with the
// permissions that apply to the client's address and origin.
func (s *KeyStore) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	id, secret, ok := strings.Cut(creds.Token, ".")
	if !ok || id == "" || secret == "" {
		s.logger.Warn("Authentication failed: malformed token", "remote", creds.RemoteAddr)
		return nil, ErrUnauthenticated
	}

	s.mu.RLock()
	key, found := s.keys[id]
	s.mu.RUnlock()
	if !found {
		s.logger.Warn("Authentication failed: unknown key", "key_id", id, "remote", creds.RemoteAddr)
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		s.logger.Warn("Authentication failed: invalid secret", "key_id", id, "remote", creds.RemoteAddr)
		return nil, ErrUnauthenticated
	}

	if key.ExpiresAt != nil && !s.now().Before(*key.ExpiresAt) {
		s.logger.Warn("Authentication failed: key expired", "key_id", id)
		return nil, fmt.Errorf("%w: key expired", ErrUnauthenticated)
	}

	var applicable []Permission
	for _, perm := range key.Permissions {
		if perm.AppliesTo(creds.RemoteAddr, creds.Origin) {
			applicable = append(applicable, perm)
		}
	}

	p := NewPrincipal(key.ID, key.Name, key.Role, applicable)
	p.DeviceID = key.DeviceID
	if err := p.resolveVisible(ctx, s.directory); err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	s.logger.Debug("Authenticated", "key_id", key.ID, "role", key.Role)
	return p, nil
}
