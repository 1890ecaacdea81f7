package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/store"
)

const (
	// keyPrefixBytes is the length of the indexed lookup prefix, stored
	// alongside the bcrypt hash so Authenticate can find the candidate row
	// without scanning every key (bcrypt itself has no indexable output).
	keyPrefixBytes = 8

	// keySecretBytes is the length of the random secret portion hashed with
	// bcrypt and never stored in the clear.
	keySecretBytes = 24
)

// APIKeyManager issues and verifies API keys for robots and admin-surface
// service accounts (§6), mirroring the reference daemon's password-hashing
// idiom but with bcrypt over the whole secret rather than a stored salt, and
// an indexed prefix instead of a unique-username lookup.
type APIKeyManager struct {
	keys store.APIKeyRepository
}

// NewAPIKeyManager constructs an APIKeyManager.
func NewAPIKeyManager(keys store.APIKeyRepository) *APIKeyManager {
	return &APIKeyManager{keys: keys}
}

// Issue creates a new API key for role (one of RoleAdmin, RoleDeveloper,
// RoleOperator, RoleViewer), optionally bound to robotID, and returns the
// plaintext key exactly once — only its bcrypt hash is persisted.
func (m *APIKeyManager) Issue(ctx context.Context, tenantID string, robotID *uuid.UUID, role Role) (plaintext string, record *db.APIKey, err error) {
	prefixRaw := make([]byte, keyPrefixBytes)
	if _, err := rand.Read(prefixRaw); err != nil {
		return "", nil, fmt.Errorf("auth: issue api key: generating prefix: %w", err)
	}
	secretRaw := make([]byte, keySecretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", nil, fmt.Errorf("auth: issue api key: generating secret: %w", err)
	}

	prefix := hex.EncodeToString(prefixRaw)
	secret := hex.EncodeToString(secretRaw)
	plaintext = prefix + "." + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("auth: issue api key: hashing: %w", err)
	}

	k := &db.APIKey{
		TenantID: tenantID,
		RobotID:  robotID,
		Prefix:   prefix,
		Hash:     string(hash),
		Role:     string(role),
	}
	if err := m.keys.Create(ctx, k); err != nil {
		return "", nil, fmt.Errorf("auth: issue api key: %w", err)
	}
	return plaintext, k, nil
}

// Rotate issues a fresh key for the same tenant/robot/role and then revokes
// oldKeyID. An old key that no longer exists is not treated as an error.
func (m *APIKeyManager) Rotate(ctx context.Context, oldKeyID uuid.UUID, tenantID string, robotID *uuid.UUID, role Role) (string, *db.APIKey, error) {
	plaintext, record, err := m.Issue(ctx, tenantID, robotID, role)
	if err != nil {
		return "", nil, err
	}
	if err := m.keys.Revoke(ctx, oldKeyID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", nil, fmt.Errorf("auth: rotate api key: revoking old key: %w", err)
	}
	return plaintext, record, nil
}

// Authenticate verifies a presented "prefix.secret" API key against the
// stored hash, rejecting revoked or expired keys, and touches last_used_at
// on success.
func (m *APIKeyManager) Authenticate(ctx context.Context, presented string) (*db.APIKey, error) {
	prefix, secret, ok := splitAPIKey(presented)
	if !ok {
		return nil, ErrAPIKeyInvalid
	}

	k, err := m.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, fmt.Errorf("auth: authenticate api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(secret)); err != nil {
		return nil, ErrAPIKeyInvalid
	}
	if k.Revoked {
		return nil, ErrAPIKeyRevoked
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return nil, ErrAPIKeyExpired
	}

	if err := m.keys.Touch(ctx, k.ID); err != nil {
		return nil, fmt.Errorf("auth: authenticate api key: touch: %w", err)
	}
	return k, nil
}

func splitAPIKey(presented string) (prefix, secret string, ok bool) {
	for i := 0; i < len(presented); i++ {
		if presented[i] == '.' {
			return presented[:i], presented[i+1:], true
		}
	}
	return "", "", false
}
