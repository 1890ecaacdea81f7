package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Principal is the authenticated identity attached to a request context by
// the admin surface's Authenticate middleware, regardless of whether it
// came from a JWT operator session or an API key.
type Principal struct {
	Role    Role
	RobotID *uuid.UUID // set only when the credential is a robot-bound API key
	KeyID   *uuid.UUID // set only when the credential is an API key
	UserID  string     // set only when the credential is a JWT
}

// Service resolves the two credential kinds the admin surface accepts (§6):
// a JWT operator session token, or an API key. It is the single dependency
// internal/admin's Authenticate middleware needs.
type Service struct {
	jwt  *JWTManager
	keys *APIKeyManager
}

// NewService constructs a Service.
func NewService(jwt *JWTManager, keys *APIKeyManager) *Service {
	return &Service{jwt: jwt, keys: keys}
}

// AuthenticateJWT resolves a Bearer JWT into a Principal.
func (s *Service) AuthenticateJWT(token string) (*Principal, error) {
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return &Principal{Role: Role(claims.Role), UserID: claims.UserID}, nil
}

// AuthenticateAPIKey resolves a presented API key into a Principal.
func (s *Service) AuthenticateAPIKey(ctx context.Context, presented string) (*Principal, error) {
	k, err := s.keys.Authenticate(ctx, presented)
	if err != nil {
		return nil, err
	}
	return &Principal{Role: Role(k.Role), RobotID: k.RobotID, KeyID: &k.ID}, nil
}

// IssueOperatorSession mints a JWT for an already-authenticated operator
// (identity and role resolved by an external identity source out of scope
// for this core, per §1's "credential vault internals" non-goal).
func (s *Service) IssueOperatorSession(userID string, role Role) (string, error) {
	token, err := s.jwt.GenerateAccessToken(userID, string(role))
	if err != nil {
		return "", fmt.Errorf("auth: issue operator session: %w", err)
	}
	return token, nil
}
