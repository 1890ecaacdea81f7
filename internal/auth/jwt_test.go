package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestratord/core/internal/auth"
)

func TestJWTGenerateAndValidateRoundTrip(t *testing.T) {
	t.Parallel()
	mgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("user-1", string(auth.RoleOperator))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, string(auth.RoleOperator), claims.Role)
}

func TestJWTValidateRejectsTamperedToken(t *testing.T) {
	t.Parallel()
	mgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("user-1", string(auth.RoleAdmin))
	require.NoError(t, err)

	tampered := token[:len(token)-1] + "x"
	_, err = mgr.ValidateAccessToken(tampered)
	require.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestJWTValidateRejectsDifferentIssuer(t *testing.T) {
	t.Parallel()
	issuerA, err := auth.NewJWTManagerGenerated("issuer-a")
	require.NoError(t, err)
	issuerB, err := auth.NewJWTManagerGenerated("issuer-b")
	require.NoError(t, err)

	token, err := issuerA.GenerateAccessToken("user-1", string(auth.RoleViewer))
	require.NoError(t, err)

	// Different key pair entirely, so signature verification fails before
	// issuer is even checked.
	_, err = issuerB.ValidateAccessToken(token)
	require.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestJWTPublicKeyPEMIsWellFormed(t *testing.T) {
	t.Parallel()
	mgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)

	pemBytes, err := mgr.PublicKeyPEM()
	require.NoError(t, err)
	require.Contains(t, string(pemBytes), "PUBLIC KEY")
}

// sanity check that accessTokenDuration-bounded tokens actually carry an
// ExpiresAt in the future, since ValidateAccessToken requires one.
func TestJWTTokenHasExpiryClaim(t *testing.T) {
	t.Parallel()
	mgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("user-1", string(auth.RoleViewer))
	require.NoError(t, err)

	claims, err := mgr.ValidateAccessToken(token)
	require.NoError(t, err)
	require.True(t, claims.ExpiresAt.Time.After(time.Now()))
}
