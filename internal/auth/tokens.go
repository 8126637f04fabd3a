package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// accessTokenDuration defines how long a user access token remains valid.
	// Short-lived by design — refresh tokens handle session continuity.
	accessTokenDuration = 15 * time.Minute

	// AgentTokenDuration defines how long an agent channel token remains
	// valid. Revocation before expiry goes through the presence layer's jti
	// denylist, whose retention must cover this window.
	AgentTokenDuration = 24 * time.Hour

	// minAccessSecretLen is the minimum HS256 secret length in bytes.
	minAccessSecretLen = 32
)

// Claims holds the custom JWT claims embedded in every user access token.
// Standard claims (exp, iat, iss, jti) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the UUID of the authenticated user.
	UserID string `json:"uid"`

	// Email is included for convenience so the frontend does not need to
	// fetch the user profile just to display the logged-in identity.
	Email string `json:"email"`

	// Role is the user's role at token issuance time.
	// Access tokens are short-lived so role staleness is acceptable.
	Role string `json:"role"`
}

// AgentClaims holds the claims of an agent channel token: sub is the agent
// id, jti identifies the token instance for revocation.
type AgentClaims struct {
	jwt.RegisteredClaims
}

// AgentID parses the subject claim as the agent's UUID.
func (c *AgentClaims) AgentID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("auth: agent token subject is not a uuid: %w", err)
	}
	return id, nil
}

// TokenManager signs and verifies the two HS256 token families: user access
// tokens under a single access secret, and agent channel tokens under the
// named keys of the KeySet (selected by the token's kid header).
type TokenManager struct {
	accessSecret []byte
	keys         *KeySet
	issuer       string
}

// NewTokenManager creates a TokenManager. The access secret must be at least
// 32 bytes; the key set must have been validated by ParseKeySet.
func NewTokenManager(accessSecret []byte, keys *KeySet, issuer string) (*TokenManager, error) {
	if len(accessSecret) < minAccessSecretLen {
		return nil, fmt.Errorf("auth: access secret must be at least %d bytes", minAccessSecretLen)
	}
	if keys == nil {
		return nil, fmt.Errorf("auth: key set is required")
	}
	return &TokenManager{
		accessSecret: accessSecret,
		keys:         keys,
		issuer:       issuer,
	}, nil
}

// NewTokenManagerGenerated creates a TokenManager with a freshly generated
// random access secret. The secret is ephemeral — it is not persisted
// anywhere, which means all user sessions are invalidated on restart.
//
// Suitable for development and single-instance deployments where session
// invalidation on restart is acceptable.
func NewTokenManagerGenerated(keys *KeySet, issuer string) (*TokenManager, error) {
	secret := make([]byte, minAccessSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("auth: generating access secret: %w", err)
	}
	return NewTokenManager(secret, keys, issuer)
}

// KeySet exposes the agent token keyring, e.g. for the assigner's envelope
// signing and the channel's result verification.
func (m *TokenManager) KeySet() *KeySet {
	return m.keys
}

// GenerateAccessToken creates a signed HS256 JWT for the given user.
// The token expires after accessTokenDuration (15 minutes).
func (m *TokenManager) GenerateAccessToken(userID, email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a user JWT string.
// Returns the embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *TokenManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than an HMAC method.
			// This prevents the "alg:none" and key confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.accessSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// GenerateAgentToken mints a channel token for the given agent under the
// key set's active kid. It returns the signed token and its jti, which the
// caller registers with the presence layer so revocation can find it.
func (m *TokenManager) GenerateAgentToken(agentID uuid.UUID) (token, jti string, err error) {
	kid, secret := m.keys.Active()
	jti = uuid.NewString()

	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   agentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AgentTokenDuration)),
			ID:        jti,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = kid

	signed, err := t.SignedString(secret)
	if err != nil {
		return "", "", fmt.Errorf("auth: signing agent token: %w", err)
	}
	return signed, jti, nil
}

// ValidateAgentToken parses and verifies an agent channel token. The secret
// is selected by the token's kid header, and the kid is returned alongside
// the claims so the channel can bind it to the connection for envelope
// signing and result verification.
func (m *TokenManager) ValidateAgentToken(tokenString string) (*AgentClaims, string, error) {
	var kid string
	token, err := jwt.ParseWithClaims(
		tokenString,
		&AgentClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			kid, _ = t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("auth: agent token missing kid header")
			}
			secret, ok := m.keys.Secret(kid)
			if !ok {
				return nil, fmt.Errorf("auth: unknown key id %q", kid)
			}
			return secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "", ErrTokenExpired
		}
		return nil, "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, "", ErrTokenInvalid
	}
	return claims, kid, nil
}

// generateRandomHex returns a cryptographically random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
