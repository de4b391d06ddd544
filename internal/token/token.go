// Package token mints and verifies the signed access tokens the token
// endpoint hands to clients after a successful redemption. Tokens are
// EdDSA-signed references to a grant; the vault re-checks the grant itself
// on every use, so a live token never outranks a revoked grant.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/latchwell/countersign/internal/platform/errors"
	"github.com/latchwell/countersign/internal/platform/id"
)

// DefaultTTL bounds access token lifetime when config does not specify one.
const DefaultTTL = time.Hour

// Claims captures validated access token claims.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
	GrantID   string
	Scope     string
}

// Scopes splits the space-joined scope claim.
func (c Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// accessClaims is the internal claims type used for JWT signing and parsing.
type accessClaims struct {
	jwt.RegisteredClaims
	GrantID string `json:"grant_id"`
	Scope   string `json:"scope,omitempty"`
}

// Minter signs and verifies access tokens with a single Ed25519 key pair.
type Minter struct {
	issuer     string
	audience   string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration

	now         func() time.Time
	idGenerator func() (string, error)
}

// Config defines how access tokens are minted and verified.
type Config struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	TTL        time.Duration

	Now         func() time.Time
	IDGenerator func() (string, error)
}

// New creates a token minter. Audience defaults to the issuer and the public
// key derives from the private key when not given explicitly.
func New(config Config) (*Minter, error) {
	issuer := strings.TrimSpace(config.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	audience := strings.TrimSpace(config.Audience)
	if audience == "" {
		audience = issuer
	}

	if len(config.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	publicKey := config.PublicKey
	if len(publicKey) == 0 {
		publicKey = config.PrivateKey.Public().(ed25519.PublicKey)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("ttl must not be negative")
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}
	idGenerator := config.IDGenerator
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	return &Minter{
		issuer:      issuer,
		audience:    audience,
		privateKey:  config.PrivateKey,
		publicKey:   publicKey,
		ttl:         ttl,
		now:         now,
		idGenerator: idGenerator,
	}, nil
}

// MintInput identifies the grant an access token references.
type MintInput struct {
	GrantID string
	AgentID string
	Scopes  []string
}

// Minted is a freshly signed access token.
type Minted struct {
	Token     string
	JWTID     string
	ExpiresAt time.Time
}

// Mint signs an access token referencing the given grant.
func (m *Minter) Mint(input MintInput) (Minted, error) {
	if m == nil {
		return Minted{}, fmt.Errorf("minter is not configured")
	}
	if strings.TrimSpace(input.GrantID) == "" {
		return Minted{}, fmt.Errorf("grant id is required")
	}
	if strings.TrimSpace(input.AgentID) == "" {
		return Minted{}, fmt.Errorf("agent id is required")
	}

	jwtID, err := m.idGenerator()
	if err != nil {
		return Minted{}, fmt.Errorf("generate token id: %w", err)
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   input.AgentID,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jwtID,
		},
		GrantID: input.GrantID,
		Scope:   strings.Join(input.Scopes, " "),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return Minted{}, fmt.Errorf("sign access token: %w", err)
	}
	return Minted{Token: signed, JWTID: jwtID, ExpiresAt: expiresAt}, nil
}

// Verify parses an access token and validates its claims against the
// minter's clock.
func (m *Minter) Verify(tokenString string) (Claims, error) {
	if m == nil {
		return Claims{}, errors.New("minter is not configured")
	}

	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token is required")
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(token *jwt.Token) (any, error) {
		return m.publicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != m.issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated, "access token issuer mismatch", map[string]string{
			"field": "issuer",
		})
	}
	if !audienceContains(parsed.Audience, m.audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated, "access token audience mismatch", map[string]string{
			"field": "audience",
		})
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token exp is required")
	}

	now := m.now().UTC()
	expiresAt := parsed.ExpiresAt.Time.UTC()
	if !expiresAt.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token not active yet")
	}

	if strings.TrimSpace(parsed.GrantID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token grant is required")
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Subject:   parsed.Subject,
		Audience:  []string(parsed.Audience),
		ExpiresAt: expiresAt,
		JWTID:     parsed.ID,
		GrantID:   parsed.GrantID,
		Scope:     parsed.Scope,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeUnauthenticated, "access token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "access token alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthenticated, "access token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

// PrivateKeyFromBase64 decodes an Ed25519 private key from base64, accepting
// raw or padded standard encoding.
func PrivateKeyFromBase64(value string) (ed25519.PrivateKey, error) {
	decoded, err := decodeBase64(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

// PublicKeyFromBase64 decodes an Ed25519 public key from base64, accepting
// raw or padded standard encoding.
func PublicKeyFromBase64(value string) (ed25519.PublicKey, error) {
	decoded, err := decodeBase64(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
