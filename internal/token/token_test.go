package token

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/latchwell/countersign/internal/platform/errors"
)

func testKeys(t *testing.T, seedByte byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	privateKey := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seedByte}, ed25519.SeedSize))
	return privateKey.Public().(ed25519.PublicKey), privateKey
}

func newTestMinter(t *testing.T, now *time.Time) *Minter {
	t.Helper()
	_, privateKey := testKeys(t, 0x42)
	minter, err := New(Config{
		Issuer:     "https://countersign.test",
		Audience:   "countersign-vault",
		PrivateKey: privateKey,
		TTL:        10 * time.Minute,
		Now:        func() time.Time { return *now },
		IDGenerator: func() (string, error) {
			return "token-1", nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return minter
}

func signAccessToken(t *testing.T, privateKey ed25519.PrivateKey, header, payload map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := encodedHeader + "." + encodedPayload
	signature := ed25519.Sign(privateKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	minter := newTestMinter(t, &now)

	minted, err := minter.Mint(MintInput{
		GrantID: "grant-1",
		AgentID: "cli-agent",
		Scopes:  []string{"repo:read", "repo:write"},
	})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if minted.Token == "" || minted.JWTID != "token-1" {
		t.Fatalf("minted = %+v, want signed token with id token-1", minted)
	}
	if want := now.Add(10 * time.Minute); !minted.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", minted.ExpiresAt, want)
	}

	claims, err := minter.Verify(minted.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.GrantID != "grant-1" {
		t.Errorf("GrantID = %q, want %q", claims.GrantID, "grant-1")
	}
	if claims.Subject != "cli-agent" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "cli-agent")
	}
	if claims.Issuer != "https://countersign.test" {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, "https://countersign.test")
	}
	scopes := claims.Scopes()
	if len(scopes) != 2 || scopes[0] != "repo:read" || scopes[1] != "repo:write" {
		t.Errorf("Scopes() = %v, want [repo:read repo:write]", scopes)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	minter := newTestMinter(t, &now)

	minted, err := minter.Mint(MintInput{GrantID: "grant-1", AgentID: "cli-agent"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	now = now.Add(11 * time.Minute)
	if _, err := minter.Verify(minted.Token); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
		t.Errorf("Verify() error code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnauthenticated)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	minter := newTestMinter(t, &now)

	_, otherPrivate := testKeys(t, 0x41)
	forged := signAccessToken(t, otherPrivate, map[string]any{
		"alg": "EdDSA",
		"typ": "JWT",
	}, map[string]any{
		"iss":      "https://countersign.test",
		"aud":      []string{"countersign-vault"},
		"exp":      now.Add(time.Hour).Unix(),
		"jti":      "token-x",
		"grant_id": "grant-1",
	})

	if _, err := minter.Verify(forged); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
		t.Errorf("Verify() error code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnauthenticated)
	}
}

func TestVerifyClaimChecks(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	minter := newTestMinter(t, &now)
	_, privateKey := testKeys(t, 0x42)

	base := func() map[string]any {
		return map[string]any{
			"iss":      "https://countersign.test",
			"aud":      []string{"countersign-vault"},
			"exp":      now.Add(time.Hour).Unix(),
			"jti":      "token-x",
			"grant_id": "grant-1",
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{name: "issuer mismatch", mutate: func(p map[string]any) { p["iss"] = "https://other.test" }},
		{name: "audience mismatch", mutate: func(p map[string]any) { p["aud"] = []string{"someone-else"} }},
		{name: "missing jti", mutate: func(p map[string]any) { delete(p, "jti") }},
		{name: "missing exp", mutate: func(p map[string]any) { delete(p, "exp") }},
		{name: "missing grant", mutate: func(p map[string]any) { delete(p, "grant_id") }},
		{name: "not yet valid", mutate: func(p map[string]any) { p["nbf"] = now.Add(time.Minute).Unix() }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := base()
			tc.mutate(payload)
			tokenString := signAccessToken(t, privateKey, map[string]any{
				"alg": "EdDSA",
				"typ": "JWT",
			}, payload)
			if _, err := minter.Verify(tokenString); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
				t.Errorf("Verify() error code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnauthenticated)
			}
		})
	}

	t.Run("unsigned alg", func(t *testing.T) {
		payloadJSON, err := json.Marshal(base())
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		headerJSON, err := json.Marshal(map[string]any{"alg": "none", "typ": "JWT"})
		if err != nil {
			t.Fatalf("marshal header: %v", err)
		}
		unsigned := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON) + "."
		if _, err := minter.Verify(unsigned); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
			t.Errorf("Verify() error code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnauthenticated)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := minter.Verify("  "); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
			t.Errorf("Verify() error code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnauthenticated)
		}
	})
}

func TestNewValidates(t *testing.T) {
	_, privateKey := testKeys(t, 0x42)

	if _, err := New(Config{PrivateKey: privateKey}); err == nil {
		t.Error("New() without issuer error = nil, want error")
	}
	if _, err := New(Config{Issuer: "https://countersign.test", PrivateKey: privateKey[:10]}); err == nil {
		t.Error("New() with short key error = nil, want error")
	}
	if _, err := New(Config{Issuer: "https://countersign.test", PrivateKey: privateKey, TTL: -time.Minute}); err == nil {
		t.Error("New() with negative ttl error = nil, want error")
	}
}

func TestAudienceDefaultsToIssuer(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	_, privateKey := testKeys(t, 0x42)
	minter, err := New(Config{
		Issuer:     "https://countersign.test",
		PrivateKey: privateKey,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	minted, err := minter.Mint(MintInput{GrantID: "grant-1", AgentID: "cli-agent"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	claims, err := minter.Verify(minted.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://countersign.test" {
		t.Errorf("Audience = %v, want issuer fallback", claims.Audience)
	}
}

func TestKeysFromBase64(t *testing.T) {
	publicKey, privateKey := testKeys(t, 0x42)

	decodedPrivate, err := PrivateKeyFromBase64(base64.RawStdEncoding.EncodeToString(privateKey))
	if err != nil {
		t.Fatalf("PrivateKeyFromBase64() error = %v", err)
	}
	if !decodedPrivate.Equal(privateKey) {
		t.Error("decoded private key differs")
	}

	decodedPublic, err := PublicKeyFromBase64(base64.StdEncoding.EncodeToString(publicKey))
	if err != nil {
		t.Fatalf("PublicKeyFromBase64() error = %v", err)
	}
	if !decodedPublic.Equal(publicKey) {
		t.Error("decoded public key differs")
	}

	if _, err := PrivateKeyFromBase64("c2hvcnQ"); err == nil {
		t.Error("PrivateKeyFromBase64(short) error = nil, want error")
	}
	if _, err := PublicKeyFromBase64(""); err == nil {
		t.Error("PublicKeyFromBase64(empty) error = nil, want error")
	}
}
