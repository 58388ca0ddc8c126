// Package auth issues and validates the short-lived tokens that authorize
// calls to the external signing service and authenticate inbound webhook
// callbacks. Tokens are HS256 JWTs signed with a key derived from the
// account secret, so they are verifiable statelessly. The key derivation
// mixes in the token purpose, which makes a token minted for one operation
// unusable for another even when it names the same resource.
package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Token purposes. Every token is minted for exactly one of these.
const (
	PurposeShare        = "share"
	PurposeDownload     = "download"
	PurposeNotifySigned = "notify-signed"
	PurposeInbox        = "inbox"
)

// Claims binds a token to a single resource id via the Resource claim.
type Claims struct {
	jwt.RegisteredClaims
	Resource string `json:"res"`
}

// TokenSigner derives purpose-scoped signing keys from an account secret and
// mints/validates resource-bound tokens.
type TokenSigner struct {
	secret   []byte
	validity time.Duration
}

// NewTokenSigner constructs a TokenSigner. validity bounds token lifetime.
func NewTokenSigner(secret string, validity time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), validity: validity}
}

// deriveKey produces the HMAC key for (account, purpose) via HKDF-SHA256.
func (s *TokenSigner) deriveKey(accountID, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.secret, []byte(accountID), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}
	return key, nil
}

// Token mints a token for the given account, resource id, and purpose.
func (s *TokenSigner) Token(accountID, resource, purpose string) (string, error) {
	key, err := s.deriveKey(accountID, purpose)
	if err != nil {
		return "", err
	}

	jti, err := common.MakeRandHexString(8)
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
		Resource: resource,
	})

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate checks that tokenString is a live token minted for exactly the
// given account, resource and purpose. Any mismatch, including expiry or a
// token minted for a different purpose, yields common.ErrForbidden.
func (s *TokenSigner) Validate(tokenString, accountID, resource, purpose string) error {
	key, err := s.deriveKey(accountID, purpose)
	if err != nil {
		return err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return common.ErrForbidden
	}
	if claims.Resource != resource {
		return common.ErrForbidden
	}
	return nil
}
