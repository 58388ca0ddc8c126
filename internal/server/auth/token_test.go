package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner_RoundTrip(t *testing.T) {
	s := NewTokenSigner("account-secret", time.Minute)

	tok, err := s.Token("acc1", "file-123", PurposeShare)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	assert.NoError(t, s.Validate(tok, "acc1", "file-123", PurposeShare))
}

func TestTokenSigner_PurposeScoped(t *testing.T) {
	s := NewTokenSigner("account-secret", time.Minute)

	tok, err := s.Token("acc1", "sig-9", PurposeDownload)
	require.NoError(t, err)

	err = s.Validate(tok, "acc1", "sig-9", PurposeNotifySigned)
	assert.True(t, errors.Is(err, common.ErrForbidden), "token for one purpose must not validate for another")
}

func TestTokenSigner_ResourceScoped(t *testing.T) {
	s := NewTokenSigner("account-secret", time.Minute)

	tok, err := s.Token("acc1", "sig-9", PurposeNotifySigned)
	require.NoError(t, err)

	err = s.Validate(tok, "acc1", "sig-10", PurposeNotifySigned)
	assert.True(t, errors.Is(err, common.ErrForbidden))
}

func TestTokenSigner_AccountScoped(t *testing.T) {
	s := NewTokenSigner("account-secret", time.Minute)

	tok, err := s.Token("acc1", "file-123", PurposeShare)
	require.NoError(t, err)

	err = s.Validate(tok, "acc2", "file-123", PurposeShare)
	assert.True(t, errors.Is(err, common.ErrForbidden))
}

func TestTokenSigner_Expired(t *testing.T) {
	s := NewTokenSigner("account-secret", -time.Second)

	tok, err := s.Token("acc1", "file-123", PurposeShare)
	require.NoError(t, err)

	err = s.Validate(tok, "acc1", "file-123", PurposeShare)
	assert.True(t, errors.Is(err, common.ErrForbidden))
}

func TestTokenSigner_WrongSecret(t *testing.T) {
	a := NewTokenSigner("secret-a", time.Minute)
	b := NewTokenSigner("secret-b", time.Minute)

	tok, err := a.Token("acc1", "file-123", PurposeShare)
	require.NoError(t, err)

	err = b.Validate(tok, "acc1", "file-123", PurposeShare)
	assert.True(t, errors.Is(err, common.ErrForbidden))
}

func TestTokenSigner_Garbage(t *testing.T) {
	s := NewTokenSigner("account-secret", time.Minute)
	err := s.Validate("not-a-token", "acc1", "file-123", PurposeShare)
	assert.True(t, errors.Is(err, common.ErrForbidden))
}
