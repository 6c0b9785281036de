package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/chat"
)

type fakeAccounts map[string]*account.Account

func (f fakeAccounts) GetActive(_ context.Context, id string) (*account.Account, error) {
	if a, ok := f[id]; ok && a.IsActive {
		return a, nil
	}
	return nil, chat.Errorf(chat.ErrNotFound, "account not found")
}

type brokenAccounts struct{}

func (brokenAccounts) GetActive(context.Context, string) (*account.Account, error) {
	return nil, chat.Storage("account: get", errors.New("connection refused"))
}

func testConfig() Config {
	return Config{Secret: "test-secret", Issuer: "chat-test", AccessTokenDuration: time.Minute}
}

func reason(t *testing.T, err error) string {
	t.Helper()
	var ce *chat.Error
	require.ErrorAs(t, err, &ce)
	return ce.Reason
}

func TestVerify(t *testing.T) {
	alice := &account.Account{ID: "a-1", Username: "alice", Email: "alice@example.com", IsActive: true}
	retired := &account.Account{ID: "a-2", Username: "retired", IsActive: false}
	v := NewVerifier(testConfig(), fakeAccounts{alice.ID: alice, retired.ID: retired})

	token, err := v.Issue(alice)
	require.NoError(t, err)

	got, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	retiredToken, err := v.Issue(retired)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), retiredToken)
	assert.ErrorIs(t, err, chat.ErrAuthentication)
	assert.Equal(t, ReasonNoAccount, reason(t, err))
}

func TestVerify_Rejections(t *testing.T) {
	alice := &account.Account{ID: "a-1", Username: "alice", IsActive: true}
	v := NewVerifier(testConfig(), fakeAccounts{alice.ID: alice})

	expiredCfg := testConfig()
	expiredCfg.AccessTokenDuration = -time.Minute
	expired, err := NewVerifier(expiredCfg, nil).Issue(alice)
	require.NoError(t, err)

	otherCfg := testConfig()
	otherCfg.Secret = "someone-else"
	forged, err := NewVerifier(otherCfg, nil).Issue(alice)
	require.NoError(t, err)

	wrongIssuerCfg := testConfig()
	wrongIssuerCfg.Issuer = "elsewhere"
	wrongIssuer, err := NewVerifier(wrongIssuerCfg, nil).Issue(alice)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: alice.ID}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"missing", "", ReasonMissing},
		{"garbage", "not.a.jwt", ReasonInvalid},
		{"expired", expired, ReasonExpired},
		{"wrong secret", forged, ReasonInvalid},
		{"wrong issuer", wrongIssuer, ReasonInvalid},
		{"alg none", none, ReasonInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			require.ErrorIs(t, err, chat.ErrAuthentication)
			assert.Equal(t, tt.reason, reason(t, err))
		})
	}
}

func TestVerify_StorageFailure(t *testing.T) {
	v := NewVerifier(testConfig(), brokenAccounts{})
	token, err := v.Issue(&account.Account{ID: "a-1"})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, chat.ErrAuthentication)
	assert.ErrorIs(t, err, chat.ErrStorage)
}

func TestParse_Claims(t *testing.T) {
	v := NewVerifier(testConfig(), nil)
	token, err := v.Issue(&account.Account{ID: "a-9", Email: "z@example.com", Username: "zed"})
	require.NoError(t, err)

	claims, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "a-9", claims.UserID)
	assert.Equal(t, "zed", claims.Username)
	assert.Equal(t, "chat-test", claims.Issuer)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}
