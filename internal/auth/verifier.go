// Package auth verifies the bearer tokens presented by chat clients. Tokens
// are HS256 JWTs minted by the account service; a token is accepted only if
// its signature and expiry check out and it names an active account.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/metrics"
)

// Reasons reported with authentication failures.
const (
	ReasonMissing   = "token required"
	ReasonInvalid   = "invalid token"
	ReasonExpired   = "token expired"
	ReasonNoAccount = "account not found"
)

// Config holds JWT settings shared with the account service.
type Config struct {
	Secret              string
	Issuer              string // checked only when non-empty
	AccessTokenDuration time.Duration
}

// DefaultConfig returns a development configuration. The secret must be
// overridden in production.
func DefaultConfig() Config {
	return Config{
		Secret:              "dev-secret-change-me",
		AccessTokenDuration: 15 * time.Minute,
	}
}

// Claims is the access token payload.
type Claims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AccountResolver looks up active accounts by id.
type AccountResolver interface {
	GetActive(ctx context.Context, id string) (*account.Account, error)
}

// Verifier validates tokens and resolves them to accounts.
type Verifier struct {
	config   Config
	accounts AccountResolver
	parser   *jwt.Parser
}

// NewVerifier creates a Verifier. accounts may be nil when only Parse and
// Issue are used.
func NewVerifier(config Config, accounts AccountResolver) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Verifier{
		config:   config,
		accounts: accounts,
		parser:   jwt.NewParser(opts...),
	}
}

// Issue signs an access token for acc.
func (v *Verifier) Issue(acc *account.Account) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   acc.ID,
		Email:    acc.Email,
		Username: acc.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   acc.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.AccessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.Secret))
}

// Parse validates the signature and expiry of token and returns its claims.
func (v *Verifier) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, chat.Errorf(chat.ErrAuthentication, ReasonMissing)
	}

	parsed, err := v.parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, chat.Errorf(chat.ErrAuthentication, ReasonExpired)
		}
		return nil, chat.Errorf(chat.ErrAuthentication, ReasonInvalid)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, chat.Errorf(chat.ErrAuthentication, ReasonInvalid)
	}
	return claims, nil
}

// Verify resolves token to the active account it names. Every failure wraps
// chat.ErrAuthentication; storage failures additionally wrap chat.ErrStorage.
func (v *Verifier) Verify(ctx context.Context, token string) (*account.Account, error) {
	claims, err := v.Parse(token)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, err
	}

	acc, err := v.accounts.GetActive(ctx, claims.UserID)
	if err != nil {
		metrics.AuthFailures.Inc()
		if errors.Is(err, chat.ErrNotFound) {
			return nil, chat.Errorf(chat.ErrAuthentication, ReasonNoAccount)
		}
		return nil, errors.Join(chat.Errorf(chat.ErrAuthentication, ReasonInvalid), err)
	}
	return acc, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. It returns "" when the scheme is missing or different.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
