package collabserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/citruslab/collab/pkg/models"
)

// TokenKind distinguishes single-use invitations from share links.
type TokenKind string

const (
	TokenInvite TokenKind = "invite"
	TokenShare  TokenKind = "share"
)

var (
	// ErrInvalidToken is returned for malformed, forged or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired invitation token")
	// ErrSecretRequired is returned when no signing secret is configured.
	ErrSecretRequired = errors.New("token secret is required")
)

// TokenClaims are the claims of an invitation or share token.
type TokenClaims struct {
	Room    string      `json:"room"`
	Role    models.Role `json:"role"`
	Email   string      `json:"email,omitempty"`
	Kind    TokenKind   `json:"kind"`
	Inviter string      `json:"inviter,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 invitation tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token service for secret.
func NewTokens(secret string) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// IssueInvite issues a single-use invitation of email to room.
func (t *Tokens) IssueInvite(room, email, inviter string, role models.Role, ttl time.Duration) (string, *TokenClaims, error) {
	return t.issue(TokenClaims{
		Room:    room,
		Role:    role,
		Email:   models.NormalizeEmail(email),
		Kind:    TokenInvite,
		Inviter: inviter,
	}, ttl)
}

// IssueShare issues a share token for room.
func (t *Tokens) IssueShare(room, inviter string, role models.Role, ttl time.Duration) (string, *TokenClaims, error) {
	return t.issue(TokenClaims{
		Room:    room,
		Role:    role,
		Kind:    TokenShare,
		Inviter: inviter,
	}, ttl)
}

func (t *Tokens) issue(claims TokenClaims, ttl time.Duration) (string, *TokenClaims, error) {
	now := t.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   claims.Room,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, &claims, nil
}

// Parse verifies token and returns its claims.
func (t *Tokens) Parse(token string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid || claims.Room == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Kind != TokenInvite && claims.Kind != TokenShare {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
