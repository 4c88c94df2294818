package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Claims is the verified identity carried by a client token. The client
// identity used for permission checks comes from here and nowhere else.
type Claims struct {
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
}

type tokenClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret []byte
	clock  clockwork.Clock
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret), clock: clockwork.NewRealClock()}
}

// SetClock replaces the clock used for issuing and validating tokens.
func (m *TokenManager) SetClock(clock clockwork.Clock) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m.clock = clock
}

func (m *TokenManager) Issue(clientID string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("secret required")
	}
	if clientID == "" {
		return "", errors.New("client id required")
	}
	now := m.clock.Now()
	tc := tokenClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString(m.secret)
}

func (m *TokenManager) Verify(token string) (Claims, error) {
	if len(m.secret) == 0 {
		return Claims{}, errors.New("secret required")
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.ClientID == "" {
		return Claims{}, errors.New("token without client id")
	}
	out := Claims{
		ClientID: claims.ClientID,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
