package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultCredentialTTL = 600 * time.Second
	RolePublisher        = "publisher"
)

// CredentialIssuer mints a short lived token admitting one numeric
// participant to a media channel. It must not have side effects.
type CredentialIssuer interface {
	Issue(channelID string, uid uint32) (string, error)
}

type Claims struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 channel credentials.
type JWTIssuer struct {
	appID string
	key   []byte
	ttl   time.Duration
	now   func() time.Time
}

func NewJWTIssuer(appID, secret string, ttl time.Duration) *JWTIssuer {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &JWTIssuer{appID: appID, key: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *JWTIssuer) Issue(channelID string, uid uint32) (string, error) {
	if channelID == "" {
		return "", errors.New("channel is required")
	}
	now := i.now()
	claims := &Claims{
		AppID:   i.appID,
		Channel: channelID,
		UID:     uid,
		Role:    RolePublisher,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return token, nil
}

// Parse validates a credential issued by i.
func (i *JWTIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}
	return claims, nil
}

func (i *JWTIssuer) TTL() time.Duration {
	return i.ttl
}
