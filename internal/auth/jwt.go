package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type JWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type JWTHandler struct {
	secretKey      []byte
	accessTokenTTL time.Duration
	issuer         string
}

func NewJWTHandler(secretKey string, accessTTL time.Duration, issuer string) *JWTHandler {
	return &JWTHandler{
		secretKey:      []byte(secretKey),
		accessTokenTTL: accessTTL,
		issuer:         issuer,
	}
}

// GenerateAccessToken signs a token for username with the given role. A
// zero ttl uses the handler's default.
func (j *JWTHandler) GenerateAccessToken(username, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = j.accessTokenTTL
	}
	if _, ok := rolePermissions[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	claims := JWTClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    j.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTHandler) ValidateAccessToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, opts...)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
