package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken токен не прошёл проверку подписи или срока
	ErrInvalidToken = errors.New("invalid token")
	// ErrEmptySecret секрет подписи не задан
	ErrEmptySecret = errors.New("jwt secret is empty")
)

// Claims данные токена рукопожатия
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TokenAuthority выпускает и проверяет токены игроков (HS256)
type TokenAuthority struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuthority создаёт выпускающий центр с общим секретом
func NewTokenAuthority(secret, issuer string, ttl time.Duration) (*TokenAuthority, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuthority{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// IssueToken подписывает токен для игрока name
func (a *TokenAuthority) IssueToken(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: пустое имя игрока", ErrInvalidToken)
	}
	now := a.now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   name,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyToken проверяет токен и возвращает имя игрока.
// Реализует network.TokenVerifier.
func (a *TokenAuthority) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Name == "" {
		return "", ErrInvalidToken
	}
	return claims.Name, nil
}

// GenerateSecureSecret генерирует случайный секрет для конфигурации
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
