package services

import (
	"context"
	"errors"
	"time"

	"groupcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type AuthService interface {
	GenerateToken(identity domain.Identity) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	Authenticate(ctx context.Context, tokenString string) (*domain.Identity, error)
}

type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(identity domain.Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.UserID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Authenticate resolves a bearer token to the identity a connection acts as.
func (s *authService) Authenticate(_ context.Context, tokenString string) (*domain.Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &domain.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}
