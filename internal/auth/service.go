// Package auth はパスワードのハッシュ化と、認証済み呼び出し元を表すトークンの発行・検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/couponledger/internal/model"
)

// ErrInvalidToken はトークンが不正または期限切れであることを示す。
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims はトークンに載せる呼び出し元情報。
type Claims struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	Peer string `json:"peer,omitempty"`
	jwt.RegisteredClaims
}

// TokenService はHS256で署名したトークンを発行・検証する。
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService は TokenService を生成する。ttl が0以下の場合は7日を使用する。
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue は参加者のトークンを発行する。
func (s *TokenService) Issue(p *model.Participant) (string, error) {
	if p == nil || p.ID == "" {
		return "", errors.New("participant id is required")
	}

	now := s.now()
	claims := Claims{
		ID:   p.ID,
		Type: string(p.Type),
		Name: p.Name,
		Peer: p.Peer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify はトークンを検証し、呼び出し元を返す。
func (s *TokenService) Verify(raw string) (*model.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing id claim", ErrInvalidToken)
	}

	return &model.Caller{
		ID:   claims.ID,
		Type: model.ParticipantType(claims.Type),
		Name: claims.Name,
		Peer: claims.Peer,
	}, nil
}
