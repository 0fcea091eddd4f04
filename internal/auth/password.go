package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher は bcrypt でパスワードをハッシュ化・照合する。
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher は PasswordHasher を生成する。
// cost が bcrypt の範囲外の場合は bcrypt.DefaultCost を使用する。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash はパスワードのハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare はパスワードがハッシュに一致するかを返す。
// 不一致は false, nil を返し、ハッシュ自体が壊れている場合のみエラーを返す。
func (h *PasswordHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("failed to compare password: %w", err)
}
