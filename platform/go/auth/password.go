package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
)

const bcryptCost = 12

// HashPassword derives a bcrypt hash for storage.
func HashPassword(plain string) (string, error) {
	if len(plain) < 8 {
		return "", apperr.Validation("WEAK_PASSWORD", "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a stored hash against a candidate password.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
