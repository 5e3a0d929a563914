// Package authpw provides password hashing and credential verification.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/6ubble/bip-backend/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers both unknown logins and wrong passwords so the
// response does not reveal which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

type AccountStore interface {
	GetAccountByLogin(ctx context.Context, emailOrPhone string) (store.Account, error)
}

type Service struct {
	store AccountStore
}

func NewService(accounts AccountStore) *Service {
	return &Service{store: accounts}
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login verifies the password for the account matching the email or phone.
func (s *Service) Login(ctx context.Context, emailOrPhone, password string) (store.Account, error) {
	account, err := s.store.GetAccountByLogin(ctx, emailOrPhone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, ErrInvalidCredentials
		}
		return store.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return store.Account{}, ErrInvalidCredentials
	}
	return account, nil
}
