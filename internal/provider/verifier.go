// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against for unknown users so that the response time
// does not reveal which names exist.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("sessionguard"), bcrypt.DefaultCost)
	return h
})

type credential struct {
	hash       []byte
	totpSecret string
}

// StaticVerifier checks bcrypt password hashes and, where configured, a
// TOTP code.
type StaticVerifier struct {
	mu    sync.RWMutex
	users map[string]credential
	now   func() time.Time
}

// NewStaticVerifier returns an empty verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{
		users: make(map[string]credential),
		now:   time.Now,
	}
}

// Add registers a user. totpSecret may be empty.
func (v *StaticVerifier) Add(username, passwordHash, totpSecret string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("user %s: invalid password hash: %w", username, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[username] = credential{hash: []byte(passwordHash), totpSecret: totpSecret}
	return nil
}

// RequiresCode reports whether username has a second factor.
func (v *StaticVerifier) RequiresCode(username string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.users[username].totpSecret != ""
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, username, password, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.RLock()
	cred, ok := v.users[username]
	v.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(cred.hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if cred.totpSecret == "" {
		return nil
	}

	valid, err := totp.ValidateCustom(code, cred.totpSecret, v.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword returns a bcrypt hash for storing in the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateTOTPSecret creates a new TOTP key for username.
func GenerateTOTPSecret(issuer, username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: username,
	})
}
