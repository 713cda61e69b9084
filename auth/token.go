// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth mints and validates the HS256 bearer tokens the HTTP remote
// expects: subject is the user, sid carries the tenant, did the device.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth creates a new token authenticator
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Claims are the token claims for tenant-scoped device sync
type Claims struct {
	SchoolID string `json:"sid"` // tenant scope
	DeviceID string `json:"did"` // originating device
	jwt.RegisteredClaims
}

// GenerateToken mints a token for userID on deviceID within schoolID.
func (t *TokenAuth) GenerateToken(userID, schoolID, deviceID string, expiration time.Duration) (string, error) {
	claims := &Claims{
		SchoolID: schoolID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-offcache",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken validates a token and returns its claims.
func (t *TokenAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.SchoolID == "" {
		return nil, fmt.Errorf("missing sid (school ID) in token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}

// TokenSource returns a token func suitable for the HTTP remote, minting a
// fresh short-lived token per call.
func (t *TokenAuth) TokenSource(userID, schoolID, deviceID string, expiration time.Duration) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return t.GenerateToken(userID, schoolID, deviceID, expiration)
	}
}
