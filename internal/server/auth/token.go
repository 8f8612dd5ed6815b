// Package auth issues and verifies short-lived download tokens. A token
// grants one user access to one stored file for the validity window.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docuvert/docuvert/internal/common"
)

// DownloadClaims binds a token to a user and a single file id.
type DownloadClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	FileID string `json:"fid"`
}

// GenerateDownloadToken signs an HS256 token authorizing userID to download
// fileID until validityDuration elapses.
func GenerateDownloadToken(userID, fileID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, DownloadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		UserID: userID,
		FileID: fileID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// VerifyDownloadToken validates the signature and expiry and returns the
// bound user and file ids. Expired tokens map to common.ErrTokenExpired,
// every other verification failure to common.ErrInvalidToken.
func VerifyDownloadToken(tokenString string, secretKey []byte) (userID string, fileID string, err error) {
	claims := &DownloadClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.ErrInvalidToken
		}
		return secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", common.ErrTokenExpired
		}
		return "", "", common.ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" || claims.FileID == "" {
		return "", "", common.ErrInvalidToken
	}

	return claims.UserID, claims.FileID, nil
}
