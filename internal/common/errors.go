// Package common defines shared constants and sentinel errors used across
// the docuvert core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Startup / wiring errors: missing master secret, unusable storage
	// root and similar misconfiguration. Fatal, never retried.
	ErrConfiguration = errors.New("configuration error")

	// Caller-input errors: bad estimator arguments, oversized upload,
	// unrecognized content-type signature. Surfaced immediately.
	ErrValidation = errors.New("validation error")

	// Cryptographic errors. ErrIntegrity means the authentication tag
	// did not verify under any supported format: the payload is
	// corrupted or tampered with. ErrFormat means the payload is
	// structurally malformed (too small to carry a header). Both are
	// non-retryable and must stay distinguishable from plain I/O errors.
	ErrIntegrity = errors.New("integrity check failed")
	ErrFormat    = errors.New("malformed encrypted payload")

	// Disk-level failures: permission denied, disk full, rejected path.
	ErrStorageIO = errors.New("storage i/o error")

	// Queue backend unreachable; enqueue fails closed.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// Download-token errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
