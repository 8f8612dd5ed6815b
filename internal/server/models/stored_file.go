// Package models defines server-side data models persisted in the database.
package models

import "time"

// Encryption method tags recorded on StoredFile rows. They name the on-disk
// layout the ciphertext was written with so reads pick the right codec path.
const (
	EncryptionCurrent = "aes-256-gcm-sidecar"
	EncryptionLegacy  = "aes-256-gcm-inline"
)

// StoredFile describes metadata for one encrypted file on disk. The row is
// soft-deleted by the expiration sweep; ciphertext bytes are destroyed but
// the record survives for auditability.
type StoredFile struct {
	ID string `db:"id"`
	// UserID is the owner; all reads are scoped to it.
	UserID string `db:"user_id"`
	// Path is the ciphertext location on disk.
	Path             string `db:"path"`
	OriginalFilename string `db:"original_filename"`
	MimeType         string `db:"mime_type"`
	// Size is the plaintext size in bytes.
	Size int64 `db:"size"`
	// ExpiresAt is computed once at creation from the owner's tier
	// and never recomputed.
	ExpiresAt        time.Time  `db:"expires_at"`
	IsDeleted        bool       `db:"is_deleted"`
	DeletedAt        *time.Time `db:"deleted_at"`
	EncryptionMethod string     `db:"encryption_method"`
	CreatedAt        time.Time  `db:"created_at"`
}
