package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/dbx"
	"github.com/docuvert/docuvert/internal/server/models"
)

// PostgresRepository implements stored-file metadata persistence over a
// dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new stored-file row. ExpiresAt is computed by the caller
// once at creation time and never recomputed afterwards.
func (r *PostgresRepository) Create(ctx context.Context, file *models.StoredFile) error {
	query := `
		INSERT INTO stored_files (id, user_id, path, original_filename, mime_type, size, expires_at, encryption_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now());
	`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.UserID, file.Path, file.OriginalFilename, file.MimeType,
		file.Size, file.ExpiresAt, file.EncryptionMethod)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

// GetByID returns the file only when it belongs to userID and has not been
// soft-deleted. Missing rows and foreign rows are both reported as not found.
func (r *PostgresRepository) GetByID(ctx context.Context, userID string, id string) (*models.StoredFile, error) {
	query := `
		SELECT id, user_id, path, original_filename, mime_type, size, expires_at, is_deleted, deleted_at, encryption_method, created_at
		FROM stored_files
		WHERE id=$1 AND user_id=$2 AND NOT is_deleted;
	`
	item := &models.StoredFile{}
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&item.ID, &item.UserID, &item.Path, &item.OriginalFilename, &item.MimeType,
		&item.Size, &item.ExpiresAt, &item.IsDeleted, &item.DeletedAt,
		&item.EncryptionMethod, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select stored file: %w", err)
	}
	return item, nil
}

// SelectExpired returns up to limit live rows whose expiry has passed.
func (r *PostgresRepository) SelectExpired(ctx context.Context, now time.Time, limit int) ([]*models.StoredFile, error) {
	query := `
		SELECT id, user_id, path, original_filename, mime_type, size, expires_at, is_deleted, deleted_at, encryption_method, created_at
		FROM stored_files
		WHERE expires_at <= $1 AND NOT is_deleted
		ORDER BY expires_at
		LIMIT $2;
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired files: %w", err)
	}
	defer rows.Close()

	var result []*models.StoredFile
	for rows.Next() {
		item := &models.StoredFile{}
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.Path, &item.OriginalFilename, &item.MimeType,
			&item.Size, &item.ExpiresAt, &item.IsDeleted, &item.DeletedAt,
			&item.EncryptionMethod, &item.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDeleted soft-deletes a row. The record survives for auditability even
// though the ciphertext bytes are destroyed.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	query := `UPDATE stored_files SET is_deleted=TRUE, deleted_at=$2 WHERE id=$1 AND NOT is_deleted`

	res, err := r.db.ExecContext(ctx, query, id, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to mark file deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
