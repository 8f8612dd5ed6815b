package files

import (
	"context"
	"time"

	"github.com/docuvert/docuvert/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, file *models.StoredFile) error
	GetByID(ctx context.Context, userID string, id string) (*models.StoredFile, error)
	SelectExpired(ctx context.Context, now time.Time, limit int) ([]*models.StoredFile, error)
	MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error
}
