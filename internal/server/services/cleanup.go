package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/server/repositories/repomanager"
	"github.com/docuvert/docuvert/internal/storage"
	"github.com/docuvert/docuvert/internal/transfer"
)

// CleanupService destroys expired ciphertext and soft-deletes the metadata
// rows. One bad file never stops the sweep; failures are counted, logged and
// retried on the next pass.
type CleanupService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	logger    logging.Logger
	interval  time.Duration
	batchSize int

	now func() time.Time
}

func NewCleanupService(db *sql.DB, repos repomanager.RepositoryManager, logger logging.Logger,
	interval time.Duration, batchSize int) *CleanupService {
	return &CleanupService{
		db:        db,
		repos:     repos,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run sweeps on a fixed ticker until the context is cancelled.
func (c *CleanupService) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info(ctx, "cleanup sweep started", "interval", c.interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "cleanup sweep stopped")
			return
		case <-ticker.C:
			deleted, failed := c.SweepOnce(ctx)
			if deleted > 0 || failed > 0 {
				c.logger.Info(ctx, "sweep finished", "deleted", deleted, "errors", failed)
			}
		}
	}
}

// SweepOnce destroys one batch of expired files. It returns how many files
// were fully removed and how many failed.
func (c *CleanupService) SweepOnce(ctx context.Context) (deleted, failed int) {
	expired, err := c.repos.Files(c.db).SelectExpired(ctx, c.now(), c.batchSize)
	if err != nil {
		c.logger.Error(ctx, "failed to select expired files", "error", err)
		return 0, 0
	}

	for _, file := range expired {
		if err := c.destroy(ctx, file.ID, file.Path); err != nil {
			failed++
			c.logger.Error(ctx, "failed to delete expired file",
				"file_id", file.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, failed
}

// destroy overwrites and unlinks the ciphertext and its tag sidecar, then
// soft-deletes the row. Already-missing files still get their row marked so
// the sweep converges.
func (c *CleanupService) destroy(ctx context.Context, fileID, path string) error {
	if _, err := storage.SecureDelete(path); err != nil {
		return err
	}
	if _, err := storage.SecureDelete(transfer.TagPath(path)); err != nil {
		return err
	}
	return c.repos.Files(c.db).MarkDeleted(ctx, fileID, c.now())
}
