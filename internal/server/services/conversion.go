// Package services contains the server-side orchestration: upload,
// conversion scheduling and processing, downloads, archiving and the
// expired-file cleanup sweep.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/estimate"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/scheduler"
	"github.com/docuvert/docuvert/internal/server/auth"
	sc "github.com/docuvert/docuvert/internal/server/config"
	"github.com/docuvert/docuvert/internal/server/models"
	"github.com/docuvert/docuvert/internal/server/repositories/repomanager"
	"github.com/docuvert/docuvert/internal/storage"
	"github.com/docuvert/docuvert/internal/tier"
	"github.com/docuvert/docuvert/internal/transfer"
)

// ConvertResult is what the conversion engine reports for a finished run.
type ConvertResult struct {
	PageCount int
}

// Converter is the document-conversion engine. The service treats it as a
// black box invoked between decryption of the source and encryption of the
// result.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, quality string, preserveFormatting bool) (*ConvertResult, error)
}

// UploadRequest carries one authenticated upload.
type UploadRequest struct {
	UserID           string
	Tier             tier.Tier
	OriginalFilename string
	MimeType         string
	Data             []byte
}

// ConversionRequest asks for a stored file to be converted.
type ConversionRequest struct {
	UserID         string
	Tier           tier.Tier
	SourceFileID   string
	ConversionType string
	Quality        string
	PreserveFormat bool
}

// ConversionTicket is returned to the caller after scheduling.
type ConversionTicket struct {
	ConversionID string
	JobID        string
	Created      bool
	Estimate     time.Duration
}

// ConversionService coordinates encrypted storage, the scheduler and the
// conversion engine.
type ConversionService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	store     *storage.Store
	transfer  *transfer.Transfer
	scheduler *scheduler.Scheduler
	converter Converter
	config    *sc.Config
	logger    logging.Logger

	now func() time.Time
}

func NewConversionService(db *sql.DB, repos repomanager.RepositoryManager, store *storage.Store,
	tr *transfer.Transfer, sched *scheduler.Scheduler, converter Converter,
	config *sc.Config, logger logging.Logger) *ConversionService {
	return &ConversionService{
		db:        db,
		repos:     repos,
		store:     store,
		transfer:  tr,
		scheduler: sched,
		converter: converter,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Upload validates and encrypts an uploaded document and records its
// metadata. Expiry is fixed here, from the owner's tier, and never
// recomputed later.
func (s *ConversionService) Upload(ctx context.Context, req *UploadRequest) (*models.StoredFile, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", common.ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", common.ErrValidation)
	}
	if int64(len(req.Data)) > s.config.MaxFileSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", common.ErrValidation, s.config.MaxFileSize)
	}

	plainPath, err := s.stageTemp(req.UserID, req.OriginalFilename, req.Data)
	if err != nil {
		return nil, err
	}
	defer func() { _, _ = storage.SecureDelete(plainPath) }()

	uploadsDir, err := s.store.EnsureUserDir(req.UserID, storage.KindUploads)
	if err != nil {
		return nil, err
	}
	name, err := storage.GenerateSecureFilename(req.OriginalFilename)
	if err != nil {
		return nil, err
	}
	cipherPath := filepath.Join(uploadsDir, name)

	if err := s.transfer.SmartEncrypt(ctx, plainPath, cipherPath); err != nil {
		return nil, err
	}

	file := &models.StoredFile{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Path:             cipherPath,
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
		Size:             int64(len(req.Data)),
		ExpiresAt:        s.store.ExpiresAt(req.Tier, s.now()),
		EncryptionMethod: models.EncryptionCurrent,
	}
	if err := s.repos.Files(s.db).Create(ctx, file); err != nil {
		// metadata is authoritative: without a row the ciphertext is orphaned
		_, _ = storage.SecureDelete(cipherPath)
		_, _ = storage.SecureDelete(transfer.TagPath(cipherPath))
		return nil, err
	}

	s.logger.Info(ctx, "file uploaded",
		"file_id", file.ID, "user_id", file.UserID, "size", file.Size)
	return file, nil
}

// stageTemp writes plaintext bytes into the user's temp area.
func (s *ConversionService) stageTemp(userID, originalName string, data []byte) (string, error) {
	tempDir, err := s.store.EnsureUserDir(userID, storage.KindTemp)
	if err != nil {
		return "", err
	}
	name, err := storage.GenerateSecureFilename(originalName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(tempDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("%w: staging upload: %v", common.ErrStorageIO, err)
	}
	return path, nil
}

// sourceFileType maps a conversion direction to the source document format.
func sourceFileType(conversionType string) (estimate.FileType, error) {
	switch conversionType {
	case models.ConversionPDFToDocx:
		return estimate.PDF, nil
	case models.ConversionDocxToPDF:
		return estimate.DOCX, nil
	default:
		return "", fmt.Errorf("%w: unknown conversion type %q", common.ErrValidation, conversionType)
	}
}

func outputExtension(conversionType string) string {
	if conversionType == models.ConversionPDFToDocx {
		return ".docx"
	}
	return ".pdf"
}

// RequestConversion schedules a conversion of an already-uploaded file and
// returns the job handle together with a wait estimate. Resubmitting the
// same conversion id is idempotent.
func (s *ConversionService) RequestConversion(ctx context.Context, req *ConversionRequest) (*ConversionTicket, error) {
	ft, err := sourceFileType(req.ConversionType)
	if err != nil {
		return nil, err
	}
	quality := estimate.Quality(req.Quality)
	if quality != estimate.Standard && quality != estimate.High {
		return nil, fmt.Errorf("%w: unknown quality %q", common.ErrValidation, req.Quality)
	}

	src, err := s.repos.Files(s.db).GetByID(ctx, req.UserID, req.SourceFileID)
	if err != nil {
		return nil, err
	}

	outputsDir, err := s.store.EnsureUserDir(req.UserID, storage.KindOutputs)
	if err != nil {
		return nil, err
	}
	outName, err := storage.GenerateSecureFilename(
		strings.TrimSuffix(src.OriginalFilename, filepath.Ext(src.OriginalFilename)) + outputExtension(req.ConversionType))
	if err != nil {
		return nil, err
	}

	// the estimate reads queue depth before this job joins the line
	eta, err := s.scheduler.EstimateWait(ctx, ft, src.Size, quality, req.Tier)
	if err != nil {
		return nil, err
	}

	job := &models.ConversionJob{
		ConversionID:     uuid.NewString(),
		UserID:           req.UserID,
		SourceFilePath:   src.Path,
		OutputFilePath:   filepath.Join(outputsDir, outName),
		OriginalFilename: src.OriginalFilename,
		ConversionType:   req.ConversionType,
		Quality:          req.Quality,
		PreserveFormat:   req.PreserveFormat,
		UserTier:         req.Tier,
	}
	handle, err := s.scheduler.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	return &ConversionTicket{
		ConversionID: job.ConversionID,
		JobID:        handle.JobID,
		Created:      handle.Created,
		Estimate:     eta,
	}, nil
}

// Process runs one claimed conversion job: decrypt the source, invoke the
// engine, encrypt the result and record its metadata. The StoredFile row for
// the output exists before the caller marks the job complete.
func (s *ConversionService) Process(ctx context.Context, job *models.ConversionJob) (*models.StoredFile, error) {
	tempDir, err := s.store.EnsureUserDir(job.UserID, storage.KindTemp)
	if err != nil {
		return nil, err
	}

	base := scheduler.JobKey(job.ConversionID)
	base = strings.ReplaceAll(base, ":", "_")
	plainIn := filepath.Join(tempDir, base+".in")
	plainOut := filepath.Join(tempDir, base+".out")
	defer func() {
		_, _ = storage.SecureDelete(plainIn)
		_, _ = storage.SecureDelete(plainOut)
	}()

	if err := s.transfer.SmartDecrypt(ctx, job.SourceFilePath, plainIn, job.UserID); err != nil {
		return nil, fmt.Errorf("decrypting source: %w", err)
	}

	if _, err := s.converter.Convert(ctx, plainIn, plainOut, job.Quality, job.PreserveFormat); err != nil {
		return nil, fmt.Errorf("converting: %w", err)
	}

	info, err := os.Stat(plainOut)
	if err != nil {
		return nil, fmt.Errorf("%w: converted output missing: %v", common.ErrStorageIO, err)
	}

	// converted plaintext is not a stored upload, skip signature sniffing
	if err := s.transfer.SmartEncrypt(ctx, plainOut, job.OutputFilePath, transfer.WithContentSniff(false)); err != nil {
		return nil, fmt.Errorf("encrypting output: %w", err)
	}

	file := &models.StoredFile{
		ID:               uuid.NewString(),
		UserID:           job.UserID,
		Path:             job.OutputFilePath,
		OriginalFilename: job.OriginalFilename,
		MimeType:         outputMimeType(job.ConversionType),
		Size:             info.Size(),
		ExpiresAt:        s.store.ExpiresAt(tier.Parse(string(job.UserTier)), s.now()),
		EncryptionMethod: models.EncryptionCurrent,
	}
	if err := s.repos.Files(s.db).Create(ctx, file); err != nil {
		_, _ = storage.SecureDelete(job.OutputFilePath)
		_, _ = storage.SecureDelete(transfer.TagPath(job.OutputFilePath))
		return nil, err
	}

	s.logger.Info(ctx, "conversion processed",
		"conversion_id", job.ConversionID, "output_file_id", file.ID, "size", file.Size)
	return file, nil
}

func outputMimeType(conversionType string) string {
	if conversionType == models.ConversionPDFToDocx {
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/pdf"
}

// IssueDownloadToken authorizes the owner to fetch one file for the
// configured validity window.
func (s *ConversionService) IssueDownloadToken(ctx context.Context, userID, fileID string) (string, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, userID, fileID)
	if err != nil {
		return "", err
	}
	if !file.ExpiresAt.After(s.now()) {
		return "", common.ErrNotFound
	}
	return auth.GenerateDownloadToken(userID, file.ID, []byte(s.config.MasterSecret), s.config.DownloadTokenValidity)
}

// Download verifies a download token and decrypts the file into the owner's
// temp area. The caller streams the plaintext out and is responsible for
// destroying it afterwards.
func (s *ConversionService) Download(ctx context.Context, token string) (string, *models.StoredFile, error) {
	userID, fileID, err := auth.VerifyDownloadToken(token, []byte(s.config.MasterSecret))
	if err != nil {
		return "", nil, err
	}

	file, err := s.repos.Files(s.db).GetByID(ctx, userID, fileID)
	if err != nil {
		return "", nil, err
	}
	if !file.ExpiresAt.After(s.now()) {
		return "", nil, common.ErrNotFound
	}

	tempDir, err := s.store.EnsureUserDir(userID, storage.KindTemp)
	if err != nil {
		return "", nil, err
	}
	name, err := storage.GenerateSecureFilename(file.OriginalFilename)
	if err != nil {
		return "", nil, err
	}
	plainPath := filepath.Join(tempDir, name)

	if err := s.transfer.SmartDecrypt(ctx, file.Path, plainPath, userID); err != nil {
		return "", nil, err
	}

	s.logger.Info(ctx, "file downloaded", "file_id", file.ID, "user_id", userID)
	return plainPath, file, nil
}
