package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/cryptox"
	"github.com/docuvert/docuvert/internal/dbx"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/queue"
	"github.com/docuvert/docuvert/internal/scheduler"
	sc "github.com/docuvert/docuvert/internal/server/config"
	"github.com/docuvert/docuvert/internal/server/models"
	"github.com/docuvert/docuvert/internal/server/repositories/files"
	"github.com/docuvert/docuvert/internal/storage"
	"github.com/docuvert/docuvert/internal/tier"
	"github.com/docuvert/docuvert/internal/transfer"
)

// --- fakes ---

// memFilesRepo is an in-memory files.Repository.
type memFilesRepo struct {
	mu    sync.Mutex
	rows  map[string]*models.StoredFile
	fail  map[string]error // per-id MarkDeleted failures
	createErr error
}

func newMemFilesRepo() *memFilesRepo {
	return &memFilesRepo{rows: map[string]*models.StoredFile{}, fail: map[string]error{}}
}

func (r *memFilesRepo) Create(ctx context.Context, file *models.StoredFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *file
	r.rows[file.ID] = &cp
	return nil
}

func (r *memFilesRepo) GetByID(ctx context.Context, userID string, id string) (*models.StoredFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.rows[id]
	if !ok || f.UserID != userID || f.IsDeleted {
		return nil, common.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *memFilesRepo) SelectExpired(ctx context.Context, now time.Time, limit int) ([]*models.StoredFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.StoredFile
	for _, f := range r.rows {
		if !f.IsDeleted && !f.ExpiresAt.After(now) && len(result) < limit {
			cp := *f
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *memFilesRepo) MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[id]; ok {
		return err
	}
	f, ok := r.rows[id]
	if !ok || f.IsDeleted {
		return common.ErrNotFound
	}
	f.IsDeleted = true
	f.DeletedAt = &deletedAt
	return nil
}

// fakeRepoManager vends the same in-memory repo regardless of the DBTX.
type fakeRepoManager struct {
	files *memFilesRepo
}

func (m *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }

// Files satisfies repomanager.RepositoryManager.
func (m *fakeRepoManager) Files(db dbx.DBTX) files.Repository { return m.files }

// fakeConverter copies the input and appends a marker, recording the call.
type fakeConverter struct {
	mu      sync.Mutex
	calls   int
	failErr error
}

func (c *fakeConverter) Convert(ctx context.Context, inputPath, outputPath string, quality string, preserveFormatting bool) (*ConvertResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.failErr != nil {
		return nil, c.failErr
	}
	in, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	out := append(in, []byte(" [converted]")...)
	if err := os.WriteFile(outputPath, out, 0o600); err != nil {
		return nil, err
	}
	return &ConvertResult{PageCount: 1}, nil
}

// --- helpers ---

type testEnv struct {
	svc   *ConversionService
	repo  *memFilesRepo
	queue *queue.MemoryQueue
	conv  *fakeConverter
	cfg   *sc.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	codec, err := cryptox.New([]byte("unit-test-master-secret"))
	if err != nil {
		t.Fatalf("cryptox.New error: %v", err)
	}
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New error: %v", err)
	}

	cfg := &sc.Config{}
	cfg.LoadDefaults()
	cfg.MasterSecret = "unit-test-master-secret"
	cfg.StorageRoot = store.Root()

	q := queue.NewMemoryQueue()
	repo := newMemFilesRepo()
	conv := &fakeConverter{}

	svc := NewConversionService(nil, &fakeRepoManager{files: repo}, store,
		transfer.New(codec, log), scheduler.New(q, log), conv, cfg, log)

	return &testEnv{svc: svc, repo: repo, queue: q, conv: conv, cfg: cfg}
}

var pdfBytes = append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("docuvert test content "), 64)...)

func decodeJob(payload json.RawMessage, job *models.ConversionJob) error {
	return json.Unmarshal(payload, job)
}

func upload(t *testing.T, env *testEnv, userID string, tr tier.Tier) *models.StoredFile {
	t.Helper()
	file, err := env.svc.Upload(context.Background(), &UploadRequest{
		UserID:           userID,
		Tier:             tr,
		OriginalFilename: "report.pdf",
		MimeType:         "application/pdf",
		Data:             pdfBytes,
	})
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	return file
}

// --- tests ---

func TestUpload_EncryptsAndRecordsMetadata(t *testing.T) {
	env := newTestEnv(t)
	file := upload(t, env, "u1", tier.Premium)

	if file.Size != int64(len(pdfBytes)) {
		t.Fatalf("size mismatch: got %d want %d", file.Size, len(pdfBytes))
	}
	if file.EncryptionMethod != models.EncryptionCurrent {
		t.Fatalf("unexpected encryption method %q", file.EncryptionMethod)
	}

	blob, err := os.ReadFile(file.Path)
	if err != nil {
		t.Fatalf("reading ciphertext: %v", err)
	}
	if bytes.Contains(blob, []byte("docuvert test content")) {
		t.Fatal("plaintext leaked into stored file")
	}
	if _, err := os.Stat(transfer.TagPath(file.Path)); err != nil {
		t.Fatalf("tag sidecar missing: %v", err)
	}

	// premium retention is 30 days
	got := file.ExpiresAt.Sub(time.Now())
	if got < 29*24*time.Hour || got > 31*24*time.Hour {
		t.Fatalf("unexpected expiry distance: %v", got)
	}
}

func TestUpload_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Upload(ctx, &UploadRequest{Tier: tier.Free, Data: pdfBytes})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing user, got %v", err)
	}

	_, err = env.svc.Upload(ctx, &UploadRequest{UserID: "u1", Tier: tier.Free})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty payload, got %v", err)
	}

	env.cfg.MaxFileSize = 4
	_, err = env.svc.Upload(ctx, &UploadRequest{UserID: "u1", Tier: tier.Free, Data: pdfBytes})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for oversized payload, got %v", err)
	}
}

func TestUpload_UnknownSignatureRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Upload(context.Background(), &UploadRequest{
		UserID:           "u1",
		Tier:             tier.Free,
		OriginalFilename: "note.pdf",
		MimeType:         "application/pdf",
		Data:             []byte("plain text pretending to be a pdf"),
	})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown signature, got %v", err)
	}
}

func TestRequestConversion_SchedulesWithTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Enterprise)

	ticket, err := env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID:         "u1",
		Tier:           tier.Enterprise,
		SourceFileID:   src.ID,
		ConversionType: models.ConversionPDFToDocx,
		Quality:        "high",
	})
	if err != nil {
		t.Fatalf("RequestConversion error: %v", err)
	}
	if !ticket.Created {
		t.Fatal("expected a newly created job")
	}
	if ticket.JobID != scheduler.JobKey(ticket.ConversionID) {
		t.Fatalf("job id mismatch: %q vs %q", ticket.JobID, ticket.ConversionID)
	}
	if ticket.Estimate < 3*time.Second {
		t.Fatalf("estimate below floor: %v", ticket.Estimate)
	}

	job, err := env.queue.Status(ctx, ticket.JobID)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if job.Priority != 1 || job.MaxAttempts != 5 {
		t.Fatalf("enterprise policy not applied: %+v", job)
	}
}

func TestRequestConversion_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Free)

	_, err := env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID: "u1", Tier: tier.Free, SourceFileID: src.ID,
		ConversionType: "pdf-to-epub", Quality: "high",
	})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for conversion type, got %v", err)
	}

	_, err = env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID: "u1", Tier: tier.Free, SourceFileID: src.ID,
		ConversionType: models.ConversionPDFToDocx, Quality: "ultra",
	})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for quality, got %v", err)
	}

	_, err = env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID: "u1", Tier: tier.Free, SourceFileID: "missing",
		ConversionType: models.ConversionPDFToDocx, Quality: "high",
	})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown source, got %v", err)
	}

	// a foreign user's file must look like it does not exist
	_, err = env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID: "intruder", Tier: tier.Free, SourceFileID: src.ID,
		ConversionType: models.ConversionPDFToDocx, Quality: "high",
	})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign file, got %v", err)
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Basic)

	ticket, err := env.svc.RequestConversion(ctx, &ConversionRequest{
		UserID: "u1", Tier: tier.Basic, SourceFileID: src.ID,
		ConversionType: models.ConversionPDFToDocx, Quality: "standard",
	})
	if err != nil {
		t.Fatalf("RequestConversion error: %v", err)
	}

	claimed, err := env.queue.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	var job models.ConversionJob
	if err := decodeJob(claimed.Payload, &job); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if job.ConversionID != ticket.ConversionID {
		t.Fatalf("conversion id mismatch")
	}

	out, err := env.svc.Process(ctx, &job)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if out.UserID != "u1" || out.Path != job.OutputFilePath {
		t.Fatalf("unexpected output row: %+v", out)
	}
	if out.MimeType != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Fatalf("unexpected mime type %q", out.MimeType)
	}
	if env.conv.calls != 1 {
		t.Fatalf("converter called %d times", env.conv.calls)
	}

	// output row must be fetchable before the job completes
	if _, err := env.repo.GetByID(ctx, "u1", out.ID); err != nil {
		t.Fatalf("output metadata missing: %v", err)
	}
	if err := env.queue.Complete(ctx, claimed.ID); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	// the encrypted output decrypts back to the converted plaintext
	token, err := env.svc.IssueDownloadToken(ctx, "u1", out.ID)
	if err != nil {
		t.Fatalf("IssueDownloadToken error: %v", err)
	}
	plainPath, meta, err := env.svc.Download(ctx, token)
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	if meta.ID != out.ID {
		t.Fatalf("downloaded wrong file: %+v", meta)
	}
	plain, err := os.ReadFile(plainPath)
	if err != nil {
		t.Fatalf("reading plaintext: %v", err)
	}
	want := append(append([]byte{}, pdfBytes...), []byte(" [converted]")...)
	if !bytes.Equal(plain, want) {
		t.Fatal("round-tripped output does not match converted plaintext")
	}
}

func TestProcess_ConverterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Free)

	env.conv.failErr = errors.New("engine crashed")
	_, err := env.svc.Process(ctx, &models.ConversionJob{
		ConversionID:   "c-fail",
		UserID:         "u1",
		SourceFilePath: src.Path,
		OutputFilePath: src.Path + ".out",
		ConversionType: models.ConversionPDFToDocx,
		Quality:        "standard",
		UserTier:       tier.Free,
	})
	if err == nil || !errors.Is(err, env.conv.failErr) {
		t.Fatalf("expected converter error, got %v", err)
	}
}

func TestDownload_TokenChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Free)

	_, _, err := env.svc.Download(ctx, "not.a.token")
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	// token for a different user never opens this file
	_, err = env.svc.IssueDownloadToken(ctx, "intruder", src.ID)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign issue, got %v", err)
	}
}

func TestIssueDownloadToken_ExpiredFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := upload(t, env, "u1", tier.Free)

	env.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err := env.svc.IssueDownloadToken(ctx, "u1", src.ID)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired file, got %v", err)
	}
}
