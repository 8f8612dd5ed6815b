// Package storage owns the on-disk layout of encrypted documents: per-user
// directories, collision-resistant filenames, tier-based expiration and
// destructive multi-pass deletion.
package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/shared"
	"github.com/docuvert/docuvert/internal/tier"
)

// Kind is a per-user storage subdirectory category.
type Kind string

const (
	KindUploads    Kind = "uploads"
	KindOutputs    Kind = "outputs"
	KindThumbnails Kind = "thumbnails"
	KindTemp       Kind = "temp"
)

const deletePasses = 3

// extPattern accepts only short alphanumeric extensions; everything else in
// the original name is discarded when generating a stored filename.
var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// Option adjusts a Store.
type Option func(*Store)

// WithRetention overrides the per-tier retention table. The ordering
// free < basic < premium < enterprise must hold.
func WithRetention(retention map[tier.Tier]time.Duration) Option {
	return func(s *Store) { s.retention = retention }
}

// Store maps (user, kind) pairs to directories under a single root.
type Store struct {
	root      string
	retention map[tier.Tier]time.Duration
}

// New validates the storage root and returns a Store. The root directory is
// created if absent; failure to do so is a configuration error.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: storage root is not set", common.ErrConfiguration)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create storage root %s: %v", common.ErrConfiguration, root, err)
	}

	s := &Store{root: root}
	for _, o := range opts {
		o(s)
	}

	if s.retention != nil {
		if err := validateRetention(s.retention); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func validateRetention(r map[tier.Tier]time.Duration) error {
	order := []tier.Tier{tier.Free, tier.Basic, tier.Premium, tier.Enterprise}
	for i, tr := range order {
		d, ok := r[tr]
		if !ok || d <= 0 {
			return fmt.Errorf("%w: retention for tier %q missing or non-positive", common.ErrConfiguration, tr)
		}
		if i > 0 && d <= r[order[i-1]] {
			return fmt.Errorf("%w: retention for %q must exceed %q", common.ErrConfiguration, tr, order[i-1])
		}
	}
	return nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// EnsureUserDir idempotently creates (or finds) the per-user directory for
// the given kind and returns its path. A concurrent create by another
// request is not an error. The user id must not be able to escape the
// storage root.
func (s *Store) EnsureUserDir(userID string, kind Kind) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return "", fmt.Errorf("%w: unsafe user id", common.ErrValidation)
	}

	dir := filepath.Join(s.root, userID, string(kind))
	// MkdirAll treats an existing directory as success, which covers the
	// check-then-create race between concurrent uploads.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", common.ErrStorageIO, dir, err)
	}
	return dir, nil
}

// GenerateSecureFilename produces a stored filename from a timestamp and
// random hex, preserving only a sanitized extension of the original name.
// Nothing user-controlled beyond the extension ever reaches the filesystem,
// so uploads cannot traverse paths or overwrite one another.
func GenerateSecureFilename(originalName string) (string, error) {
	suffix, err := shared.MakeRandHexString(8)
	if err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if !extPattern.MatchString(ext) {
		ext = ""
	}

	return fmt.Sprintf("%d_%s%s", time.Now().UnixNano(), suffix, ext), nil
}

// ExpiresAt computes a file's expiration from the owning user's tier. It is
// computed once at creation time and never recomputed.
func (s *Store) ExpiresAt(t tier.Tier, now time.Time) time.Time {
	if s.retention != nil {
		if d, ok := s.retention[t]; ok {
			return now.Add(d)
		}
		return now.Add(s.retention[tier.Free])
	}
	return now.Add(t.Retention())
}

// SecureDelete overwrites the file with random bytes for several passes,
// syncing after each, then unlinks it. Returns (false, nil) when the file
// is already absent, (true, nil) after a successful destructive delete.
func SecureDelete(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", common.ErrStorageIO, path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%w: %s is a directory", common.ErrValidation, path)
	}

	if err := overwrite(path, info.Size()); err != nil {
		return false, err
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("%w: remove %s: %v", common.ErrStorageIO, path, err)
	}
	return true, nil
}

func overwrite(path string, size int64) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrStorageIO, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", common.ErrStorageIO, path, cerr)
		}
	}()

	buf := make([]byte, 64*1024)
	for pass := 0; pass < deletePasses; pass++ {
		if _, err := f.Seek(0, 0); err != nil {
			return fmt.Errorf("%w: seek %s: %v", common.ErrStorageIO, path, err)
		}
		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if n > remaining {
				n = remaining
			}
			if _, err := rand.Read(buf[:n]); err != nil {
				return err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: overwrite %s: %v", common.ErrStorageIO, path, err)
			}
			remaining -= n
		}
		// Each pass must reach durable storage before the next starts.
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", common.ErrStorageIO, path, err)
		}
	}
	return nil
}
