// Package estimate computes the expected duration of a document conversion.
// The estimate is user-facing (it sets ETA expectations before payment), so
// the function is pure and rejects invalid inputs instead of defaulting.
package estimate

import (
	"fmt"
	"math"
	"time"

	"github.com/docuvert/docuvert/internal/common"
)

// FileType is the source document format of a conversion.
type FileType string

// Quality selects the conversion fidelity level.
type Quality string

const (
	PDF  FileType = "pdf"
	DOCX FileType = "docx"

	Standard Quality = "standard"
	High     Quality = "high"
)

const (
	// MinEstimate is the floor applied to every result.
	MinEstimate = 3 * time.Second

	// Queue delay schedule: the first few positions are expensive, the
	// rest progressively cheaper.
	perPositionNear  = 15 * time.Second
	perPositionFar   = 5 * time.Second
	nearPositionSpan = 5

	// Tiny files are floored at 0.1 MB so the per-MB rate does not
	// collapse to near zero.
	minSizeMB = 0.1
)

// msPerMB returns the per-megabyte processing rate for the given type and
// quality combination, or false for an unrecognized combination.
func msPerMB(ft FileType, q Quality) (float64, bool) {
	switch ft {
	case PDF:
		switch q {
		case High:
			return 2500, true
		case Standard:
			return 1200, true
		}
	case DOCX:
		switch q {
		case High:
			return 2000, true
		case Standard:
			return 1000, true
		}
	}
	return 0, false
}

// Estimate returns the expected conversion duration for a file of
// fileSizeBytes at the given queue position. queuePosition is the number of
// jobs ahead of this one; 0 means the job starts immediately.
//
// The result is non-decreasing in file size and queue position, high
// quality never estimates below standard, and the value never drops under
// MinEstimate.
func Estimate(fileType FileType, fileSizeBytes int64, quality Quality, queuePosition int) (time.Duration, error) {
	if fileSizeBytes < 0 {
		return 0, fmt.Errorf("%w: negative file size %d", common.ErrValidation, fileSizeBytes)
	}
	if queuePosition < 0 {
		return 0, fmt.Errorf("%w: negative queue position %d", common.ErrValidation, queuePosition)
	}
	rate, ok := msPerMB(fileType, quality)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported file type %q / quality %q", common.ErrValidation, fileType, quality)
	}

	sizeMB := float64(fileSizeBytes) / (1024 * 1024)
	if sizeMB < minSizeMB {
		sizeMB = minSizeMB
	}

	base := sizeMB * rate

	// Logarithmic dampening keeps very large files from scaling linearly
	// forever.
	scaled := base * (1 + 0.1*math.Log10(math.Max(1, sizeMB)))

	queueDelay := queueDelayMs(queuePosition)

	ms := scaled + queueDelay
	result := time.Duration(ms * float64(time.Millisecond))
	if result < MinEstimate {
		result = MinEstimate
	}
	return result, nil
}

func queueDelayMs(pos int) float64 {
	near := pos
	if near > nearPositionSpan {
		near = nearPositionSpan
	}
	far := pos - nearPositionSpan
	if far < 0 {
		far = 0
	}
	return float64(near)*float64(perPositionNear.Milliseconds()) +
		float64(far)*float64(perPositionFar.Milliseconds())
}
