// Package store keeps processed analysis results so they can be fetched
// again by request id.
package store

import (
	"context"
	"errors"
	"time"

	iface "DendroDetServer/interface"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type Record struct {
	ID          string               `json:"request_id"`
	Filename    string               `json:"filename"`
	FileSize    int64                `json:"file_size"`
	ContentType string               `json:"content_type"`
	Result      iface.AnalysisResult `json:"analysis_result"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Repository persists analysis records. Records are write-once: saving an
// existing id fails with ErrDuplicate.
type Repository interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
}
