package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "DendroDetServer/interface"
)

func sampleRecord(id string) Record {
	return Record{
		ID:          id,
		Filename:    "forest.jpg",
		FileSize:    2048,
		ContentType: "image/jpeg",
		Result: iface.AnalysisResult{
			InferenceEnabled: true,
			Detections: []iface.Detection{
				iface.NewDetection(1, 0, "tree", 0.9, iface.BoundingBox{X1: 1, Y1: 2, X2: 3, Y2: 4}),
			},
		},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryRepositorySaveGet(t *testing.T) {
	repo := NewMemoryRepository(0)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleRecord("a")))
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("a"), got)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryEvictsOldest(t *testing.T) {
	repo := NewMemoryRepository(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Save(ctx, sampleRecord(id)))
	}
	assert.Equal(t, 2, repo.Len())
	_, err := repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryRepositoryRejectsDuplicate(t *testing.T) {
	repo := NewMemoryRepository(2)
	ctx := context.Background()
	rec := sampleRecord("a")
	require.NoError(t, repo.Save(ctx, rec))
	rec.Filename = "other.png"
	assert.ErrorIs(t, repo.Save(ctx, rec), ErrDuplicate)
	require.NoError(t, repo.Save(ctx, sampleRecord("b")))

	assert.Equal(t, 2, repo.Len())
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "forest.jpg", got.Filename)
}

func TestMemoryRepositoryConcurrent(t *testing.T) {
	repo := NewMemoryRepository(50)
	ctx := context.Background()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("%d-%d", i, j)
				_ = repo.Save(ctx, sampleRecord(id))
				_, _ = repo.Get(ctx, id)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 50, repo.Len())
}

// Runs against a real database when TEST_DATABASE_URL is set.
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	repo, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.EnsureSchema(ctx))

	id := uuid.NewString()
	rec := sampleRecord(id)
	require.NoError(t, repo.Save(ctx, rec))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, rec.Result.Detections[0].ClassName, got.Result.Detections[0].ClassName)

	dup := rec
	dup.Filename = "other.png"
	assert.ErrorIs(t, repo.Save(ctx, dup), ErrDuplicate)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
