package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// BlobMetadata describes a binary blob kept on disk.
type BlobMetadata struct {
	ID           string
	Kind         string
	OwnerID      int64
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// CreateBlob inserts one blob metadata row.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	switch {
	case strings.TrimSpace(meta.ID) == "":
		return fmt.Errorf("blob id is required")
	case strings.TrimSpace(meta.Kind) == "":
		return fmt.Errorf("blob kind is required")
	case strings.TrimSpace(meta.ContentType) == "":
		return fmt.Errorf("blob content type is required")
	case strings.TrimSpace(meta.DiskName) == "":
		return fmt.Errorf("blob disk name is required")
	case meta.SizeBytes < 0:
		return fmt.Errorf("blob size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs (id, kind, owner_id, original_name, content_type, disk_name, size_bytes, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Kind, meta.OwnerID, meta.OriginalName, meta.ContentType,
		meta.DiskName, meta.SizeBytes, meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("blob %s: %w", meta.ID, ErrConflict)
		}
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	slog.Debug("blob metadata created", "blob_id", meta.ID, "kind", meta.Kind, "size", meta.SizeBytes)
	return nil
}

// BlobByID returns blob metadata by id.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return BlobMetadata{}, fmt.Errorf("blob id is required")
	}

	var (
		meta    BlobMetadata
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, kind, owner_id, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
FROM blobs WHERE id = ?`, id).Scan(
		&meta.ID, &meta.Kind, &meta.OwnerID, &meta.OriginalName, &meta.ContentType,
		&meta.DiskName, &meta.SizeBytes, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMetadata{}, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(created).UTC()
	return meta, nil
}

// DeleteBlob removes a blob metadata row.
func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete blob metadata: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("blob %s: %w", id, err)
	}
	return nil
}
