// Package blob keeps uploaded bytes (avatars) on disk under opaque UUID names,
// with metadata rows in the SQLite store.
package blob

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/server/internal/store"
)

// KindAvatar marks profile pictures.
const KindAvatar = "avatar"

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("blob too large")
	// ErrUnsupportedType is returned when an upload's sniffed type is not allowed
	// for its kind.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// Store coordinates blob bytes on disk with metadata in SQLite.
type Store struct {
	rootDir  string
	meta     *store.Store
	maxBytes int64
}

// PutInput describes one upload.
type PutInput struct {
	Kind         string
	OwnerID      int64
	OriginalName string
	Reader       io.Reader
}

// OpenResult is blob metadata plus its opened file.
type OpenResult struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore creates a blob store rooted at rootDir. maxBytes <= 0 disables the
// size limit.
func NewStore(rootDir string, meta *store.Store, maxBytes int64) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir, "max_bytes", maxBytes)
	return &Store{rootDir: rootDir, meta: meta, maxBytes: maxBytes}, nil
}

// Put streams the upload to a temp file, sniffs its content type, moves it
// into place and records metadata. Avatars must sniff as image/*.
func (s *Store) Put(ctx context.Context, in PutInput) (store.BlobMetadata, error) {
	if in.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("blob reader is required")
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		kind = KindAvatar
	}

	br := bufio.NewReaderSize(in.Reader, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return store.BlobMetadata{}, fmt.Errorf("read blob header: %w", err)
	}
	contentType := http.DetectContentType(head)
	if kind == KindAvatar && !strings.HasPrefix(contentType, "image/") {
		return store.BlobMetadata{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	var src io.Reader = br
	if s.maxBytes > 0 {
		src = io.LimitReader(br, s.maxBytes+1)
	}

	id := uuid.NewString()
	tmp, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return store.BlobMetadata{}, fmt.Errorf("create temp blob file: %w", err)
	}
	tmpPath := tmp.Name()

	size, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(tmpPath)
		return store.BlobMetadata{}, fmt.Errorf("write blob bytes: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(tmpPath)
		return store.BlobMetadata{}, fmt.Errorf("close blob file: %w", closeErr)
	case s.maxBytes > 0 && size > s.maxBytes:
		_ = os.Remove(tmpPath)
		return store.BlobMetadata{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return store.BlobMetadata{}, fmt.Errorf("move blob into place: %w", err)
	}

	meta := store.BlobMetadata{
		ID:           id,
		Kind:         kind,
		OwnerID:      in.OwnerID,
		OriginalName: filepath.Base(strings.TrimSpace(in.OriginalName)),
		ContentType:  contentType,
		DiskName:     id,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.meta.CreateBlob(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.BlobMetadata{}, fmt.Errorf("persist blob metadata: %w", err)
	}

	slog.Info("blob stored", "blob_id", id, "kind", kind, "owner_id", in.OwnerID, "size", size, "content_type", contentType)
	return meta, nil
}

// Open resolves metadata and opens the blob file. The caller closes File.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}
	path := filepath.Join(s.rootDir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("blob file open failed", "blob_id", id, "path", path, "err", err)
		return OpenResult{}, fmt.Errorf("open blob file: %w", err)
	}
	return OpenResult{Metadata: meta, File: f}, nil
}

// Delete removes the metadata row and the file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteBlob(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.rootDir, meta.DiskName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob file: %w", err)
	}
	slog.Debug("blob deleted", "blob_id", id)
	return nil
}

// URL is the path clients fetch the blob from.
func URL(id string) string {
	return "/blobs/" + id
}

// IDFromURL extracts the blob id from a URL produced by URL. It returns ""
// for anything else, such as external avatar links.
func IDFromURL(u string) string {
	id, ok := strings.CutPrefix(u, "/blobs/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
