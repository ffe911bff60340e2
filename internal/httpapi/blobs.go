package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"parley/server/internal/blob"
	"parley/server/internal/core"
	"parley/server/internal/store"

	"github.com/labstack/echo/v4"
)

type avatarResponse struct {
	Avatar      string `json:"avatar"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// handleAvatarUpload stores the image, points the caller's profile at it,
// pushes the change to their live connections and drops the previous
// uploaded avatar.
func (s *Server) handleAvatarUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"avatar\" is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	ctx := c.Request().Context()
	userID := claimsOf(c).UserID
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return storeError(err, "user")
	}

	meta, err := s.blobs.Put(ctx, blob.PutInput{
		Kind:         blob.KindAvatar,
		OwnerID:      userID,
		OriginalName: fileHeader.Filename,
		Reader:       src,
	})
	switch {
	case errors.Is(err, blob.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "avatar is too large")
	case errors.Is(err, blob.ErrUnsupportedType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "avatar must be an image")
	case err != nil:
		slog.Error("avatar persist failed", "user_id", userID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store avatar")
	}

	url := blob.URL(meta.ID)
	if err := s.store.SetAvatar(ctx, userID, url); err != nil {
		_ = s.blobs.Delete(ctx, meta.ID)
		return storeError(err, "user")
	}
	s.hub.UpdateProfile(userID, core.ProfileUpdate{Avatar: &url})

	if old := blob.IDFromURL(user.Avatar); old != "" && old != meta.ID {
		if err := s.blobs.Delete(ctx, old); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("old avatar cleanup failed", "blob_id", old, "err", err)
		}
	}

	return c.JSON(http.StatusCreated, avatarResponse{
		Avatar:      url,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob id is required")
	}

	result, err := s.blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open blob: %v", err))
	}
	defer result.File.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, result.Metadata.ContentType)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf(`inline; filename="%s"`, safeFilename(result.Metadata.OriginalName)))
	// Blob ids are never reused.
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
