package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"testing"

	"parley/server/internal/blob"
	"parley/server/internal/core"
	"parley/server/internal/store"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func (env *testEnv) uploadAvatar(t *testing.T, token, filename string, data []byte) (*http.Response, avatarResponse) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("avatar", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write multipart bytes: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/users/avatar", &body)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	var out avatarResponse
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode upload response: %v", err)
		}
	}
	return resp, out
}

func TestAvatarUploadAndDownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID, token := env.account(t, "alice")
	live, err := env.hub.Register(ctx, core.Identity{UserID: userID, Username: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	wantBytes := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{7}, 100)...)
	resp, first := env.uploadAvatar(t, token, "me.png", wantBytes)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected %d from upload, got %d", http.StatusCreated, resp.StatusCode)
	}
	if first.ContentType != "image/png" || first.SizeBytes != int64(len(wantBytes)) {
		t.Fatalf("unexpected upload response: %#v", first)
	}

	u, err := env.st.UserByID(ctx, userID)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if u.Avatar != first.Avatar {
		t.Fatalf("stored avatar %q, want %q", u.Avatar, first.Avatar)
	}
	if got, _ := env.hub.Lookup(live.ConnID); got.Avatar != first.Avatar {
		t.Fatalf("live connection avatar %q, want %q", got.Avatar, first.Avatar)
	}

	download, err := http.Get(env.ts.URL + first.Avatar)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer download.Body.Close()
	if download.StatusCode != http.StatusOK || download.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected download response: %d %q", download.StatusCode, download.Header.Get("Content-Type"))
	}
	gotBytes, err := io.ReadAll(download.Body)
	if err != nil {
		t.Fatalf("read downloaded body: %v", err)
	}
	if !bytes.Equal(gotBytes, wantBytes) {
		t.Fatalf("downloaded bytes mismatch")
	}

	// Replacing the avatar drops the previous blob.
	resp, second := env.uploadAvatar(t, token, "new.png", wantBytes)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second upload: %d", resp.StatusCode)
	}
	if second.Avatar == first.Avatar {
		t.Fatal("second upload should get a new id")
	}
	if _, err := env.st.BlobByID(ctx, blob.IDFromURL(first.Avatar)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old avatar should be deleted, got %v", err)
	}
}

func TestAvatarUploadRejections(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.account(t, "alice")

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"not an image", []byte("just some text, definitely not a picture"), http.StatusUnsupportedMediaType},
		{"too large", append(append([]byte{}, pngHeader...), make([]byte, 65*1024)...), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.uploadAvatar(t, token, "x.png", tt.data)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
	if code := env.do(t, http.MethodGet, "/blobs/does-not-exist", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown blob: expected 404, got %d", code)
	}
}
