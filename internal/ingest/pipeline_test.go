package ingest_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"localphotos/internal/access"
	"localphotos/internal/auth"
	"localphotos/internal/ingest"
	"localphotos/internal/models"
	"localphotos/internal/storage"
	"localphotos/internal/thumbnail"
)

var uploadTime = time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)

type env struct {
	t        *testing.T
	root     string
	db       *storage.DB
	tokens   *auth.TokenService
	pipeline *ingest.Pipeline
	events   *recorder
}

type options struct {
	allowAnon bool
	store     ingest.Store
	files     storage.Files
	thumbs    thumbnail.Generator
}

func newEnv(t *testing.T, opts options) *env {
	t.Helper()
	root := t.TempDir()

	db, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if opts.store == nil {
		opts.store = db
	}
	if opts.files == nil {
		opts.files = storage.OSFiles{}
	}
	if opts.thumbs == nil {
		opts.thumbs = thumbnail.GeneratorFunc(func(ctx context.Context, src []byte, maxDim int) ([]byte, error) {
			return []byte("thumb"), nil
		})
	}

	tokens := auth.NewTokenService([]byte("test-secret"))
	p := ingest.New(zaptest.NewLogger(t), ingest.Config{
		Root:         root,
		ThumbSize:    300,
		ThumbTimeout: time.Second,
		Location:     time.UTC,
	}, opts.store, opts.files, tokens, access.Guard{AllowAnonymousShared: opts.allowAnon}, opts.thumbs)
	p.SetNow(func() time.Time { return uploadTime })

	events := &recorder{}
	p.SetNotifier(events)

	return &env{t: t, root: root, db: db, tokens: tokens, pipeline: p, events: events}
}

func (e *env) bearer(subject string) string {
	token, err := e.tokens.Issue(subject, time.Hour)
	require.NoError(e.t, err)
	return "Bearer " + token
}

// signedToken signs an arbitrary payload with the env secret, bypassing Issue.
func signedToken(payload string) string {
	enc := base64.RawURLEncoding
	input := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, []byte("test-secret"))
	_, _ = mac.Write([]byte(input))
	return input + "." + hex.EncodeToString(mac.Sum(nil))
}

// files lists every regular file under the storage root, relative to it.
func (e *env) files() []string {
	var out []string
	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(e.root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(e.t, err)
	return out
}

func multipartRequest(t *testing.T, filename string, content []byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("note", "ignored"))
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.FormDataContentType(), buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 4))))
	return buf.Bytes()
}

type recorder struct {
	mu      sync.Mutex
	added   []string
	deleted []string
}

func (r *recorder) PhotoAdded(p *models.Photo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, p.ID)
}

func (r *recorder) PhotoDeleted(p *models.Photo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, p.ID)
}

// failingStore fails every insert.
type failingStore struct{ ingest.Store }

func (failingStore) InsertPhoto(context.Context, *models.Photo) error {
	return errors.New("disk full")
}

// failingFiles fails writes of names with the given suffix.
type failingFiles struct {
	storage.Files
	suffix string
}

func (f failingFiles) WriteFile(name string, data []byte, perm os.FileMode) error {
	if strings.HasSuffix(name, f.suffix) {
		return errors.New("read-only file system")
	}
	return f.Files.WriteFile(name, data, perm)
}

func TestUploadPersonal(t *testing.T) {
	e := newEnv(t, options{})
	ctx := context.Background()
	content := pngBytes(t)

	ct, body := multipartRequest(t, "my photo.png", content)
	res, err := e.pipeline.Upload(ctx, ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.NoError(t, err)

	id := res.Photo.ID
	require.Equal(t, "/thumbs/"+id, res.ThumbURL)
	require.Equal(t, "/images/"+id, res.FullURL)
	require.Equal(t, "alice", res.Photo.Owner)
	require.Equal(t, models.ScopePersonal, res.Photo.Scope)
	require.Equal(t, "2024-05-01", res.Photo.Date)
	require.Equal(t, "my_photo.png", res.Photo.OrigFilename)

	require.ElementsMatch(t, []string{
		"img/" + id + ".png",
		"img/" + id + ".thumb.jpg",
		"personal/alice/2024-05-01/" + id + ".json",
	}, e.files())

	stored, err := os.ReadFile(res.Photo.StoragePath)
	require.NoError(t, err)
	require.Equal(t, content, stored)

	sidecar, err := ingest.ReadSidecar(storage.OSFiles{}, res.Photo.MetaPath)
	require.NoError(t, err)
	require.Equal(t, models.Sidecar{
		ID:       id,
		Img:      "img/" + id + ".png",
		Thumb:    "img/" + id + ".thumb.jpg",
		OrigName: "my_photo.png",
		Owner:    "alice",
		Scope:    models.ScopePersonal,
		Time:     "2024-05-01T12:30",
	}, *sidecar)

	row, err := e.db.GetPhoto(ctx, id)
	require.NoError(t, err)
	require.Equal(t, res.Photo.StoragePath, row.StoragePath)
	require.Equal(t, res.Photo.ThumbPath, row.ThumbPath)
	require.True(t, uploadTime.Equal(row.CreatedAt))

	require.Equal(t, []string{id}, e.events.added)
}

func TestUploadJSONShared(t *testing.T) {
	e := newEnv(t, options{allowAnon: true})

	body, err := json.Marshal(map[string]string{
		"filename": "../../etc/passwd.verylongextension",
		"data":     base64.StdEncoding.EncodeToString([]byte("raw bytes")),
	})
	require.NoError(t, err)

	res, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Scope:       "shared",
		ContentType: "application/json",
		Body:        body,
	})
	require.NoError(t, err)

	id := res.Photo.ID
	require.Empty(t, res.Photo.Owner)
	require.Equal(t, ".._.._etc_passwd.verylongextension", res.Photo.OrigFilename)
	require.Equal(t, filepath.Join(e.root, "img", id), res.Photo.StoragePath)
	require.Contains(t, e.files(), "shared/2024-05-01/"+id+".json")
}

func TestUploadDataURL(t *testing.T) {
	e := newEnv(t, options{})

	body, err := json.Marshal(map[string]string{
		"filename": "a.png",
		"data":     "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("xyz")),
	})
	require.NoError(t, err)

	res, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		Body:          body,
	})
	require.NoError(t, err)

	stored, err := os.ReadFile(res.Photo.StoragePath)
	require.NoError(t, err)
	require.Equal(t, []byte("xyz"), stored)
}

func TestUploadRejectedWithoutWrites(t *testing.T) {
	e := newEnv(t, options{})
	ct, body := multipartRequest(t, "a.png", []byte("data"))

	for _, tc := range []struct {
		name  string
		req   ingest.Request
		class *errs.Class
	}{
		{"personal anonymous", ingest.Request{ContentType: ct, Body: body}, &access.ErrAuthRequired},
		{"bad token", ingest.Request{Authorization: "Bearer a.b.c", ContentType: ct, Body: body}, &access.ErrAuthRequired},
		{"not bearer", ingest.Request{Authorization: "Basic abc", ContentType: ct, Body: body}, &access.ErrAuthRequired},
		{"empty subject", ingest.Request{Authorization: "Bearer " + signedToken(`{"sub":"","iat":1,"exp":9999999999}`), ContentType: ct, Body: body}, &access.ErrAuthRequired},
		{"shared anonymous", ingest.Request{Scope: "shared", ContentType: ct, Body: body}, &access.ErrAuthRequired},
		{"bad scope", ingest.Request{Authorization: e.bearer("alice"), Scope: "public", ContentType: ct, Body: body}, &models.ErrBadScope},
		{"no file", ingest.Request{Authorization: e.bearer("alice"), ContentType: "text/plain", Body: []byte("hello")}, &ingest.ErrNoFile},
		{"empty json data", ingest.Request{Authorization: e.bearer("alice"), Body: []byte(`{"filename":"a","data":""}`)}, &ingest.ErrNoFile},
		{"invalid base64", ingest.Request{Authorization: e.bearer("alice"), Body: []byte(`{"filename":"a","data":"!!"}`)}, &ingest.ErrNoFile},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.pipeline.Upload(context.Background(), tc.req)
			require.Error(t, err)
			require.True(t, tc.class.Has(err), "got %v", err)
		})
	}

	require.Empty(t, e.files())
	require.Empty(t, e.events.added)
}

func TestUploadDBFailureRollsBack(t *testing.T) {
	e := newEnv(t, options{store: failingStore{}})

	ct, body := multipartRequest(t, "a.jpg", []byte("data"))
	_, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.Error(t, err)
	require.True(t, ingest.ErrDBFailed.Has(err))

	require.Empty(t, e.files())
	require.Empty(t, e.events.added)
}

func TestUploadMetaFailureRollsBack(t *testing.T) {
	e := newEnv(t, options{files: failingFiles{Files: storage.OSFiles{}, suffix: ".json"}})

	ct, body := multipartRequest(t, "a.jpg", []byte("data"))
	_, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.Error(t, err)
	require.True(t, ingest.ErrMetaWriteFailed.Has(err))
	require.Empty(t, e.files())
}

func TestUploadImageWriteFailure(t *testing.T) {
	e := newEnv(t, options{files: failingFiles{Files: storage.OSFiles{}, suffix: ".jpg"}})

	ct, body := multipartRequest(t, "a.jpg", []byte("data"))
	_, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.Error(t, err)
	require.True(t, ingest.ErrWriteFail.Has(err))
	require.Empty(t, e.files())
}

func TestUploadThumbnailFailureIgnored(t *testing.T) {
	e := newEnv(t, options{thumbs: thumbnail.GeneratorFunc(func(ctx context.Context, src []byte, maxDim int) ([]byte, error) {
		return nil, errors.New("unsupported format")
	})})

	ct, body := multipartRequest(t, "a.heic", []byte("data"))
	res, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.NoError(t, err)
	require.Empty(t, res.Photo.ThumbPath)

	sidecar, err := ingest.ReadSidecar(storage.OSFiles{}, res.Photo.MetaPath)
	require.NoError(t, err)
	require.Empty(t, sidecar.Thumb)
	require.Len(t, e.files(), 2)
}

func TestUploadThumbnailTimeout(t *testing.T) {
	e := newEnv(t, options{thumbs: thumbnail.GeneratorFunc(func(ctx context.Context, src []byte, maxDim int) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})})

	ct, body := multipartRequest(t, "a.png", []byte("data"))
	res, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.NoError(t, err)
	require.Empty(t, res.Photo.ThumbPath)
}

func TestUploadRealThumbnail(t *testing.T) {
	e := newEnv(t, options{thumbs: thumbnail.NewResizer()})

	ct, body := multipartRequest(t, "a.png", pngBytes(t))
	res, err := e.pipeline.Upload(context.Background(), ingest.Request{
		Authorization: e.bearer("alice"),
		ContentType:   ct,
		Body:          body,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Photo.ThumbPath)
	_, err = os.Stat(res.Photo.ThumbPath)
	require.NoError(t, err)
}

func TestUploadDistinctIDs(t *testing.T) {
	e := newEnv(t, options{})
	ct, body := multipartRequest(t, "same.png", []byte("same"))

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, err := e.pipeline.Upload(context.Background(), ingest.Request{
			Authorization: e.bearer("alice"),
			ContentType:   ct,
			Body:          body,
		})
		require.NoError(t, err)
		require.False(t, seen[res.Photo.ID])
		seen[res.Photo.ID] = true
	}
	require.Len(t, e.files(), 15)
}

func TestDelete(t *testing.T) {
	e := newEnv(t, options{allowAnon: true})
	ctx := context.Background()

	upload := func(auth, scope string) *models.Photo {
		ct, body := multipartRequest(t, "a.png", []byte("data"))
		res, err := e.pipeline.Upload(ctx, ingest.Request{Authorization: auth, Scope: scope, ContentType: ct, Body: body})
		require.NoError(t, err)
		return res.Photo
	}

	mine := upload(e.bearer("alice"), "shared")
	orphan := upload("", "shared")

	err := e.pipeline.Delete(ctx, mine.ID, access.Anonymous)
	require.True(t, access.ErrAuthRequired.Has(err))

	err = e.pipeline.Delete(ctx, mine.ID, access.Authenticated("bob"))
	require.True(t, access.ErrForbidden.Has(err))

	err = e.pipeline.Delete(ctx, orphan.ID, access.Authenticated("alice"))
	require.True(t, access.ErrForbiddenAnonymous.Has(err))

	require.Len(t, e.files(), 6)

	require.NoError(t, e.pipeline.Delete(ctx, mine.ID, access.Authenticated("alice")))
	_, err = e.db.GetPhoto(ctx, mine.ID)
	require.True(t, storage.ErrNotFound.Has(err))
	for _, f := range e.files() {
		require.NotContains(t, f, mine.ID)
	}
	require.Len(t, e.files(), 3)
	require.Equal(t, []string{mine.ID}, e.events.deleted)

	err = e.pipeline.Delete(ctx, mine.ID, access.Authenticated("alice"))
	require.True(t, storage.ErrNotFound.Has(err))
}

func TestDeleteMissingFiles(t *testing.T) {
	e := newEnv(t, options{})
	ctx := context.Background()

	ct, body := multipartRequest(t, "a.png", []byte("data"))
	res, err := e.pipeline.Upload(ctx, ingest.Request{Authorization: e.bearer("alice"), ContentType: ct, Body: body})
	require.NoError(t, err)

	require.NoError(t, os.Remove(res.Photo.MetaPath))
	require.NoError(t, os.Remove(res.Photo.StoragePath))

	require.NoError(t, e.pipeline.Delete(ctx, res.Photo.ID, access.Authenticated("alice")))
	require.Empty(t, e.files())
}

func TestSanitizeFilename(t *testing.T) {
	for in, want := range map[string]string{
		"":              "file",
		"photo.jpg":     "photo.jpg",
		"my photo.JPG":  "my_photo.JPG",
		"a/b\\c":        "a_b_c",
		"ü.png":         "__.png",
		"..":            "..",
		"x-y_z.0":       "x-y_z.0",
		"semi;colon":    "semi_colon",
		"quote\"d.jpeg": "quote_d.jpeg",
	} {
		require.Equal(t, want, ingest.SanitizeFilename(in), in)
	}
}

func TestSidecarDir(t *testing.T) {
	require.Equal(t, filepath.Join("personal", "alice", "2024-05-01"), ingest.SidecarDir(models.ScopePersonal, "alice", "2024-05-01"))
	require.Equal(t, filepath.Join("personal", "_", "2024-05-01"), ingest.SidecarDir(models.ScopePersonal, "..", "2024-05-01"))
	require.Equal(t, filepath.Join("personal", "a_b", "2024-05-01"), ingest.SidecarDir(models.ScopePersonal, "a/b", "2024-05-01"))
	require.Equal(t, filepath.Join("shared", "2024-05-01"), ingest.SidecarDir(models.ScopeShared, "alice", "2024-05-01"))
}
