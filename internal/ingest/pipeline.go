// Package ingest stores uploaded photos and deletes them again, keeping the
// image, thumbnail, sidecar and database row consistent.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"localphotos/internal/access"
	"localphotos/internal/auth"
	"localphotos/internal/models"
	"localphotos/internal/multipart"
	"localphotos/internal/storage"
	"localphotos/internal/thumbnail"
)

var (
	// Error is the default error class for the ingest package.
	Error = errs.Class("ingest")

	// ErrNoFile is returned when the body carries neither a multipart file nor
	// a JSON base64 payload.
	ErrNoFile = errs.Class("no file")
	// ErrWriteFail is returned when the image cannot be written.
	ErrWriteFail = errs.Class("write fail")
	// ErrMetaWriteFailed is returned when the sidecar cannot be written.
	ErrMetaWriteFailed = errs.Class("meta write failed")
	// ErrDBFailed is returned when the photo row cannot be inserted.
	ErrDBFailed = errs.Class("db failed")
	// ErrDeleteFailed is returned when the photo row cannot be deleted.
	ErrDeleteFailed = errs.Class("db delete failed")
)

const (
	filePerm = 0o640
	dirPerm  = 0o750

	dateLayout   = "2006-01-02"
	minuteLayout = "2006-01-02T15:04"
	takenLayout  = "2006-01-02T15:04:05"

	maxExtLen = 8
)

// Store is the photo table as the pipeline uses it.
type Store interface {
	InsertPhoto(ctx context.Context, p *models.Photo) error
	GetPhoto(ctx context.Context, id string) (*models.Photo, error)
	DeletePhoto(ctx context.Context, id string) error
}

// Verifier resolves a bearer token to its subject.
type Verifier interface {
	Verify(token string) (string, error)
}

// Notifier is told about photos that were added or removed.
type Notifier interface {
	PhotoAdded(p *models.Photo)
	PhotoDeleted(p *models.Photo)
}

// Config configures a Pipeline.
type Config struct {
	Root         string
	ThumbSize    int // <= 0 disables thumbnails
	ThumbTimeout time.Duration
	Location     *time.Location
}

// Pipeline runs uploads and deletes.
type Pipeline struct {
	log    *zap.Logger
	config Config

	store  Store
	files  storage.Files
	tokens Verifier
	guard  access.Guard
	thumbs thumbnail.Generator
	notify Notifier

	nowFn func() time.Time
	newID func() string
}

// New returns a Pipeline. thumbs may be nil to disable thumbnails.
func New(log *zap.Logger, config Config, store Store, files storage.Files, tokens Verifier, guard access.Guard, thumbs thumbnail.Generator) *Pipeline {
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Pipeline{
		log:    log,
		config: config,
		store:  store,
		files:  files,
		tokens: tokens,
		guard:  guard,
		thumbs: thumbs,
		nowFn:  time.Now,
		newID:  uuid.NewString,
	}
}

// SetNotifier registers n for photo events.
func (p *Pipeline) SetNotifier(n Notifier) { p.notify = n }

// SetNow overrides the clock; tests only.
func (p *Pipeline) SetNow(now func() time.Time) { p.nowFn = now }

// Request is an upload as received over HTTP.
type Request struct {
	Authorization string // raw Authorization header, may be empty
	Scope         string // empty means personal
	ContentType   string
	Body          []byte
}

// Result describes a stored photo.
type Result struct {
	Photo    *models.Photo
	ThumbURL string
	FullURL  string
}

// Upload authenticates, authorizes and decodes req, then writes the image,
// thumbnail, sidecar and database row in that order. When the sidecar or the
// row fails, the files written before are removed again.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*Result, error) {
	caller := p.authenticate(req.Authorization)

	if req.Scope == "" {
		req.Scope = string(models.ScopePersonal)
	}
	scope, err := models.ParseScope(req.Scope)
	if err != nil {
		return nil, err
	}
	owner, err := p.guard.CanUpload(scope, caller)
	if err != nil {
		return nil, err
	}

	filename, data, err := decodeFile(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}

	now := p.nowFn().In(p.config.Location)
	photo := &models.Photo{
		ID:           p.newID(),
		Owner:        owner,
		Scope:        scope,
		Date:         now.Format(dateLayout),
		OrigFilename: SanitizeFilename(filename),
		CreatedAt:    now,
	}
	log := p.log.With(zap.String("id", photo.ID), zap.String("scope", string(scope)))

	imgName := photo.ID
	if ext := extension(photo.OrigFilename); ext != "" {
		imgName += "." + ext
	}
	imgDir := filepath.Join(p.config.Root, "img")
	photo.StoragePath = filepath.Join(imgDir, imgName)

	if err := p.files.MkdirAll(imgDir, dirPerm); err != nil {
		log.Error("create image directory", zap.Error(err))
		return nil, ErrWriteFail.Wrap(err)
	}
	if err := p.files.WriteFile(photo.StoragePath, data, filePerm); err != nil {
		log.Error("write image", zap.Error(err))
		return nil, ErrWriteFail.Wrap(err)
	}

	undo := &rollback{log: log}
	undo.push("image", p.remover(photo.StoragePath))

	thumbName := photo.ID + ".thumb.jpg"
	if p.writeThumbnail(ctx, log, filepath.Join(imgDir, thumbName), data) {
		photo.ThumbPath = filepath.Join(imgDir, thumbName)
		undo.push("thumbnail", p.remover(photo.ThumbPath))
	}

	sidecar := models.Sidecar{
		ID:       photo.ID,
		Img:      "img/" + imgName,
		OrigName: photo.OrigFilename,
		Owner:    owner,
		Scope:    scope,
		Time:     now.Format(minuteLayout),
	}
	if photo.ThumbPath != "" {
		sidecar.Thumb = "img/" + thumbName
	}
	if taken, ok := thumbnail.TakenAt(data); ok {
		sidecar.Taken = taken.Format(takenLayout)
	}

	metaDir := filepath.Join(p.config.Root, SidecarDir(scope, owner, photo.Date))
	photo.MetaPath = filepath.Join(metaDir, photo.ID+".json")
	if err := p.writeSidecar(metaDir, photo.MetaPath, sidecar); err != nil {
		log.Error("write sidecar", zap.Error(err))
		undo.run(err)
		return nil, ErrMetaWriteFailed.Wrap(err)
	}
	undo.push("sidecar", p.remover(photo.MetaPath))

	if err := p.store.InsertPhoto(ctx, photo); err != nil {
		log.Error("insert photo", zap.Error(err))
		undo.run(err)
		return nil, ErrDBFailed.Wrap(err)
	}

	log.Info("photo stored", zap.String("owner", owner), zap.Bool("thumbnail", photo.ThumbPath != ""))
	if p.notify != nil {
		p.notify.PhotoAdded(photo)
	}
	return &Result{Photo: photo, ThumbURL: photo.ThumbURL(), FullURL: photo.FullURL()}, nil
}

// Delete removes the photo row and then its files. Files that cannot be
// removed are logged and left behind.
func (p *Pipeline) Delete(ctx context.Context, id string, caller access.Caller) error {
	photo, err := p.store.GetPhoto(ctx, id)
	if err != nil {
		return err
	}
	if err := p.guard.CanDelete(access.ResourceOf(photo), caller); err != nil {
		return err
	}

	paths := p.artifactPaths(photo)

	if err := p.store.DeletePhoto(ctx, id); err != nil {
		if storage.ErrNotFound.Has(err) {
			return err
		}
		p.log.Error("delete photo row", zap.String("id", id), zap.Error(err))
		return ErrDeleteFailed.Wrap(err)
	}

	var group errs.Group
	for _, path := range paths {
		group.Add(storage.RemoveIfExists(p.files, path))
	}
	if err := group.Err(); err != nil {
		p.log.Warn("photo files left behind", zap.String("id", id), zap.Error(err))
	}

	p.log.Info("photo deleted", zap.String("id", id), zap.String("owner", photo.Owner))
	if p.notify != nil {
		p.notify.PhotoDeleted(photo)
	}
	return nil
}

func (p *Pipeline) authenticate(header string) access.Caller {
	token, ok := auth.BearerToken(header)
	if !ok {
		return access.Anonymous
	}
	subject, err := p.tokens.Verify(token)
	if err != nil {
		p.log.Debug("rejected bearer token", zap.Error(err))
		return access.Anonymous
	}
	return access.Authenticated(subject)
}

// writeThumbnail renders and stores the thumbnail. Failures are logged and
// reported as false; they never fail the upload.
func (p *Pipeline) writeThumbnail(ctx context.Context, log *zap.Logger, path string, src []byte) bool {
	if p.thumbs == nil || p.config.ThumbSize <= 0 {
		return false
	}
	if p.config.ThumbTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ThumbTimeout)
		defer cancel()
	}

	data, err := p.thumbs.Generate(ctx, src, p.config.ThumbSize)
	if err != nil {
		log.Warn("thumbnail generation failed", zap.Error(err))
		return false
	}
	if err := p.files.WriteFile(path, data, filePerm); err != nil {
		log.Warn("thumbnail write failed", zap.Error(err))
		return false
	}
	return true
}

func (p *Pipeline) writeSidecar(dir, path string, sidecar models.Sidecar) error {
	data, err := json.Marshal(sidecar)
	if err != nil {
		return err
	}
	if err := p.files.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	return p.files.WriteFile(path, data, filePerm)
}

func (p *Pipeline) remover(path string) func() error {
	return func() error { return storage.RemoveIfExists(p.files, path) }
}

// artifactPaths lists the files of photo: those named by its sidecar, when
// readable, followed by those named by the row, with the sidecar last.
func (p *Pipeline) artifactPaths(photo *models.Photo) []string {
	var paths []string
	seen := map[string]bool{}
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}

	if sidecar, err := ReadSidecar(p.files, photo.MetaPath); err == nil {
		for _, rel := range []string{sidecar.Img, sidecar.Thumb} {
			if path, ok := p.underRoot(rel); ok {
				add(path)
			}
		}
	}
	add(photo.StoragePath)
	add(photo.ThumbPath)
	add(photo.MetaPath)
	return paths
}

// underRoot resolves a sidecar-relative path, refusing anything outside Root.
func (p *Pipeline) underRoot(rel string) (string, bool) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", false
	}
	path := filepath.Join(p.config.Root, rel)
	r, err := filepath.Rel(p.config.Root, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// ReadSidecar loads the sidecar at path.
func ReadSidecar(files storage.Files, path string) (*models.Sidecar, error) {
	if path == "" {
		return nil, Error.New("no sidecar")
	}
	data, err := files.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var sidecar models.Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, Error.Wrap(err)
	}
	return &sidecar, nil
}

// SidecarDir is the directory, relative to the storage root, that holds the
// sidecars of one owner and date.
func SidecarDir(scope models.Scope, owner, date string) string {
	if scope == models.ScopePersonal {
		return filepath.Join("personal", pathComponent(owner), date)
	}
	return filepath.Join("shared", date)
}

// SanitizeFilename replaces every byte outside [A-Za-z0-9._-] with '_'.
func SanitizeFilename(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}

func pathComponent(s string) string {
	s = SanitizeFilename(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// extension returns the part after the last dot, dropped when longer than
// maxExtLen.
func extension(name string) string {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return ""
	}
	ext := name[dot+1:]
	if len(ext) > maxExtLen {
		return ""
	}
	return ext
}

// decodeFile takes the file from a multipart body, falling back to a JSON
// body of the form {"filename": ..., "data": <base64>}.
func decodeFile(contentType string, body []byte) (string, []byte, error) {
	if part, ok := multipart.ExtractFile(contentType, body); ok && len(part.Data) > 0 {
		return part.FileName, part.Data, nil
	}

	var payload struct {
		Filename *string `json:"filename"`
		Data     *string `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Filename == nil || payload.Data == nil {
		return "", nil, ErrNoFile.New("no multipart file and no JSON payload")
	}

	encoded := *payload.Data
	if strings.HasPrefix(encoded, "data:") {
		if comma := strings.IndexByte(encoded, ','); comma >= 0 {
			encoded = encoded[comma+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return "", nil, ErrNoFile.New("empty or invalid base64 data")
	}
	return *payload.Filename, data, nil
}
