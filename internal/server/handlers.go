package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"localphotos/internal/access"
	"localphotos/internal/auth"
	"localphotos/internal/blocks"
	"localphotos/internal/ingest"
	"localphotos/internal/models"
	"localphotos/internal/storage"
	"localphotos/internal/websocket"
)

const minuteLayout = "2006-01-02T15:04"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

type uploadResponse struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	ThumbURL string `json:"thumbUrl"`
	FullURL  string `json:"fullUrl"`
}

type photoResponse struct {
	ID       string       `json:"id"`
	FullURL  string       `json:"fullUrl"`
	ThumbURL string       `json:"thumbUrl"`
	Owner    string       `json:"owner"`
	Scope    models.Scope `json:"scope"`
	Time     string       `json:"time,omitempty"`
	OrigName string       `json:"origName,omitempty"`
	Taken    string       `json:"taken,omitempty"`
}

func (app *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		app.errorResponse(w, errBadRequest.Wrap(err))
		return
	}
	if req.Username == "" || req.Password == "" {
		app.errorResponse(w, errMissing.New("username or password"))
		return
	}

	cred, err := app.db.GetUser(r.Context(), req.Username)
	if err != nil {
		if storage.ErrNotFound.Has(err) {
			err = errInvalid.New("unknown user")
		}
		app.errorResponse(w, err)
		return
	}

	ok, err := auth.VerifyPassword(cred.PasswordHash, req.Password)
	if err != nil {
		app.log.Warn("unreadable password hash", zap.String("user", req.Username), zap.Error(err))
	}
	if !ok {
		app.errorResponse(w, errInvalid.New("password"))
		return
	}

	token, err := app.tokens.Issue(req.Username, app.cfg.TokenTTL)
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	app.log.Info("login", zap.String("user", req.Username))
	app.jsonResponse(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int64(app.cfg.TokenTTL.Seconds()),
	})
}

func (app *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, app.cfg.MaxUploadBytes()))
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	res, err := app.pipeline.Upload(r.Context(), ingest.Request{
		Authorization: r.Header.Get("Authorization"),
		Scope:         r.URL.Query().Get("scope"),
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	})
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.jsonResponse(w, http.StatusOK, uploadResponse{
		Status:   "ok",
		ID:       res.Photo.ID,
		ThumbURL: res.ThumbURL,
		FullURL:  res.FullURL,
	})
}

func (app *App) handleBlocks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	scope := models.ScopeShared
	if s := query.Get("scope"); s != "" {
		parsed, err := models.ParseScope(s)
		if err != nil {
			app.errorResponse(w, err)
			return
		}
		scope = parsed
	}

	start, err := intParam(query.Get("start"), 0)
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	count, err := intParam(query.Get("count"), blocks.DefaultCount)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	caller, token, err := app.readCaller(r)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	list, err := app.blocks.Build(r.Context(), blocks.Query{
		Scope:  scope,
		Caller: caller,
		Token:  token,
		Offset: start,
		Count:  count,
	})
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	app.jsonResponse(w, http.StatusOK, list)
}

func (app *App) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	photo, ok := app.readablePhoto(w, r)
	if !ok {
		return
	}

	out := photoResponse{
		ID:       photo.ID,
		FullURL:  photo.FullURL(),
		ThumbURL: photo.ThumbURL(),
		Owner:    photo.Owner,
		Scope:    photo.Scope,
	}
	if sidecar, err := ingest.ReadSidecar(app.files, photo.MetaPath); err == nil {
		out.Time = sidecar.Time
		out.OrigName = sidecar.OrigName
		out.Taken = sidecar.Taken
	} else {
		app.log.Debug("sidecar unavailable", zap.String("id", photo.ID), zap.Error(err))
	}
	// older sidecars lack time; the image mtime stands in without rewriting them
	if out.Time == "" {
		if info, err := app.files.Stat(photo.StoragePath); err == nil {
			out.Time = info.ModTime().In(app.location).Format(minuteLayout)
		}
	}

	app.jsonResponse(w, http.StatusOK, out)
}

func (app *App) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := app.pipeline.Delete(r.Context(), id, app.headerCaller(r)); err != nil {
		app.errorResponse(w, err)
		return
	}
	app.jsonResponse(w, http.StatusOK, statusOK)
}

func (app *App) handleThumb(w http.ResponseWriter, r *http.Request) {
	photo, ok := app.readablePhoto(w, r)
	if !ok {
		return
	}
	app.serveFile(w, photo.Scope, photo.ThumbPath, photo.StoragePath)
}

func (app *App) handleImage(w http.ResponseWriter, r *http.Request) {
	photo, ok := app.readablePhoto(w, r)
	if !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data: blob:;")
	app.serveFile(w, photo.Scope, photo.StoragePath, photo.ThumbPath)
}

// readablePhoto loads the photo named by the route and checks that the
// caller may read it. A personal photo without a valid caller is reported
// as forbidden, not as needing authentication.
func (app *App) readablePhoto(w http.ResponseWriter, r *http.Request) (*models.Photo, bool) {
	photo, err := app.db.GetPhoto(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		app.errorResponse(w, err)
		return nil, false
	}

	caller, _, err := app.readCaller(r)
	if err != nil {
		app.errorResponse(w, err)
		return nil, false
	}
	if err := app.guard.CanRead(access.ResourceOf(photo), caller); err != nil {
		if access.ErrAuthRequired.Has(err) {
			err = access.ErrForbidden.New("no valid caller")
		}
		app.errorResponse(w, err)
		return nil, false
	}
	return photo, true
}

// serveFile writes the first readable of paths.
func (app *App) serveFile(w http.ResponseWriter, scope models.Scope, paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := app.files.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) == 0 {
			app.errorResponse(w, Error.New("empty file %s", path))
			return
		}

		w.Header().Set("Content-Type", mimeType(path))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if scope == models.ScopePersonal {
			w.Header().Set("Cache-Control", "private, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		_, _ = w.Write(data)
		return
	}
	app.errorResponse(w, storage.ErrNotFound.New("photo file"))
}

func (app *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	scope := models.ScopeShared
	if s := r.URL.Query().Get("scope"); s != "" {
		parsed, err := models.ParseScope(s)
		if err != nil {
			app.errorResponse(w, err)
			return
		}
		scope = parsed
	}

	caller, _, err := app.readCaller(r)
	if err != nil {
		app.errorResponse(w, err)
		return
	}
	if scope == models.ScopePersonal && !caller.Authenticated {
		app.errorResponse(w, access.ErrAuthRequired.New("personal feed"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		app.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	app.hub.Serve(conn, websocket.Room(scope, caller.Subject))
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errBadRequest.New("%q is not a number", s)
	}
	return n, nil
}

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"svg":  "image/svg+xml",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
}

func mimeType(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if typ, ok := mimeTypes[ext]; ok {
		return typ
	}
	return "application/octet-stream"
}
