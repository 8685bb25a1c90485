// Package server exposes the photo service over HTTP.
package server

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"localphotos/internal/access"
	"localphotos/internal/auth"
	"localphotos/internal/blocks"
	"localphotos/internal/config"
	"localphotos/internal/ingest"
	"localphotos/internal/storage"
	"localphotos/internal/thumbnail"
	"localphotos/internal/websocket"
)

// Error is the default error class for the server package.
var Error = errs.Class("server")

// storage layout below the root
var layoutDirs = []string{"img", "shared", "personal", "thumbs"}

// WebSocket upgrader
var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed carries no more than /api/blocks does
	},
}

// App is the application state shared by all handlers.
type App struct {
	log    *zap.Logger
	cfg    *config.Config
	db     *storage.DB
	files  storage.Files
	tokens *auth.TokenService
	guard  access.Guard

	location *time.Location
	pipeline *ingest.Pipeline
	blocks   *blocks.Builder
	hub      *websocket.Hub
	limiter  *ipLimiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApp creates the storage layout under cfg.StorageRoot and wires the
// handlers. The live feed runs until Close is called.
func NewApp(log *zap.Logger, cfg *config.Config, db *storage.DB, tokens *auth.TokenService) (*App, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	files := storage.OSFiles{}
	for _, dir := range append([]string{""}, layoutDirs...) {
		if err := files.MkdirAll(filepath.Join(cfg.StorageRoot, dir), 0o750); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	app := &App{
		log:      log,
		cfg:      cfg,
		db:       db,
		files:    files,
		tokens:   tokens,
		guard:    access.Guard{AllowAnonymousShared: cfg.AllowAnonymousShared},
		location: location,
		blocks:   blocks.NewBuilder(db),
		hub:      websocket.NewHub(log.Named("feed")),
		done:     make(chan struct{}),
	}
	if cfg.QueryTokenPerMinute > 0 {
		app.limiter = newIPLimiter(cfg.QueryTokenPerMinute)
	}

	app.pipeline = ingest.New(log.Named("ingest"), ingest.Config{
		Root:         cfg.StorageRoot,
		ThumbSize:    cfg.ThumbnailSize,
		ThumbTimeout: cfg.ThumbnailTimeout,
		Location:     location,
	}, db, files, tokens, app.guard, thumbnail.NewResizer())
	app.pipeline.SetNotifier(app.hub)

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	go func() {
		defer close(app.done)
		app.hub.Run(ctx)
	}()

	return app, nil
}

// Close stops the live feed and disconnects its subscribers.
func (app *App) Close() {
	app.cancel()
	<-app.done
}

// Handler returns the routes of the service.
func (app *App) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", app.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/upload", app.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/blocks", app.handleBlocks).Methods(http.MethodGet)
	api.HandleFunc("/photo/{id}", app.handleGetPhoto).Methods(http.MethodGet)
	api.HandleFunc("/photo/{id}", app.handleDeletePhoto).Methods(http.MethodDelete)

	router.HandleFunc("/thumbs/{id}", app.handleThumb).Methods(http.MethodGet)
	router.HandleFunc("/images/{id}", app.handleImage).Methods(http.MethodGet)
	router.HandleFunc("/ws", app.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)

	if app.cfg.WebRoot != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(app.cfg.WebRoot)))
	}

	return cors(app.logRequests(router))
}
