package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Daskott/safeguard/server/account"
	"github.com/Daskott/safeguard/server/alert"
	"github.com/Daskott/safeguard/server/auth/key"
	"github.com/Daskott/safeguard/server/gstorage"
	"github.com/Daskott/safeguard/server/heatmap"
	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/server/surface"
	"github.com/Daskott/safeguard/server/work"
	"github.com/Daskott/safeguard/shared"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const heatmapTTL = 10 * time.Minute

var logg = logger.Component(logger.NewLogger(), "server", logger.Green)

// App holds everything the HTTP API needs for one process.
type App struct {
	config shared.ServerConfig

	store    *store.Store
	redis    *redis.Client
	keyPair  *key.KeyPair
	accounts *account.Service
	alerts   *alert.Manager
	devices  *source.Devices
	tracker  *source.Tracker
	heatmaps *heatmap.Cache
	workers  *work.WorkerPoolAdapter
	storage  *gstorage.GStorage
	upgrader websocket.Upgrader

	mu         sync.Mutex
	dashboards map[string]*surface.Dashboard
}

// NewApp opens the configured backends and wires the services on top of them.
// config.Store.DataDir must already be set when the sqlite driver is used.
func NewApp(ctx context.Context, config shared.ServerConfig) (*App, error) {
	app := &App{
		config:     config,
		workers:    work.NewWorkerAdapter(config.Safeguard.Cron.TimeZone),
		heatmaps:   heatmap.NewCache(heatmap.NewGenerator(time.Now().UnixNano()), heatmapTTL),
		dashboards: make(map[string]*surface.Dashboard),
	}

	var err error
	if app.keyPair, err = loadKeyPair(config.Safeguard.PrivateKeyPem); err != nil {
		return nil, err
	}

	storageCfg := config.Google.Storage
	if storageCfg.EnableSqliteBackup || storageCfg.EnableChunkUpload {
		app.storage, err = gstorage.NewGStorage(ctx, config.Google.ApplicationCredentials, storageCfg.Bucket, storageCfg.Prefix)
		if err != nil {
			return nil, err
		}
		if err := registerJobHandlers(app.workers, app.storage, config.Store.DataDir); err != nil {
			return nil, err
		}
	}

	if storageCfg.EnableSqliteBackup && storeDriver(config) == "sqlite" {
		if err := restoreSqliteDb(ctx, app.storage, config.Store.DataDir); err != nil {
			return nil, fmt.Errorf("restoring sqlite db: %v", err)
		}
		if err := enqueueJobs(app.workers, storageCfg.SqliteBackupSchedule); err != nil {
			return nil, err
		}
	}

	kv, err := app.openKV()
	if err != nil {
		return nil, err
	}

	bus, err := app.openNotifier()
	if err != nil {
		kv.Close()
		return nil, err
	}

	app.store = store.New(kv, bus)
	app.accounts = account.NewService(app.store)

	var archive source.ChunkArchive = source.LocalArchive{Dir: archiveDir(config)}
	if storageCfg.EnableChunkUpload {
		archive = queuedArchive{local: source.LocalArchive{Dir: archiveDir(config)}, workers: app.workers}
	}
	app.devices = source.NewDevices(app.store, archive)

	audio, err := source.NewAudioSource(config.Sources.Audio, config.Sources.AudioInterval, app.devices)
	if err != nil {
		app.store.Close()
		return nil, err
	}

	location, err := source.NewLocationSource(config.Sources.Location, config.Sources.LocationInterval, app.devices)
	if err != nil {
		app.store.Close()
		return nil, err
	}

	app.tracker = source.NewTracker(app.store.ForContext(notifier.NewContextID()), location)
	app.alerts = alert.NewManager(app.store, audio)

	return app, nil
}

// Run starts background work and resumes alerts left active by a previous run.
func (app *App) Run(ctx context.Context) error {
	if err := app.workers.Start(); err != nil {
		return err
	}
	return app.alerts.Resume(ctx)
}

func (app *App) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", app.health).Methods("GET")
	router.HandleFunc("/.well-known/jwks.json", app.jwks).Methods("GET")

	devices := router.PathPrefix("/devices/{code}").Subrouter()
	devices.Use(jsonContentMiddleware)
	devices.HandleFunc("/location", app.pushDeviceLocation).Methods("POST")
	devices.HandleFunc("/audio", app.pushDeviceAudio).Methods("POST")

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(app.initialContextMiddleware, protectedRouteMiddleware)
	ws.HandleFunc("", app.streamChanges).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentMiddleware, app.initialContextMiddleware)
	api.HandleFunc("/users", app.register).Methods("POST")
	api.HandleFunc("/sessions", app.login).Methods("POST")

	protected := api.NewRoute().Subrouter()
	protected.Use(protectedRouteMiddleware)
	protected.HandleFunc("/sessions", app.logout).Methods("DELETE")
	protected.HandleFunc("/users/me", app.currentUser).Methods("GET")
	protected.HandleFunc("/users/me", app.updateProfile).Methods("PUT")
	protected.HandleFunc("/users/me/bracelet", app.selectBracelet).Methods("PUT")
	protected.HandleFunc("/users/me/bracelet/verify", app.verifyBracelet).Methods("POST")
	protected.HandleFunc("/users/search", app.searchUsers).Methods("GET")
	protected.HandleFunc("/users/me/contacts", app.trustedContacts).Methods("GET")
	protected.HandleFunc("/users/me/contacts/{id}", app.addTrustedContact).Methods("POST")
	protected.HandleFunc("/users/me/contacts/{id}", app.removeTrustedContact).Methods("DELETE")
	protected.HandleFunc("/users/me/trusted-by", app.trustedBy).Methods("GET")
	protected.HandleFunc("/alerts", app.triggerAlert).Methods("POST")
	protected.HandleFunc("/alerts", app.cancelAlert).Methods("DELETE")
	protected.HandleFunc("/alerts/notifications", app.notifications).Methods("GET")
	protected.HandleFunc("/alerts/notifications/{userId}", app.dismissNotification).Methods("DELETE")
	protected.HandleFunc("/alerts/alarm/mute", app.muteAlarm).Methods("PUT")
	protected.HandleFunc("/alerts/history", app.history).Methods("GET")
	protected.HandleFunc("/alerts/{userId}/track", app.track).Methods("GET")
	protected.HandleFunc("/tracking", app.toggleTracking).Methods("PUT")
	protected.HandleFunc("/heatmap", app.heatmap).Methods("GET")

	return router
}

// Close stops every background task and releases the backends.
func (app *App) Close() {
	app.mu.Lock()
	dashboards := app.dashboards
	app.dashboards = make(map[string]*surface.Dashboard)
	app.mu.Unlock()

	for _, dashboard := range dashboards {
		dashboard.Close()
	}

	app.alerts.Close()
	app.tracker.Close()
	app.workers.Stop()

	if app.storage != nil {
		if app.config.Google.Storage.EnableSqliteBackup && storeDriver(app.config) == "sqlite" {
			if err := backupSqliteDb(app.storage, app.config.Store.DataDir)(nil); err != nil {
				logg.Error(err)
			}
		}
		app.storage.Close()
	}

	if err := app.store.Notifier().Close(); err != nil {
		logg.Error(err)
	}
	if err := app.store.Close(); err != nil {
		logg.Error(err)
	}
	if app.redis != nil {
		app.redis.Close()
	}
}

func Start(config shared.ServerConfig, devMode bool) {
	logger.Configure(logger.Options{
		Level:     config.Log.Level,
		File:      config.Log.File,
		MaxSizeMB: config.Log.MaxSizeMB,
	})

	if config.Store.DataDir == "" {
		config.Store.DataDir = configDirectory(devMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, config)
	fatalOnError(err)

	fatalOnError(app.Run(ctx))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", config.Safeguard.Listener.Port),
		Handler: app.Router(),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(server)
	})
	g.Go(func() error {
		<-gCtx.Done()
		return cleanup(app, server)
	})

	if err := g.Wait(); err != nil {
		logg.Fatal(err)
	}
}

func (app *App) openKV() (store.KV, error) {
	switch storeDriver(app.config) {
	case "memory":
		return store.NewMemoryKV(), nil
	case "redis":
		return store.NewRedisKV(app.redisClient(), app.config.Redis.Prefix), nil
	}
	return store.OpenSQLKV(app.config.Store.DataDir)
}

func (app *App) openNotifier() (notifier.Notifier, error) {
	switch app.config.Notifier.Driver {
	case "", "local":
		return notifier.NewLocal(), nil
	case "redis":
		return notifier.NewRedis(app.redisClient(), app.config.Redis.Prefix), nil
	}
	return nil, fmt.Errorf("unknown notifier driver %q", app.config.Notifier.Driver)
}

func (app *App) redisClient() *redis.Client {
	if app.redis == nil {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.config.Redis.Addr,
			Password: app.config.Redis.Password,
			DB:       app.config.Redis.DB,
		})
	}
	return app.redis
}

// dashboard returns the long lived dashboard of viewerID, starting it on first use.
func (app *App) dashboard(ctx context.Context, viewerID string) (*surface.Dashboard, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if dashboard, ok := app.dashboards[viewerID]; ok {
		return dashboard, nil
	}

	// Nothing plays audio on the server, the alarm state is only reported.
	dashboard := surface.NewDashboard(app.store.ForContext(notifier.NewContextID()), viewerID, surface.NewAlarm(surface.SilentTone{}))
	if err := dashboard.Start(ctx); err != nil {
		return nil, err
	}

	app.dashboards[viewerID] = dashboard
	return dashboard, nil
}

func (app *App) now() time.Time {
	return time.Now()
}

func loadKeyPair(privateKeyPem string) (*key.KeyPair, error) {
	if privateKeyPem == "" {
		logg.Warn("No private key configured, generating a throwaway key pair")
		return key.GenerateKeyPair(2048)
	}
	return key.NewKeyPairFromPEM([]byte(privateKeyPem))
}

func storeDriver(config shared.ServerConfig) string {
	if config.Store.Driver == "" {
		return "sqlite"
	}
	return config.Store.Driver
}

func archiveDir(config shared.ServerConfig) string {
	if config.Sources.ArchiveDir != "" {
		return config.Sources.ArchiveDir
	}
	return filepath.Join(config.Store.DataDir, "audio")
}
