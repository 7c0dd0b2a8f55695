// Package app composes the offline layer from configuration. New builds
// every component from one config.Config so a host application embeds the
// library with a single call: durable storage from DBPath, the retry
// executor from the canonical retry policy, the persisted queues, the
// caches, the daily message counter, tracing, and the optional diagnostics
// HTTP server.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tbourn/go-offline-client/internal/cache"
	"github.com/tbourn/go-offline-client/internal/config"
	httpapi "github.com/tbourn/go-offline-client/internal/http"
	"github.com/tbourn/go-offline-client/internal/http/handlers"
	"github.com/tbourn/go-offline-client/internal/netstate"
	"github.com/tbourn/go-offline-client/internal/network"
	"github.com/tbourn/go-offline-client/internal/observability"
	"github.com/tbourn/go-offline-client/internal/permits"
	"github.com/tbourn/go-offline-client/internal/queue"
	"github.com/tbourn/go-offline-client/internal/storage"
	"github.com/tbourn/go-offline-client/internal/sysutil"
	"github.com/tbourn/go-offline-client/internal/transport"
	"github.com/tbourn/go-offline-client/internal/uploads"
)

// Options carries the collaborators that cannot come from the environment:
// the host's image pipeline, its HTTP client, and its event callbacks.
type Options struct {
	// Version labels /status responses and the OTEL resource.
	Version string
	// HTTPClient overrides the outbound client; nil uses http.DefaultClient.
	HTTPClient transport.Doer
	// ProcessImage and UploadArtifact drive the image upload queue. Both
	// must be set when the host uses App.Uploads.
	ProcessImage   uploads.Processor
	UploadArtifact uploads.Uploader
	// Events receives request-queue drain outcomes; nil means none.
	Events queue.EventSink
}

// App is the assembled offline layer. Fields are exported so the host can
// reach each component directly; Manager is the usual entry point.
type App struct {
	Config config.Config

	Store    *storage.SQLiteStore
	Monitor  *netstate.Monitor
	Executor *transport.Executor
	Requests *queue.RequestQueue
	Manager  *network.Manager
	Uploads  *uploads.UploadQueue
	Messages *cache.MessageCache
	Pages    *cache.Pagination
	// Subscriptions caches raw subscription/usage lookups under the
	// configured schema version.
	Subscriptions *cache.TTLCache[json.RawMessage]
	Counter       *permits.Counter

	// Server is non-nil only when DebugEnabled; the host starts it.
	Server *http.Server

	shutdownOTel func(context.Context) error
}

// RetryPolicy converts the configured retry settings into the transport
// policy every component shares. The per-attempt RequestTimeout is wired
// into the Executor separately.
func RetryPolicy(cfg config.RetryConfig) transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// New builds the offline layer from cfg. The caller owns the returned App
// and must Close it on shutdown.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	monitor := netstate.NewMonitor()
	policy := RetryPolicy(cfg.Retry)
	exec := transport.NewExecutor(opts.HTTPClient, cfg.Retry.RequestTimeout)

	requests := queue.NewRequestQueue(store, exec, monitor, policy, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		DrainRPS:   cfg.Queue.DrainRPS,
		DrainBurst: cfg.Queue.DrainBurst,
		Events:     opts.Events,
	})
	manager := network.NewManager(monitor, exec, requests, policy)

	uploadQ := uploads.NewUploadQueue(store, monitor, opts.ProcessImage, opts.UploadArtifact, uploads.Config{
		MaxRetries: cfg.Upload.MaxRetries,
		DrainDelay: cfg.Upload.DrainDelay,
	})
	uploadQ.InitNetworkListener(monitor)

	messages := cache.NewMessageCache(cache.MessageCacheConfig{
		MaxConversations: cfg.Cache.MessageMaxConversations,
		MaxAge:           cfg.Cache.MessageMaxAge,
		CleanupInterval:  cfg.Cache.MessageCleanupInterval,
	})

	a := &App{
		Config:        cfg,
		Store:         store,
		Monitor:       monitor,
		Executor:      exec,
		Requests:      requests,
		Manager:       manager,
		Uploads:       uploadQ,
		Messages:      messages,
		Pages:         cache.NewPagination(),
		Subscriptions: cache.NewTTLCache[json.RawMessage]("subscriptions", cfg.Cache.SchemaVersion),
		Counter:       permits.NewCounter(store, cfg.DailyMessageLimit),
	}

	a.shutdownOTel, err = observability.SetupOTel(ctx, cfg.OTEL, opts.Version)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	if cfg.DebugEnabled {
		h := handlers.New(opts.Version, monitor)
		h.Requests = requests
		h.Uploads = uploadQ
		h.Messages = messages
		h.Permits = a.Counter
		h.Caches["subscriptions"] = a.Subscriptions
		a.Server = httpapi.NewServer(h, cfg)
	}

	return a, nil
}

// Close releases every component in reverse construction order. The
// diagnostics server, when present, is the host's to shut down first.
func (a *App) Close(ctx context.Context) error {
	a.Uploads.Close()
	a.Manager.Close()
	a.Messages.Stop()

	var firstErr error
	if a.shutdownOTel != nil {
		if err := a.shutdownOTel(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
