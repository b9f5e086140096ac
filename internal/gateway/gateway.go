// Package gateway assembles the Source Registry, Plugin Host, Hot-Reload
// Controller, Connection Acceptor and metrics into the running process: at
// startup it loads the configuration, instantiates the plugin host, spawns
// the listener, and — lazily or eagerly per source policy — spawns ingest
// tasks.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/metrics"
	"github.com/rkrishn7/kiwi/internal/pluginhost"
	"github.com/rkrishn7/kiwi/internal/reload"
	"github.com/rkrishn7/kiwi/internal/source"
	"github.com/rkrishn7/kiwi/internal/transport"
)

// Gateway is the top-level process wiring. It owns every long-lived
// component and the single http.Server that Serve runs on the configured
// server address.
type Gateway struct {
	Registry   *source.Registry
	Plugins    *pluginhost.Host
	Reload     *reload.Controller
	Metrics    *metrics.Recorder
	Acceptor   *transport.Acceptor
	httpServer *http.Server
}

// New loads cfg, compiles the configured plugins, installs the configured
// sources, and wires the connection acceptor. A failure at any of these
// steps is fatal for startup.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	rec := metrics.New("kiwi")

	plugins := pluginhost.New(pluginhost.DefaultLimits())
	plugins.SetObserver(rec)

	if err := plugins.Load(ctx, cfg.Plugins); err != nil {
		plugins.Close(ctx)
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	registry := source.NewRegistry(func(sc config.SourceConfig) (source.Backend, error) {
		return newBackend(sc)
	})
	registry.OnEvent(rec.EventIngested)
	if err := registry.Install(cfg.Sources); err != nil {
		plugins.Close(ctx)
		return nil, fmt.Errorf("install sources: %w", err)
	}

	acceptor := transport.New(registry, plugins, rec, rec)
	reloadCtrl := reload.New(registry, plugins, *cfg)

	mux := http.NewServeMux()
	mux.Handle("/", acceptor)
	mux.Handle("/metrics", promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Gateway{
		Registry: registry,
		Plugins:  plugins,
		Reload:   reloadCtrl,
		Metrics:  rec,
		Acceptor: acceptor,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // WebSocket connections are long-lived
		},
	}, nil
}

// Serve blocks, running the listener until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "address", g.httpServer.Addr)
		errCh <- g.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listener failed: %w", err)
		}
		return nil
	}
}

// ReloadFrom re-parses the configuration at path and atomically applies the
// diff against the live plugin table and source registry.
func (g *Gateway) ReloadFrom(ctx context.Context, path string) error {
	return g.Reload.ReloadFrom(ctx, path)
}

func newBackend(sc config.SourceConfig) (source.Backend, error) {
	switch sc.Type {
	case config.SourceKindKafka:
		if sc.Kafka == nil {
			return nil, fmt.Errorf("source %s: type=kafka requires a kafka block", sc.ID)
		}
		return source.NewKafkaBackend(sc.ID, sc.Kafka), nil
	case config.SourceKindCounter:
		if sc.Counter == nil {
			return nil, fmt.Errorf("source %s: type=counter requires a counter block", sc.ID)
		}
		return source.NewCounterBackend(sc.ID, sc.Counter), nil
	default:
		return nil, fmt.Errorf("source %s: unrecognized type %q", sc.ID, sc.Type)
	}
}
