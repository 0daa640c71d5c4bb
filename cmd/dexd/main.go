package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defistate/defistate-dex-go/cmd/dexd/config"
	"github.com/defistate/defistate-dex-go/protocols/dex/calculator"
	"github.com/defistate/defistate-dex-go/protocols/dex/denom"
	"github.com/defistate/defistate-dex-go/quote"
	"github.com/defistate/defistate-dex-go/registry"
	"github.com/defistate/defistate-dex-go/rpc"
	"github.com/defistate/defistate-dex-go/storage"
	"github.com/defistate/defistate-dex-go/streams/jsonrpc/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to the configuration file.")
	pflag.Parse()

	cfg, rootLogger, err := loadConfig(*configPath, os.Stdout)
	if err != nil {
		os.Exit(1)
	}

	if err := run(cfg, rootLogger); err != nil {
		rootLogger.Error("dexd stopped with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig creates the JSON root logger and reads the configuration. Failures
// are reported through the logger; the configured level applies once loading succeeds.
func loadConfig(path string, out io.Writer) (*config.Config, *slog.Logger, error) {
	var logLevel slog.LevelVar
	rootLogger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: &logLevel}))

	rootLogger.Info("Loading configuration", "path", path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		return nil, rootLogger, err
	}

	// LoadConfig has already validated the level.
	level, _ := cfg.SlogLevel()
	logLevel.Set(level)
	return cfg, rootLogger, nil
}

func run(cfg *config.Config, rootLogger *slog.Logger) error {
	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prometheusRegistry := prometheus.NewRegistry()
	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		store *storage.ExchangeStore
		err   error
	)
	if cfg.DatabasePath == "" {
		rootLogger.Warn("No database configured; exchanges are kept in memory only")
		store, err = storage.OpenMemory()
	} else {
		store, err = storage.OpenLevelDB(cfg.DatabasePath)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	system, err := registry.NewExchangeSystem(registry.Config{
		Store:    store,
		Logger:   rootLogger.With("component", "registry"),
		Registry: prometheusRegistry,
	})
	if err != nil {
		return err
	}

	genesis, err := cfg.GenesisExchanges()
	if err != nil {
		return err
	}
	if system.Sequence() == 0 && system.Snapshot().Exchanges.Len() == 0 && len(genesis) > 0 {
		rootLogger.Info("Seeding genesis exchanges", "exchanges", len(genesis))
		if err := system.Replace(1, genesis); err != nil {
			return err
		}
	}

	engine, err := calculator.New(cfg.Fee)
	if err != nil {
		return err
	}
	converter, err := cfg.Converter()
	if err != nil {
		return err
	}
	pricingAttrs := []any{"fee_numerator", engine.Fee().Numerator, "fee_denominator", engine.Fee().Denominator}
	if d, ok := converter.(*denom.Decimals); ok {
		pricingAttrs = append(pricingAttrs, "currency_decimals", d.CurrencyDecimals(), "asset_decimals", d.AssetDecimals())
	}
	rootLogger.Info("Pricing configured", pricingAttrs...)
	quoter, err := quote.New(quote.Config{
		Registry:  system,
		Converter: converter,
		Engine:    engine,
		Logger:    rootLogger.With("component", "quote"),
		Metrics:   prometheusRegistry,
	})
	if err != nil {
		return err
	}

	api, err := rpc.NewAPI(rpc.Config{
		Quoter:    quoter,
		Exchanges: system,
		Logger:    rootLogger.With("component", "rpc"),
	})
	if err != nil {
		return err
	}
	rpcServer, err := rpc.NewServer(api)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	if cfg.Upstream.URL != "" {
		upstreamCtx, cancelUpstream := context.WithCancel(ctx)
		defer cancelUpstream()

		upstream, err := client.NewClient(upstreamCtx, client.Config{
			URL:                   cfg.Upstream.URL,
			Logger:                rootLogger.With("component", "jsonrpc-client"),
			Sink:                  system,
			InitialReconnectDelay: cfg.Upstream.InitialBackoff.Duration,
			MaxReconnectDelay:     cfg.Upstream.MaxBackoff.Duration,
		})
		if err != nil {
			return err
		}
		// The follower writes through the registry into the store, so it must
		// stop before the store is closed.
		defer func() {
			cancelUpstream()
			<-upstream.Done()
			seq, synced := upstream.Processor().Sequence()
			rootLogger.Info("Upstream follower stopped", "sequence", seq, "synced", synced)
		}()
	}

	// The same listener answers HTTP POST requests and websocket upgrades.
	wsHandler := rpcServer.WebsocketHandler([]string{"*"})
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			wsHandler.ServeHTTP(w, r)
			return
		}
		rpcServer.ServeHTTP(w, r)
	}))

	servers := []*http.Server{{Addr: cfg.ListenAddress, Handler: mux}}
	if cfg.MetricsAddress != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux})
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			rootLogger.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		rootLogger.Info("Shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rootLogger.Warn("HTTP server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	return runErr
}
