// Package main implements kvs-server, which serves a kvs data directory to
// remote clients over TCP.
//
// The server:
//   - locks the data directory and opens the configured engine
//   - accepts connections on --addr and hands each to the --executor
//   - optionally serves /metrics, /health and /info on --metrics-addr
//   - shuts down gracefully on SIGINT or SIGTERM
//
// Configuration is layered: built-in defaults, then --config (YAML), then
// KVS_* environment variables, then explicit flags.
//
// Example usage:
//
//	# Start with the log-structured engine in ./data
//	kvs-server --data-path ./data
//
//	# Use pebble and expose metrics
//	kvs-server --engine pebble --metrics-addr 127.0.0.1:9100
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kvs/internal/config"
	"github.com/dreamware/kvs/internal/server"
	"github.com/dreamware/kvs/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = logrus.Fatalf

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("kvs-server: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	d := config.Default()

	cmd := &cobra.Command{
		Use:           "kvs-server",
		Short:         "Serve a kvs data directory over TCP",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log, nil)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfgFile, "config", "", "YAML configuration file")
	fs.String("addr", d.Addr, "address to listen on (IP:PORT)")
	fs.String("engine", d.Engine, "storage engine: kvs or pebble")
	fs.String("data-path", d.DataPath, "data directory")
	fs.String("log-level", d.LogLevel, "log level: trace, debug, info, warn, error")
	fs.String("executor", d.Executor, "connection executor: shared-queue, naive or bounded")
	fs.Int("workers", d.Workers, "connections served concurrently (0 = one per CPU)")
	fs.String("metrics-addr", d.MetricsAddr, "address for /metrics, /health and /info (empty disables)")
	fs.Int64("compaction-threshold", d.CompactionThreshold, "superseded bytes that trigger a compaction")
	fs.Bool("sync-writes", d.SyncWrites, "fsync every write before acknowledging it")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "how long to wait for open connections on shutdown")
	return cmd
}

// resolveConfig layers the config file, the environment and the flags the
// user actually set.
func resolveConfig(fs *pflag.FlagSet, cfgFile string) (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "addr":
			cfg.Addr, err = fs.GetString(f.Name)
		case "engine":
			cfg.Engine, err = fs.GetString(f.Name)
		case "data-path":
			cfg.DataPath, err = fs.GetString(f.Name)
		case "log-level":
			cfg.LogLevel, err = fs.GetString(f.Name)
		case "executor":
			cfg.Executor, err = fs.GetString(f.Name)
		case "workers":
			cfg.Workers, err = fs.GetInt(f.Name)
		case "metrics-addr":
			cfg.MetricsAddr, err = fs.GetString(f.Name)
		case "compaction-threshold":
			cfg.CompactionThreshold, err = fs.GetInt64(f.Name)
		case "sync-writes":
			cfg.SyncWrites, err = fs.GetBool(f.Name)
		case "shutdown-timeout":
			cfg.ShutdownTimeout, err = fs.GetDuration(f.Name)
		}
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// listening reports the bound addresses once the server accepts
// connections. Metrics is nil when the metrics endpoint is disabled.
type listening struct {
	KV      net.Addr
	Metrics net.Addr
}

// run serves until ctx is cancelled or a listener fails. ready, if not nil,
// is called once both listeners are bound.
func run(ctx context.Context, cfg config.Config, log logrus.FieldLogger, ready func(listening)) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := storage.NewMetrics(reg)

	engine, err := storage.Open(cfg.DataPath, cfg.Engine, cfg.StorageOptions(log, metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.WithError(err).Error("closing engine")
		}
	}()
	storage.RegisterStats(reg, engine)
	instrumented := storage.Instrument(engine, metrics)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Addr)
	}
	exec, err := cfg.NewExecutor(log)
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := server.New(instrumented, server.Config{Executor: exec, Logger: log})

	var (
		httpSrv *http.Server
		httpLn  net.Listener
	)
	if cfg.MetricsAddr != "" {
		httpLn, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			_ = srv.Shutdown(context.Background())
			return errors.Wrapf(err, "listen on %s", cfg.MetricsAddr)
		}
		httpSrv = &http.Server{
			Handler:           newMux(reg, cfg, instrumented),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	log.WithFields(logrus.Fields{
		"version":  version,
		"engine":   cfg.Engine,
		"addr":     ln.Addr().String(),
		"data":     cfg.DataPath,
		"executor": cfg.Executor,
		"workers":  srv.Workers(),
	}).Info("kvs-server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	if httpSrv != nil {
		g.Go(func() error {
			log.WithField("addr", httpLn.Addr().String()).Info("metrics endpoint listening")
			if err := httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics endpoint")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.Background(), context.CancelFunc(func() {})
		if cfg.ShutdownTimeout > 0 {
			sctx, cancel = context.WithTimeout(sctx, cfg.ShutdownTimeout)
		}
		defer cancel()

		err := srv.Shutdown(sctx)
		if httpSrv != nil {
			if herr := httpSrv.Shutdown(sctx); herr != nil && err == nil {
				err = herr
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("shutdown timed out, connections were closed forcibly")
			return nil
		}
		return err
	})

	if ready != nil {
		l := listening{KV: ln.Addr()}
		if httpLn != nil {
			l.Metrics = httpLn.Addr()
		}
		ready(l)
	}

	err = g.Wait()
	log.Info("kvs-server stopped")
	return err
}

type infoResponse struct {
	Version string                 `json:"version"`
	Engine  string                 `json:"engine"`
	Stats   storage.Stats          `json:"stats"`
	Ops     storage.OperationStats `json:"ops"`
}

func newMux(reg *prometheus.Registry, cfg config.Config, e *storage.InstrumentedEngine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = jsoniter.NewEncoder(w).Encode(infoResponse{
			Version: version,
			Engine:  cfg.Engine,
			Stats:   e.Stats(),
			Ops:     e.Ops(),
		})
	})
	return mux
}
