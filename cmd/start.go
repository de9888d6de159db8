package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hermes/internal/env"
	"github.com/luma/hermes/internal/observe"
	"github.com/luma/hermes/server"
	"github.com/luma/hermes/storage"
	"github.com/luma/hermes/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for tcp clients on
	port int

	// Whether to set SO_REUSEPORT on the client listener
	reuseport bool
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.BoolVar(&reuseport, "reuseport", true, "Set SO_REUSEPORT on the client listener")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the Hermes messaging server",
	Long: `Start up the Hermes messaging server

Usage
	hermes start --port 7363 --http-port 7362

The server is configured through HERMES_* environment variables, see
.env.local for local overrides.
`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store, closeStore, err := openStore(ctx, conf, log.Named("storage"))
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, closeStore())
		}()

		dispatcher, err := server.NewDispatcher(server.Options{
			Store:        store,
			StoreTimeout: conf.StoreTimeout,
			MaxQueued:    conf.MaxQueued,
			Log:          log.Named("dispatcher"),
		})
		if err != nil {
			return err
		}

		tcp, err := transport.NewTCP(transport.Options{
			Host:             host,
			Port:             port,
			Reuseport:        reuseport,
			Trace:            conf.Trace,
			Codec:            conf.CodecKind(),
			Encoding:         conf.ContentEncoding,
			MaxContentLength: conf.MaxContentLength,
			Handler:          dispatcher,
			Log:              log.Named("transport"),
		})
		if err != nil {
			return err
		}

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
				"addr":   tcp.Addr().String(),
				"codec":  conf.Codec,
				"store":  conf.Store,
			})
		})

		router.GET("/metrics", gin.WrapH(observe.Handler()))

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Started",
			zap.String("addr", tcp.Addr().String()),
			zap.String("httpPort", httpPort),
			zap.String("codec", conf.Codec),
			zap.String("store", conf.Store))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// openStore builds the configured store. The returned func closes it, after
// writing a snapshot if one is configured.
func openStore(ctx context.Context, conf *env.Config, log *zap.Logger) (storage.Store, func() error, error) {
	switch conf.Store {
	case env.StorePostgres:
		store, err := storage.NewPostgresStore(ctx, conf.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}

		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}

		log.Info("Using postgres store")
		return store, store.Close, nil

	default:
		store := storage.NewInmemoryStore()

		if conf.SnapshotPath == "" {
			log.Info("Using in-memory store without snapshots")
			return store, store.Close, nil
		}

		if err := restoreSnapshot(store, conf.SnapshotPath); err != nil {
			return nil, nil, err
		}
		log.Info("Using in-memory store", zap.String("snapshot", conf.SnapshotPath))

		return store, func() error {
			err := backupSnapshot(store, conf.SnapshotPath)
			if err == nil {
				log.Info("Wrote snapshot", zap.String("snapshot", conf.SnapshotPath))
			}
			return multierr.Append(err, store.Close())
		}, nil
	}
}

func restoreSnapshot(store storage.Snapshotter, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	return store.Restore(data)
}

func backupSnapshot(store storage.Snapshotter, path string) error {
	data, err := store.Backup()
	if err != nil {
		return err
	}

	// Readers only ever see a complete snapshot.
	tmp := path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return os.Rename(tmp, path)
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/healthz", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
