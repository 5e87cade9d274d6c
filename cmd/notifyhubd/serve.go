package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devicehive/notifyhub/internal/metrics"
	"github.com/devicehive/notifyhub/internal/telemetry"
	"github.com/devicehive/notifyhub/pkg/api"
	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/config"
	"github.com/devicehive/notifyhub/pkg/discovery"
	"github.com/devicehive/notifyhub/pkg/log"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/store/pgstore"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/transport"
	"github.com/devicehive/notifyhub/pkg/transport/ws"
	"github.com/devicehive/notifyhub/pkg/version"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// backend is the store pair the service runs on.
type backend struct {
	notifications store.NotificationStore
	directory     store.DeviceDirectory
	close         func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := pgstore.Open(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		if _, err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		b := &backend{notifications: db, directory: db, close: db.Close}
		return b, seedDevices(ctx, b.directory, cfg.Store.Devices)
	default:
		mem := store.NewMemory(cfg.Store.Retain)
		b := &backend{notifications: mem, directory: mem, close: func() {}}
		return b, seedDevices(ctx, b.directory, cfg.Store.Devices)
	}
}

func seedDevices(ctx context.Context, dir store.DeviceDirectory, devices []config.DeviceConfig) error {
	for _, d := range devices {
		if err := dir.PutDevice(ctx, model.Device{ID: d.ID, Name: d.Name, NetworkID: d.NetworkID}); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	return nil
}

func loadAuthenticator(cfg *config.Config, dir auth.DeviceDirectory, logger *slog.Logger) (auth.Authenticator, error) {
	if cfg.Auth.KeysFile == "" {
		logger.Warn("No access-key file configured, every authenticate request will be rejected")
		return nil, nil
	}
	keys, err := auth.LoadKeyFile(cfg.Auth.KeysFile)
	if err != nil {
		return nil, err
	}
	ks, err := auth.NewKeyStore(keys, dir, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded access keys", "count", len(keys), "file", cfg.Auth.KeysFile)
	return ks, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Version:     version.Build,
	}, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	authn, err := loadAuthenticator(cfg, be.directory, logger)
	if err != nil {
		return err
	}

	var protoLog log.Logger
	if cfg.Trace.Path != "" {
		fl, err := log.NewFileLogger(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer fl.Close()
		protoLog = fl
		metrics.Publish("notifyhub_trace_dropped_total", func() any { return fl.Dropped() })
		logger.Info("Protocol trace enabled", "path", cfg.Trace.Path)
	}

	svc, err := service.New(service.Deps{
		Index:          subscription.NewIndex(),
		Registry:       session.NewRegistry(cfg.SessionLimits(), logger),
		Store:          be.notifications,
		Directory:      be.directory,
		Authenticator:  authn,
		Logger:         logger,
		ProtocolLogger: protoLog,
	}, cfg.ServiceConfig())
	if err != nil {
		return err
	}
	svc.Start()
	defer svc.Stop()
	metrics.Publish("notifyhub_sessions", func() any { return svc.Sessions() })
	metrics.Publish("notifyhub_subscriptions", func() any { return svc.Index().Count() })

	var tlsFiles *transport.TLSFiles
	if cfg.TLS.Enabled() {
		tlsFiles = &cfg.TLS
	}

	var tcp *transport.Server
	if cfg.TCP.Address != "" {
		tcp, err = startTCP(ctx, cfg, tlsFiles, svc, protoLog, logger)
		if err != nil {
			return err
		}
		defer tcp.Stop()
		metrics.Publish("notifyhub_tcp_connections", func() any { return tcp.ConnectionCount() })
	}

	var (
		httpSrv *http.Server
		httpLn  net.Listener
	)
	if cfg.HTTP.Listen != "" {
		websocket := ws.NewHandler(svc, cfg.WebSocketHandlerConfig(), logger)
		httpSrv = &http.Server{Handler: api.New(svc, authn, websocket, logger).Router()}
		httpLn, err = net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.HTTP.Listen, err)
		}
		logger.Info("HTTP listening", "addr", httpLn.Addr().String(), "tls", tlsFiles != nil)
	}

	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(cfg.AdvertiserConfig(), logger)
		info, err := hubInfo(cfg, tcp, httpLn)
		if err != nil {
			return err
		}
		if err := adv.Advertise(info); err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer adv.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if httpSrv != nil {
		g.Go(func() error {
			var err error
			if tlsFiles != nil {
				err = httpSrv.ServeTLS(httpLn, tlsFiles.CertFile, tlsFiles.KeyFile)
			} else {
				err = httpSrv.Serve(httpLn)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutting down HTTP server")
			shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("notifyhub started", "version", version.Build, "api", version.API)
	err = g.Wait()
	logger.Info("notifyhub stopped")
	if err != nil {
		return fmt.Errorf("server group failed: %w", err)
	}
	return nil
}

func startTCP(ctx context.Context, cfg *config.Config, files *transport.TLSFiles, svc *service.Service, protoLog log.Logger, logger *slog.Logger) (*transport.Server, error) {
	sc := transport.ServerConfig{
		Address:        cfg.TCP.Address,
		MaxMessageSize: cfg.TCP.MaxMessageSize,
		IdleTimeout:    cfg.TCP.IdleTimeout,
		Handler:        svc,
		Logger:         protoLog,
		OnError: func(sessionID string, err error) {
			logger.Debug("Transport error", "session_id", sessionID, "error", err)
		},
	}
	if files != nil {
		tlsConf, err := transport.LoadServerTLSConfig(*files)
		if err != nil {
			return nil, err
		}
		sc.TLS = tlsConf
	}
	srv, err := transport.NewServer(sc)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info("TCP listening", "addr", srv.Addr().String(), "tls", sc.TLS != nil)
	return srv, nil
}

func hubInfo(cfg *config.Config, tcp *transport.Server, httpLn net.Listener) (discovery.HubInfo, error) {
	instance := cfg.Discovery.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return discovery.HubInfo{}, fmt.Errorf("hostname: %w", err)
		}
		instance = "notifyhub-" + host
	}
	info := discovery.HubInfo{
		InstanceName: instance,
		HubID:        cfg.Discovery.HubID,
		APIVersion:   version.API,
		TLS:          cfg.TLS.Enabled(),
	}
	if tcp != nil {
		info.TCPPort = listenPort(tcp.Addr())
	}
	if httpLn != nil {
		info.HTTPPort = listenPort(httpLn.Addr())
	}
	return info, nil
}

func listenPort(addr net.Addr) uint16 {
	if a, ok := addr.(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}
