package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"devicelink/config"
	"devicelink/crypto"
	"devicelink/discovery"
	"devicelink/logging"
	"devicelink/models"
	"devicelink/network"
	"devicelink/payload"
	"devicelink/storage"
)

// settings bundles the persisted device config with runtime tuning.
type settings struct {
	Device     *config.DeviceConfig
	ConfigPath string
	DataDir    string
	Tuning     config.Tuning
}

func main() {
	fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Provide(
			loadSettings,
			newLogger,
			newIdentity,
			openStore,
			newMetrics,
			newSecretCache,
			newSessionManager,
			newNameDirectory,
			newConsoleApprover,
			newHandshaker,
			newPayloadRegistry,
			newDispatcher,
			newServer,
			newDiscovery,
			newReconnector,
		),
		fx.Invoke(
			printBanner,
			registerPayloadHandlers,
			runBackgroundTasks,
			serveMetrics,
		),
	).Run()
}

func loadSettings() (settings, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return settings{}, fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)
	tuning, err := config.LoadTuning(config.TuningPath(dataDir))
	if err != nil {
		return settings{}, fmt.Errorf("load tuning: %w", err)
	}
	return settings{Device: cfg, ConfigPath: cfgPath, DataDir: dataDir, Tuning: tuning}, nil
}

func newLogger(lc fx.Lifecycle, s settings) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:    s.Tuning.LogLevel,
		File:     s.Tuning.LogFile,
		DeviceID: s.Device.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))
	return logger, nil
}

func newIdentity(s settings) (models.LocalIdentity, error) {
	privateKey, err := crypto.EnsurePrivateKey(s.Device.PrivateKeyPath)
	if err != nil {
		return models.LocalIdentity{}, fmt.Errorf("prepare X25519 identity key: %w", err)
	}

	identity := models.LocalIdentity{
		DeviceID:   s.Device.DeviceID,
		DeviceName: s.Device.DeviceName,
		PrivateKey: privateKey,
	}
	fingerprint := crypto.KeyFingerprint(identity.PublicKey())
	if s.Device.KeyFingerprint != fingerprint {
		s.Device.KeyFingerprint = fingerprint
		if err := config.Save(s.ConfigPath, s.Device); err != nil {
			return models.LocalIdentity{}, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}
	return identity, nil
}

func openStore(lc fx.Lifecycle, s settings, logger *zap.Logger) (*storage.TrustStore, error) {
	store, dbPath, err := storage.Open(s.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("trust store opened", zap.String("path", dbPath))
	lc.Append(fx.StopHook(store.Close))
	return storage.NewTrustStore(store), nil
}

func newMetrics() (*network.Metrics, *prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := network.NewMetrics(registry)
	if err != nil {
		return nil, nil, err
	}
	return metrics, registry, nil
}

func newSecretCache(identity models.LocalIdentity) (*crypto.SecretCache, error) {
	return crypto.NewSecretCache(identity.PrivateKey, crypto.DefaultSecretCacheSize)
}

func newSessionManager(lc fx.Lifecycle, s settings, identity models.LocalIdentity, trust *storage.TrustStore, metrics *network.Metrics, logger *zap.Logger) (*network.SessionManager, error) {
	manager, err := network.NewSessionManager(network.SessionManagerOptions{
		Identity:          identity,
		Trust:             trust,
		HeartbeatInterval: s.Tuning.HeartbeatInterval,
		HeartbeatTimeout:  s.Tuning.HeartbeatTimeout,
		Logger:            logger,
		Metrics:           metrics,
		OnConnectivityChange: func(event models.ConnectivityEvent) {
			state := "offline"
			if event.Connected {
				state = "online"
			}
			fmt.Printf("Peer %s is %s\n", event.PeerID, state)
		},
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := manager.LoadPeers(); err != nil {
				return err
			}
			manager.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			manager.Stop()
			return nil
		},
	})
	return manager, nil
}

// nameDirectory resolves display names from discovery once it exists; the
// handshaker is built before discovery because discovery needs the server port.
type nameDirectory struct {
	service atomic.Pointer[discovery.Service]
}

func newNameDirectory() *nameDirectory {
	return &nameDirectory{}
}

func (d *nameDirectory) lookup(deviceID string) (string, bool) {
	service := d.service.Load()
	if service == nil {
		return "", false
	}
	candidate, ok := service.Candidate(deviceID)
	if !ok {
		return "", false
	}
	return candidate.DeviceName, candidate.DeviceName != ""
}

func newHandshaker(s settings, manager *network.SessionManager, secrets *crypto.SecretCache, approver *consoleApprover, names *nameDirectory, metrics *network.Metrics, logger *zap.Logger) (*network.Handshaker, error) {
	return network.NewHandshaker(manager, network.HandshakeOptions{
		Secrets:         secrets,
		Approver:        approver,
		ApprovalTimeout: s.Tuning.ApprovalTimeout,
		DisplayName:     names.lookup,
		Logger:          logger,
		Metrics:         metrics,
	})
}

func newPayloadRegistry() *payload.Registry {
	return payload.NewRegistry()
}

func newDispatcher(manager *network.SessionManager, registry *payload.Registry, metrics *network.Metrics, logger *zap.Logger) *network.Dispatcher {
	return network.NewDispatcher(manager, registry, logger, metrics)
}

func newServer(lc fx.Lifecycle, s settings, manager *network.SessionManager, handshaker *network.Handshaker, dispatcher *network.Dispatcher, metrics *network.Metrics, logger *zap.Logger) (*network.Server, error) {
	port := s.Device.ListeningPort
	if s.Device.PortMode == config.PortModeAutomatic {
		port = 0
	}

	server, err := network.Listen(net.JoinHostPort("", strconv.Itoa(port)), network.ServerOptions{
		Sessions:         manager,
		Handshaker:       handshaker,
		Dispatcher:       dispatcher,
		HandshakeTimeout: s.Tuning.HandshakeTimeout,
		SendTimeout:      s.Tuning.SendTimeout,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(server.Close))
	return server, nil
}

func newDiscovery(lc fx.Lifecycle, s settings, identity models.LocalIdentity, server *network.Server, manager *network.SessionManager, names *nameDirectory, logger *zap.Logger) (*discovery.Service, error) {
	service, err := discovery.NewService(discovery.Config{
		SelfDeviceID:   identity.DeviceID,
		DeviceName:     identity.DeviceName,
		PublicKey:      identity.PublicKeyBase64(),
		ServicePort:    server.Port(),
		DiscoveryPort:  s.Tuning.DiscoveryPort,
		ProbeInterval:  s.Tuning.UDPProbeInterval,
		StaleAfter:     s.Tuning.UDPStaleAfter,
		SweepInterval:  s.Tuning.UDPSweepInterval,
		MDNSService:    s.Tuning.MDNSService,
		KnownAddresses: manager.KnownAddresses,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	names.service.Store(service)

	lc.Append(fx.Hook{
		OnStart: service.Start,
		OnStop: func(context.Context) error {
			return service.Stop()
		},
	})
	return service, nil
}

func newReconnector(lc fx.Lifecycle, server *network.Server, manager *network.SessionManager, service *discovery.Service, logger *zap.Logger) *network.Reconnector {
	reconnector := network.NewReconnector(manager, server.Connect, network.ReconnectOptions{
		Candidates: service.Candidates,
		Logger:     logger,
	})
	lc.Append(fx.StartStopHook(reconnector.Start, reconnector.Stop))
	return reconnector
}

func printBanner(s settings, identity models.LocalIdentity, server *network.Server) {
	fmt.Printf("Device ID:       %s\n", identity.DeviceID)
	fmt.Printf("Device Name:     %s\n", identity.DeviceName)
	fmt.Printf("Listening Port:  %d\n", server.Port())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(s.Device.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", s.ConfigPath)
	fmt.Printf("Data Directory:  %s\n", s.DataDir)
}

// runBackgroundTasks feeds discovery sightings to the reconnector and drains
// server errors until shutdown.
func runBackgroundTasks(lc fx.Lifecycle, service *discovery.Service, server *network.Server, reconnector *network.Reconnector, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			group.Go(func() error {
				for {
					select {
					case event := <-service.Events():
						switch event.Type {
						case discovery.EventPeerUpserted:
							reconnector.NotifyPeerDiscovered(event.Peer)
						case discovery.EventPeerRemoved:
							logger.Debug("candidate removed", zap.String("device_id", event.Peer.DeviceID))
						}
					case <-groupCtx.Done():
						return nil
					}
				}
			})
			group.Go(func() error {
				for {
					select {
					case err, ok := <-server.Errors():
						if !ok {
							return nil
						}
						logger.Warn("transport error", zap.Error(err))
					case <-groupCtx.Done():
						return nil
					}
				}
			})
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return group.Wait()
		},
	})
}

func serveMetrics(lc fx.Lifecycle, s settings, registry *prometheus.Registry, logger *zap.Logger) {
	if s.Tuning.MetricsAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", network.MetricsHandler(registry))
	server := &http.Server{
		Addr:              s.Tuning.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("listen metrics on %q: %w", server.Addr, err)
			}
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics endpoint stopped", zap.Error(err))
				}
			}()
			logger.Info("metrics endpoint listening", zap.String("address", listener.Addr().String()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
