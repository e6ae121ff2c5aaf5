package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/furi/internal/adapter/actor"
	"github.com/berfenger/furi/internal/adapter/store"
	"github.com/berfenger/furi/internal/adapter/tsdb"
	"github.com/berfenger/furi/internal/config"
	"github.com/berfenger/furi/internal/core/actor"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/internal/core/service"
	"github.com/berfenger/furi/internal/server"
	"github.com/berfenger/furi/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// open push streams are cut after 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// log level follows the config file
	viper.OnConfigChange(func(e fsnotify.Event) {
		level := config.ParseLogLevel(viper.GetString("log_level"))
		zapCfg.Level.SetLevel(level)
		logger.Info("config changed", zap.String("file", e.Name), zap.Stringer("log_level", level))
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	deviceStore, err := openStore(cfg)
	if err != nil {
		panic(err)
	}
	defer deviceStore.Close()

	registry := actor.NewRegistry(ctx, actor.RegistryConfig{
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval(),
	}, logger)

	events := eventstream.NewEventStream()
	coordinator, err := actor.NewCoordinator(ctx, deviceStore, registry, events,
		actor.CoordinatorConfig{OfflineDelay: cfg.Offline.Delay()}, logger)
	if err != nil {
		panic(err)
	}
	devices := service.NewDeviceService(deviceStore, coordinator, logger)

	tsdbProv, err := tsdbActorProvider(cfg, logger)
	if err != nil {
		// the time series bridge is optional, the server runs without it
		logger.Warn("influxdb disabled", zap.Error(err))
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(actor.MasterConfig{
			EventStream:      events,
			Presser:          devices,
			OfflineActor:     coordinator.OfflineActor(),
			PresenceProvider: presenceActorProvider(cfg, deviceStore, coordinator, logger),
			MQTTProvider:     mqttActorProvider(cfg, logger),
			TSDBProvider:     tsdbProv,
		}, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid, devices, coordinator, logger)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	logger.Info("listening", zap.String("addr", server.Addr))
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	_ = ctx.StopFuture(pid).Wait()
	registry.Shutdown()
	coordinator.Shutdown()
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => FURI_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("FURI_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("furi")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel = config.ParseLogLevel(viper.GetString("log_level"))

	if cfg.Session.Secret == "" {
		return nil, errors.New("config param session.secret is required")
	}
	if cfg.Front.ApiToken == "" {
		return nil, errors.New("config param front.api_token is required")
	}
	if cfg.Session.TTLMinutes == 0 {
		return nil, errors.New("config param session.ttl_minutes should be > 0")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return nil, errors.New("config param store.path is required for the sqlite driver")
		}
	default:
		return nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.Broadcast.HeartbeatIntervalMillis < 1000 {
		return nil, errors.New("config param broadcast.heartbeat_interval_millis should be >= 1000")
	}

	if cfg.MQTT.Enable {
		// check and fix base topic
		baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
		}
		cfg.MQTT.BaseTopic = baseTopic

		// check and fix homeassistant discovery topic
		hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
		if err != nil {
			return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
		}
		cfg.MQTT.HADiscoveryTopic = hadBaseTopic
	}

	return &cfg, nil
}

func openStore(cfg *config.Config) (port.Store, error) {
	if cfg.Store.Driver == "sqlite" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.OpenSQLite(ctx, store.SQLiteConfig{Path: cfg.Store.Path})
	}
	return store.NewMemoryStore(), nil
}

func presenceActorProvider(cfg *config.Config, deviceStore port.Store, coordinator *actor.Coordinator, logger *zap.Logger) actor.PresenceActorProvider {
	return func() *actor.PresenceActor {
		return actor.NewPresenceActor(deviceStore, coordinator, cfg.Presence.ReconcileInterval(), logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	if !cfg.MQTT.Enable {
		return nil
	}
	return func() *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, logger)
	}
}

func tsdbActorProvider(cfg *config.Config, logger *zap.Logger) (actor.TSDBActorProvider, error) {
	client, err := tsdb.Connect(cfg.Influx)
	if err != nil {
		return nil, err
	}
	client.SetOnError(func(err error) {
		logger.Warn("influxdb write failed", zap.Error(err))
	})
	return func() *adactor.TSDBActor {
		return adactor.NewTSDBActor(client, logger)
	}, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
	viper.SetDefault("session.ttl_minutes", 1440)
	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("broadcast.heartbeat_interval_millis", 32000)
	viper.SetDefault("broadcast.write_timeout_millis", 10000)
	viper.SetDefault("offline.delay_millis", 0)
	viper.SetDefault("presence.reconcile_interval_seconds", 0)
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "furi")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("influx.enable", false)
}

func safePrintConfig(cfg config.Config) {
	cfg.Session.Secret = "*redacted*"
	cfg.Front.ApiToken = "*redacted*"
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	cfg.Influx.Token = "*redacted*"
	slog.Info("Using", "config", cfg)
}
