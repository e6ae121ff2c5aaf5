package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/furi/internal/adapter/actor"
	"github.com/berfenger/furi/internal/config"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furidev"
	"github.com/berfenger/furi/pkg/furitype"
	"github.com/berfenger/furi/pkg/modbusio"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// deviceConfig bridges a modbus register bank to a furi device: points are
// polled and reported as sensors, control presses become register writes.
type deviceConfig struct {
	Server             string                    `mapstructure:"server"`
	DeviceID           int64                     `mapstructure:"device_id"`
	Secret             string                    `mapstructure:"secret"`
	RetryIntervalMs    uint32                    `mapstructure:"retry_interval_millis"`
	PollIntervalMillis uint32                    `mapstructure:"poll_interval_millis"`
	Modbus             modbusConfig              `mapstructure:"modbus"`
	Points             []modbusio.Point          `mapstructure:"points"`
	Controls           []modbusio.ControlBinding `mapstructure:"controls"`
}

type modbusConfig struct {
	Host   string `mapstructure:"host"`
	Port   uint   `mapstructure:"port"`
	UnitId uint8  `mapstructure:"unit_id"`
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(config.ParseLogLevel(viper.GetString("log_level")))
	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	bank, err := modbusio.CreateTCPRegisterBank(cfg.Modbus.Host, cfg.Modbus.Port, cfg.Modbus.UnitId, time.Second, logger, nil)
	if err != nil {
		logger.Fatal("modbus client", zap.Error(err))
	}
	modbusPID, err := as.Root.SpawnNamed(pactor.PropsFromProducer(func() pactor.Actor {
		return adactor.NewModbusActor(bank, logger)
	}), domain.ACTOR_ID_MODBUS)
	if err != nil {
		logger.Fatal("spawn modbus actor", zap.Error(err))
	}

	device, err := furidev.New(furidev.Config{
		Server:        cfg.Server,
		DeviceID:      cfg.DeviceID,
		Secret:        cfg.Secret,
		RetryInterval: time.Duration(cfg.RetryIntervalMs) * time.Millisecond,
	}, furidev.WithLogger(logger), furidev.WithActorSystem(as))
	if err != nil {
		logger.Fatal("device", zap.Error(err))
	}
	defer device.Dispose()

	for _, binding := range cfg.Controls {
		device.ListenControl(binding.Control, writeControlHandler(as.Root, modbusPID, binding))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := device.Connect(ctx); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	logger.Info("device connected", zap.Int64("device", cfg.DeviceID))

	ticker := time.NewTicker(time.Duration(cfg.PollIntervalMillis) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			poll(ctx, as.Root, modbusPID, device, cfg.Points, logger)
		}
	}
}

func poll(ctx context.Context, root *pactor.RootContext, modbusPID *pactor.PID, device *furidev.Device,
	points []modbusio.Point, logger *zap.Logger) {
	res, err := root.RequestFuture(modbusPID, domain.ReadPointsRequest{Points: points}, 5*time.Second).Result()
	if err != nil {
		logger.Warn("modbus read timed out", zap.Error(err))
		return
	}
	values, ok := res.(domain.ReadPointsResponse)
	if !ok || values.HasResponseError() {
		logger.Warn("modbus read failed", zap.Any("response", res))
		return
	}
	for sensor, err := range values.Errors {
		logger.Debug("point read failed", zap.String("sensor", sensor), zap.Error(err))
	}
	for _, point := range points {
		value, ok := values.Values[point.Sensor]
		if !ok {
			continue
		}
		err := device.SendSensor(ctx, point.Sensor, value)
		switch {
		case errors.Is(err, furidev.ErrNotConnected):
			// reconnecting, the next poll reports again
			return
		case err != nil:
			logger.Warn("send sensor failed", zap.String("sensor", point.Sensor), zap.Error(err))
		}
	}
}

func writeControlHandler(root *pactor.RootContext, modbusPID *pactor.PID, binding modbusio.ControlBinding) furidev.ControlHandler {
	return func(ctx context.Context, control furitype.ControlInfo) error {
		res, err := root.RequestFuture(modbusPID, domain.WriteControlRequest{Binding: binding}, 5*time.Second).Result()
		if err != nil {
			return err
		}
		if resp, ok := res.(domain.WriteControlResponse); ok && resp.HasResponseError() {
			return resp.GetResponseError()
		}
		return nil
	}
}

func initConfig() (*deviceConfig, error) {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server", furidev.DEFAULT_SERVER)
	viper.SetDefault("retry_interval_millis", 20000)
	viper.SetDefault("poll_interval_millis", 10000)
	viper.SetDefault("modbus.port", 502)
	viper.SetDefault("modbus.unit_id", 1)

	viper.SetEnvPrefix("furidev")
	viper.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		slog.Info("Using config", "file", cfgFile)
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg deviceConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := viper.UnmarshalKey("points", &cfg.Points); err != nil {
		return nil, err
	}
	if err := viper.UnmarshalKey("controls", &cfg.Controls); err != nil {
		return nil, err
	}

	if cfg.DeviceID <= 0 || cfg.Secret == "" {
		return nil, errors.New("config params device_id and secret are required")
	}
	if cfg.Modbus.Host == "" {
		return nil, errors.New("config param modbus.host is required")
	}
	if cfg.PollIntervalMillis < 1000 {
		return nil, errors.New("config param poll_interval_millis should be >= 1000")
	}
	return &cfg, nil
}
